package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// #region canonical

// Canonicalize re-encodes JSON so that object keys are sorted and
// insignificant whitespace is dropped. Numbers keep their original text.
func Canonicalize(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}

// canonicalPayload marshals an arbitrary payload into canonical JSON.
func canonicalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return Canonicalize(raw)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return Canonicalize(raw)
}

// #endregion canonical

// #region compute-hash

// FormatTimestamp is the timestamp encoding that enters the hash.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ComputeHash returns the hex SHA-256 over every field of b except CurrentHash.
func ComputeHash(b Block) (string, error) {
	data, err := Canonicalize(b.Data)
	if err != nil {
		return "", err
	}
	sigs := []byte("[]")
	if len(b.Signatures) > 0 {
		sigs, err = json.Marshal(b.Signatures)
		if err != nil {
			return "", fmt.Errorf("marshal signatures: %w", err)
		}
	}

	h := sha256.New()
	for _, field := range [][]byte{
		[]byte(strconv.FormatInt(b.Index, 10)),
		[]byte(FormatTimestamp(b.Timestamp)),
		[]byte(b.PreviousHash),
		[]byte(b.EventType),
		data,
		sigs,
	} {
		h.Write(field)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// #endregion compute-hash
