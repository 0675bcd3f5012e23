package ledger

import (
	"context"
	"fmt"
	"strconv"

	"cloud.google.com/go/firestore"
)

// #region firestore-mirror

// FirestoreMirror copies committed blocks into a Firestore collection so
// public dashboards can read the chain without touching the primary store.
// The local backend stays authoritative.
type FirestoreMirror struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreMirror mirrors into collection, defaulting to "ledger_blocks".
func NewFirestoreMirror(client *firestore.Client, collection string) *FirestoreMirror {
	if collection == "" {
		collection = "ledger_blocks"
	}
	return &FirestoreMirror{client: client, collection: collection}
}

// MirrorBlock writes b as a document keyed by its index.
func (m *FirestoreMirror) MirrorBlock(ctx context.Context, b Block) error {
	sigs := make([]map[string]interface{}, 0, len(b.Signatures))
	for _, s := range b.Signatures {
		sigs = append(sigs, map[string]interface{}{
			"public_key": s.PublicKey,
			"signature":  s.Signature,
		})
	}
	doc := map[string]interface{}{
		"index":         b.Index,
		"timestamp":     b.Timestamp,
		"previous_hash": b.PreviousHash,
		"current_hash":  b.CurrentHash,
		"event_type":    string(b.EventType),
		"data":          string(b.Data),
		"signatures":    sigs,
	}
	_, err := m.client.Collection(m.collection).Doc(strconv.FormatInt(b.Index, 10)).Set(ctx, doc)
	if err != nil {
		return fmt.Errorf("mirror block %d: %w", b.Index, err)
	}
	return nil
}

// #endregion firestore-mirror
