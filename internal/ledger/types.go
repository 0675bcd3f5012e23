package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/civicbot/governor/internal/apperr"
)

// #region event-type

// EventType names what a block records.
type EventType string

const (
	EventGenesis        EventType = "genesis"
	EventDataCollection EventType = "data_collection"
	EventTraining       EventType = "training"
	EventApproval       EventType = "approval"
	EventCheckpoint     EventType = "checkpoint"
	EventAudit          EventType = "audit"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventGenesis, EventDataCollection, EventTraining, EventApproval, EventCheckpoint, EventAudit:
		return true
	}
	return false
}

// #endregion event-type

// #region block

// GenesisHash is the previous_hash of block 0.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Signature is a detached Ed25519 signature attached to a checkpoint block.
type Signature struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// Block is an immutable ledger entry. Field order matches the persisted layout.
type Block struct {
	Index        int64           `json:"index"`
	Timestamp    time.Time       `json:"timestamp"`
	PreviousHash string          `json:"previous_hash"`
	CurrentHash  string          `json:"current_hash"`
	EventType    EventType       `json:"event_type"`
	Data         json.RawMessage `json:"data"`
	Signatures   []Signature     `json:"signatures,omitempty"`
}

// #endregion block

// #region verify-result

// VerifyResult is the outcome of walking the chain.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	BrokenAt *int64 `json:"brokenAt,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Blocks   int64  `json:"blocks"`
}

// #endregion verify-result

// #region errors

// ErrBlockNotFound is returned when an index is past the tail.
var ErrBlockNotFound = apperr.New(apperr.KindNotFound, "block not found")

// ErrUnknownEventType rejects appends with an event type outside the enum.
var ErrUnknownEventType = apperr.New(apperr.KindValidation, "unknown event type")

// WriteError reports that a block could not be made durable. No partial block
// is committed when it is returned.
type WriteError struct {
	Index int64
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("ledger write failed at index %d: %v", e.Index, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// #endregion errors
