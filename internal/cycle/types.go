// Package cycle sequences a self-training governance cycle: dataset
// generation, internal analysis, training, self-verification, external
// review, the approval decision and the administrator checkpoint. Every
// milestone is recorded on the ledger.
package cycle

import (
	"context"
	"time"

	"github.com/civicbot/governor/internal/analysis"
	"github.com/civicbot/governor/internal/apperr"
	"github.com/civicbot/governor/internal/eval"
	"github.com/civicbot/governor/internal/gate"
	"github.com/civicbot/governor/internal/ledger"
	"github.com/civicbot/governor/internal/review"
	"github.com/civicbot/governor/internal/training"
)

// #region errors

var (
	ErrCycleActive       = apperr.New(apperr.KindState, "a governance cycle is already running")
	ErrNotFound          = apperr.New(apperr.KindNotFound, "cycle not found")
	ErrNotAwaiting       = apperr.New(apperr.KindState, "cycle is not awaiting a checkpoint")
	ErrInvalidTransition = apperr.New(apperr.KindState, "invalid cycle transition")
)

// #endregion errors

// #region cycle

// Trigger names what started a cycle.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
)

// Checkpoint is the administrator sign-off on a cycle.
type Checkpoint struct {
	PublicKey   string    `json:"publicKeyHex"`
	Signature   string    `json:"signatureHex"`
	ApprovedAt  time.Time `json:"approvedAt"`
	LedgerIndex int64     `json:"ledgerIndex"`
}

// LedgerRef points at a block written for the cycle.
type LedgerRef struct {
	EventType ledger.EventType `json:"eventType"`
	Index     int64            `json:"index"`
	Hash      string           `json:"hash"`
}

// Cycle is one run of the pipeline. Fields fill in as stages complete.
type Cycle struct {
	ID              string            `json:"id"`
	Stage           Stage             `json:"stage"`
	Trigger         Trigger           `json:"trigger"`
	DatasetMeta     *training.Dataset `json:"datasetMeta,omitempty"`
	InternalMetrics *analysis.Metrics `json:"internalMetrics,omitempty"`
	Training        *training.Result  `json:"training,omitempty"`
	Verification    *eval.EvalResult  `json:"verification,omitempty"`
	Reviews         []review.Result   `json:"reviews,omitempty"`
	Consensus       *review.Consensus `json:"consensus,omitempty"`
	Approval        *gate.Decision    `json:"approval,omitempty"`
	Checkpoint      *Checkpoint       `json:"checkpoint,omitempty"`
	LedgerRefs      []LedgerRef       `json:"ledgerRefs"`
	Sealed          bool              `json:"sealed"`
	FailureReason   string            `json:"failureReason,omitempty"`
	RejectionReason string            `json:"rejectionReason,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
}

func (c *Cycle) addRef(b ledger.Block) {
	c.LedgerRefs = append(c.LedgerRefs, LedgerRef{EventType: b.EventType, Index: b.Index, Hash: b.CurrentHash})
}

// Event is published on every stage change.
type Event struct {
	CycleID string    `json:"cycleId"`
	Stage   Stage     `json:"stage"`
	From    Stage     `json:"from"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// #endregion cycle

// #region collaborators

// Appender records ledger blocks. *ledger.Ledger satisfies it.
type Appender interface {
	Append(ctx context.Context, eventType ledger.EventType, payload any, sigs ...ledger.Signature) (ledger.Block, error)
}

// KeyVerifier checks checkpoint signatures. *checkpoint.Registry satisfies it.
type KeyVerifier interface {
	VerifyCheckpoint(ctx context.Context, cycleID, sigHex, pubHex string) error
}

// #endregion collaborators
