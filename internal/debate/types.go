// Package debate runs the civic debates whose questions receive community
// votes. Debaters argue in rounds, citizens vote behind the proof-of-work
// gate, and closing a debate records its tally on the ledger.
package debate

import (
	"context"
	"time"

	"github.com/civicbot/governor/internal/apperr"
	"github.com/civicbot/governor/internal/ledger"
	"github.com/civicbot/governor/internal/pow"
)

// #region errors

var (
	ErrNotFound      = apperr.New(apperr.KindNotFound, "debate not found")
	ErrClosed        = apperr.New(apperr.KindState, "debate is closed")
	ErrDuplicateVote = apperr.New(apperr.KindRejected, "vote already recorded for this question")
	ErrInvalidChoice = apperr.New(apperr.KindValidation, "choice is not one of the debate options")
	ErrInvalidInput  = apperr.New(apperr.KindValidation, "invalid debate")
	ErrNoDebaters    = apperr.New(apperr.KindState, "no debaters configured")
)

// #endregion errors

// #region types

// Status is open until Close.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Debate is one question put to debaters and voters.
type Debate struct {
	ID          string         `json:"id"`
	Question    string         `json:"question"`
	Options     []string       `json:"options"`
	Status      Status         `json:"status"`
	Rounds      []Round        `json:"rounds"`
	Tally       map[string]int `json:"tally"`
	CreatedAt   time.Time      `json:"createdAt"`
	ClosedAt    *time.Time     `json:"closedAt,omitempty"`
	LedgerIndex *int64         `json:"ledgerIndex,omitempty"`
}

// Round holds one argument per debater.
type Round struct {
	Number    int        `json:"number"`
	Arguments []Argument `json:"arguments"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Argument is a debater's contribution to a round. A debater that errors or
// times out is recorded as Failed and the round continues.
type Argument struct {
	DebaterID string `json:"debaterId"`
	Position  string `json:"position"`
	Text      string `json:"text,omitempty"`
	Failed    bool   `json:"failed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Vote is an admitted ballot. VoterID is derived, never the raw identity.
type Vote struct {
	VoterID    string    `json:"voterId"`
	QuestionID string    `json:"questionId"`
	Choice     string    `json:"choice"`
	Proof      pow.Proof `json:"pow"`
	CreatedAt  time.Time `json:"createdAt"`
}

// VoteRequest is a ballot as submitted. VoterIdentity is optional; anonymous
// ballots are keyed by their challenge.
type VoteRequest struct {
	QuestionID    string    `json:"questionId" binding:"required"`
	Choice        string    `json:"choice" binding:"required"`
	VoterIdentity string    `json:"voterIdentity,omitempty"`
	Proof         pow.Proof `json:"pow" binding:"required"`
}

// #endregion types

// #region collaborators

// Prompt is what a debater sees.
type Prompt struct {
	Question   string
	Options    []string
	Position   string
	Transcript []Argument
}

// Debater produces arguments.
type Debater interface {
	ID() string
	Position() string
	Argue(ctx context.Context, p Prompt) (string, error)
}

// Admitter admits proof-of-work. *pow.Admission satisfies it.
type Admitter interface {
	Admit(ctx context.Context, p pow.Proof) error
}

// Appender records ledger blocks. *ledger.Ledger satisfies it.
type Appender interface {
	Append(ctx context.Context, eventType ledger.EventType, payload any, sigs ...ledger.Signature) (ledger.Block, error)
}

// #endregion collaborators
