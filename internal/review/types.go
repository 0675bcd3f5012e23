// Package review fans a cycle snapshot out to independent reviewer services
// and reduces their answers to a consensus verdict.
package review

import (
	"context"

	"github.com/civicbot/governor/internal/analysis"
	"github.com/civicbot/governor/internal/eval"
	"github.com/civicbot/governor/internal/training"
)

// #region verdict

// Verdict is a reviewer's decision.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
	// VerdictNone is the consensus when there is a tie or nobody answered.
	VerdictNone Verdict = "none"
)

// Valid reports whether v is a verdict a reviewer may return.
func (v Verdict) Valid() bool {
	return v == VerdictApprove || v == VerdictReject
}

// #endregion verdict

// #region snapshot

// Snapshot is what a reviewer sees of a cycle.
type Snapshot struct {
	CycleID      string           `json:"cycleId"`
	Dataset      training.Dataset `json:"dataset"`
	Metrics      analysis.Metrics `json:"metrics"`
	Training     training.Result  `json:"training"`
	Verification eval.EvalResult  `json:"verification"`
	Sample       string           `json:"sample,omitempty"`
}

// #endregion snapshot

// #region reviewer

// Opinion is a reviewer's raw answer.
type Opinion struct {
	Verdict   Verdict `json:"verdict"`
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// Reviewer is one external review service. Adapters exist for
// OpenAI-compatible endpoints, gRPC review services and a local simulation.
type Reviewer interface {
	ID() string
	Review(ctx context.Context, snap Snapshot) (Opinion, error)
}

// #endregion reviewer

// #region result

// Result is the recorded outcome of asking one reviewer. A reviewer that
// timed out, errored, panicked or answered with a malformed verdict has
// Failed set and counts toward no tally.
type Result struct {
	ReviewerID string  `json:"reviewerId"`
	Verdict    Verdict `json:"verdict,omitempty"`
	Score      float64 `json:"score"`
	Rationale  string  `json:"rationale,omitempty"`
	LatencyMS  int64   `json:"latencyMs"`
	Failed     bool    `json:"failed"`
	Error      string  `json:"error,omitempty"`
}

// Consensus summarizes the responsive reviewers.
type Consensus struct {
	Verdict    Verdict `json:"verdict"`
	Approvals  int     `json:"approvals"`
	Rejections int     `json:"rejections"`
	Responsive int     `json:"responsive"`
	Failed     int     `json:"failed"`
}

// #endregion result
