// Package replay re-runs recorded approval decisions under a different gate
// or self-verification configuration. Operators use it to see which past
// cycles would flip before changing thresholds.
package replay

import (
	"encoding/json"
	"fmt"

	"github.com/civicbot/governor/internal/analysis"
	"github.com/civicbot/governor/internal/cycle"
	"github.com/civicbot/governor/internal/eval"
	"github.com/civicbot/governor/internal/gate"
	"github.com/civicbot/governor/internal/ledger"
	"github.com/civicbot/governor/internal/review"
	"github.com/civicbot/governor/internal/training"
)

// #region types

// Case is one recorded approval decision.
type Case struct {
	CycleID string
	Metrics analysis.Metrics
	Reviews []review.Result
	Vetoes  []gate.Veto

	// Training and Dataset, when set, re-run self-verification instead of
	// trusting a recorded self-verification veto.
	Training *training.Result
	Dataset  training.Dataset

	// Recorded is the original outcome, nil for synthetic cases.
	Recorded *bool
}

// ReplayConfig bundles the gate and eval configs for a replay run.
type ReplayConfig struct {
	GateConfig gate.GateConfig
	EvalConfig eval.EvalConfig
}

// DefaultReplayConfig returns the production defaults.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		GateConfig: gate.DefaultGateConfig(),
		EvalConfig: eval.DefaultEvalConfig(),
	}
}

// ReplayResult is the outcome of replaying one case.
type ReplayResult struct {
	CycleID    string           `json:"cycleId"`
	Action     string           `json:"action"` // "approve" | "reject"
	Reason     string           `json:"reason"`
	Decision   gate.Decision    `json:"decision"`
	EvalResult *eval.EvalResult `json:"evalResult,omitempty"`
	Recorded   *bool            `json:"recorded,omitempty"`
	Flipped    bool             `json:"flipped"`
}

// ReplaySummary aggregates a run.
type ReplaySummary struct {
	Total    int `json:"total"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Flipped  int `json:"flipped"`
}

// #endregion types

// #region replay

// Replay evaluates every case in order. It is pure.
func Replay(cases []Case, config ReplayConfig) []ReplayResult {
	harness := eval.NewEvalHarness(config.EvalConfig)
	results := make([]ReplayResult, 0, len(cases))

	for _, c := range cases {
		vetoes := c.Vetoes
		var evalResult *eval.EvalResult
		if c.Training != nil {
			vetoes = withoutVeto(vetoes, gate.VetoSelfVerification)
			r := harness.Run(*c.Training, c.Dataset)
			evalResult = &r
			if !r.Passed {
				vetoes = append(vetoes, gate.Veto{Type: gate.VetoSelfVerification, Reason: r.Reason})
			}
		}

		d := gate.Evaluate(config.GateConfig, c.Metrics, c.Reviews, vetoes...)
		res := ReplayResult{
			CycleID:    c.CycleID,
			Action:     "reject",
			Decision:   d,
			EvalResult: evalResult,
			Recorded:   c.Recorded,
		}
		if d.Approved {
			res.Action = "approve"
		}
		if len(d.Reasons) > 0 {
			res.Reason = d.Reasons[0]
		}
		if c.Recorded != nil {
			res.Flipped = *c.Recorded != d.Approved
		}
		results = append(results, res)
	}
	return results
}

func withoutVeto(vetoes []gate.Veto, t gate.VetoType) []gate.Veto {
	out := make([]gate.Veto, 0, len(vetoes))
	for _, v := range vetoes {
		if v.Type != t {
			out = append(out, v)
		}
	}
	return out
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []ReplayResult) ReplaySummary {
	s := ReplaySummary{Total: len(results)}
	for _, r := range results {
		switch r.Action {
		case "approve":
			s.Approved++
		case "reject":
			s.Rejected++
		}
		if r.Flipped {
			s.Flipped++
		}
	}
	return s
}

// #endregion replay

// #region ledger-source

// CasesFromLedger turns every approval block into a Case. Other blocks are
// skipped.
func CasesFromLedger(blocks []ledger.Block) ([]Case, error) {
	var cases []Case
	for _, b := range blocks {
		if b.EventType != ledger.EventApproval {
			continue
		}
		var rec cycle.ApprovalRecord
		if err := json.Unmarshal(b.Data, &rec); err != nil {
			return nil, fmt.Errorf("decode approval block %d: %w", b.Index, err)
		}
		approved := rec.Approved
		cases = append(cases, Case{
			CycleID:  rec.CycleID,
			Metrics:  rec.Metrics,
			Reviews:  rec.Reviews,
			Vetoes:   rec.Vetoes,
			Recorded: &approved,
		})
	}
	return cases, nil
}

// #endregion ledger-source
