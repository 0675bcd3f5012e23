package review

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// #region simulated

// SimulatedReviewer applies fixed thresholds to the snapshot. It stands in
// for an external service in development and serves as the last link of a
// fallback Chain.
type SimulatedReviewer struct {
	id          string
	MaxBias     float64
	MaxToxicity float64
	MinFairness float64
	Delay       time.Duration
}

// NewSimulatedReviewer creates a reviewer with the default gate thresholds.
func NewSimulatedReviewer(id string) *SimulatedReviewer {
	return &SimulatedReviewer{id: id, MaxBias: 0.15, MaxToxicity: 0.10, MinFairness: 0.80}
}

func (r *SimulatedReviewer) ID() string { return r.id }

// Review approves when every metric is within bounds and self-verification passed.
func (r *SimulatedReviewer) Review(ctx context.Context, snap Snapshot) (Opinion, error) {
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return Opinion{}, ctx.Err()
		}
	}
	m := snap.Metrics
	var problems []string
	if m.Bias >= r.MaxBias {
		problems = append(problems, fmt.Sprintf("bias %.2f", m.Bias))
	}
	if m.Toxicity >= r.MaxToxicity {
		problems = append(problems, fmt.Sprintf("toxicity %.2f", m.Toxicity))
	}
	if m.Fairness <= r.MinFairness {
		problems = append(problems, fmt.Sprintf("fairness %.2f", m.Fairness))
	}
	if !snap.Verification.Passed && snap.Verification.Reason != "" {
		problems = append(problems, snap.Verification.Reason)
	}

	score := clamp01(1 - m.Bias - m.Toxicity + (m.Fairness-r.MinFairness)/2)
	if len(problems) > 0 {
		return Opinion{
			Verdict:   VerdictReject,
			Score:     score,
			Rationale: fmt.Sprintf("simulated review found %d problems: %v", len(problems), problems),
		}, nil
	}
	return Opinion{Verdict: VerdictApprove, Score: score, Rationale: "metrics within simulated thresholds"}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion simulated

// #region chain

// Chain asks its members in order and returns the first answer. It models a
// primary provider with fallbacks under a single reviewer identity.
type Chain struct {
	id      string
	members []Reviewer
}

// NewChain creates a Chain named id.
func NewChain(id string, members ...Reviewer) *Chain {
	return &Chain{id: id, members: members}
}

func (c *Chain) ID() string { return c.id }

// Review implements Reviewer. All member errors are joined when none answers.
func (c *Chain) Review(ctx context.Context, snap Snapshot) (Opinion, error) {
	var errs []error
	for _, m := range c.members {
		op, err := m.Review(ctx, snap)
		if err == nil {
			return op, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.ID(), err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return Opinion{}, errors.New("empty reviewer chain")
	}
	return Opinion{}, errors.Join(errs...)
}

// #endregion chain
