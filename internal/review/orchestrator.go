package review

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/civicbot/governor/internal/observability"
)

// #region orchestrator

// Orchestrator dispatches review requests.
type Orchestrator struct {
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// NewOrchestrator creates an Orchestrator. metrics may be nil.
func NewOrchestrator(logger zerolog.Logger, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		logger:  logger.With().Str("component", "review").Logger(),
		metrics: metrics,
	}
}

// RequestReviews asks every reviewer concurrently and returns one Result per
// reviewer in input order. It returns once each reviewer has answered or hit
// timeout; a reviewer that ignores its context is abandoned, not awaited.
func (o *Orchestrator) RequestReviews(ctx context.Context, snap Snapshot, reviewers []Reviewer, timeout time.Duration) []Result {
	results := make([]Result, len(reviewers))
	var g errgroup.Group
	for i, r := range reviewers {
		i, r := i, r
		g.Go(func() error {
			results[i] = o.reviewOne(ctx, snap, r, timeout)
			return nil
		})
	}
	_ = g.Wait()

	c := ComputeConsensus(results)
	o.logger.Info().
		Str("cycle_id", snap.CycleID).
		Str("consensus", string(c.Verdict)).
		Int("approvals", c.Approvals).
		Int("rejections", c.Rejections).
		Int("failed", c.Failed).
		Msg("reviews settled")
	return results
}

type outcome struct {
	opinion Opinion
	err     error
}

func (o *Orchestrator) reviewOne(ctx context.Context, snap Snapshot, r Reviewer, timeout time.Duration) Result {
	id := r.ID()
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("reviewer panic: %v", p)}
			}
		}()
		op, err := r.Review(rctx, snap)
		ch <- outcome{opinion: op, err: err}
	}()

	var res Result
	select {
	case out := <-ch:
		res = toResult(id, out)
	case <-rctx.Done():
		res = Result{ReviewerID: id, Failed: true, Error: "timeout: " + rctx.Err().Error()}
	}
	elapsed := time.Since(start)
	res.LatencyMS = elapsed.Milliseconds()

	status := "ok"
	if res.Failed {
		status = "failed"
		o.logger.Warn().Str("reviewer", id).Str("error", res.Error).Msg("reviewer failed")
	}
	o.metrics.ObserveReview(id, status, elapsed)
	return res
}

func toResult(id string, out outcome) Result {
	if out.err != nil {
		return Result{ReviewerID: id, Failed: true, Error: out.err.Error()}
	}
	op := out.opinion
	if !op.Verdict.Valid() {
		return Result{ReviewerID: id, Failed: true, Error: fmt.Sprintf("malformed verdict %q", op.Verdict)}
	}
	if op.Score < 0 || op.Score > 1 {
		return Result{ReviewerID: id, Failed: true, Error: fmt.Sprintf("score out of range: %f", op.Score)}
	}
	return Result{
		ReviewerID: id,
		Verdict:    op.Verdict,
		Score:      op.Score,
		Rationale:  op.Rationale,
	}
}

// #endregion orchestrator

// #region consensus

// ComputeConsensus takes the majority verdict among responsive reviewers.
// A tie or an empty responsive set yields VerdictNone.
func ComputeConsensus(results []Result) Consensus {
	var c Consensus
	for _, r := range results {
		if r.Failed {
			c.Failed++
			continue
		}
		c.Responsive++
		switch r.Verdict {
		case VerdictApprove:
			c.Approvals++
		case VerdictReject:
			c.Rejections++
		}
	}
	switch {
	case c.Approvals > c.Rejections:
		c.Verdict = VerdictApprove
	case c.Rejections > c.Approvals:
		c.Verdict = VerdictReject
	default:
		c.Verdict = VerdictNone
	}
	return c
}

// #endregion consensus
