package gate

import (
	"fmt"
	"sync"

	"github.com/civicbot/governor/internal/analysis"
	"github.com/civicbot/governor/internal/review"
)

// #region gate
// Gate combines internal metric thresholds with external reviewer quorum.
// Its configuration can be replaced at runtime.
type Gate struct {
	mu     sync.RWMutex
	config GateConfig
}

// NewGate creates a gate with the given configuration.
func NewGate(config GateConfig) *Gate {
	return &Gate{config: config}
}

// Config returns the active configuration.
func (g *Gate) Config() GateConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// SetConfig replaces the configuration for subsequent decisions.
func (g *Gate) SetConfig(config GateConfig) {
	g.mu.Lock()
	g.config = config
	g.mu.Unlock()
}

// Decide checks hard vetoes first, then evaluates the four named checks
// against the K-of-N policy.
func (g *Gate) Decide(metrics analysis.Metrics, reviews []review.Result, vetoes ...Veto) Decision {
	return Evaluate(g.Config(), metrics, reviews, vetoes...)
}

// Evaluate is Decide with an explicit configuration. Replay uses it to score
// recorded inputs under alternative thresholds.
func Evaluate(cfg GateConfig, metrics analysis.Metrics, reviews []review.Result, vetoes ...Veto) Decision {
	consensus := review.ComputeConsensus(reviews)

	checks := []CheckResult{
		{
			Name: CheckBias, Value: metrics.Bias, Threshold: cfg.MaxBias,
			Pass:   metrics.Bias < cfg.MaxBias,
			Detail: fmt.Sprintf("bias %.4f < %.4f", metrics.Bias, cfg.MaxBias),
		},
		{
			Name: CheckToxicity, Value: metrics.Toxicity, Threshold: cfg.MaxToxicity,
			Pass:   metrics.Toxicity < cfg.MaxToxicity,
			Detail: fmt.Sprintf("toxicity %.4f < %.4f", metrics.Toxicity, cfg.MaxToxicity),
		},
		{
			Name: CheckFairness, Value: metrics.Fairness, Threshold: cfg.MinFairness,
			Pass:   metrics.Fairness > cfg.MinFairness,
			Detail: fmt.Sprintf("fairness %.4f > %.4f", metrics.Fairness, cfg.MinFairness),
		},
		{
			Name: CheckQuorum, Value: float64(consensus.Approvals), Threshold: float64(cfg.Quorum),
			Pass:   consensus.Approvals >= cfg.Quorum && consensus.Verdict == review.VerdictApprove,
			Detail: fmt.Sprintf("%d of %d reviewers approved (%d responsive), quorum %d, consensus %s",
				consensus.Approvals, cfg.ReviewerCount, consensus.Responsive, cfg.Quorum, consensus.Verdict),
		},
	}

	d := Decision{
		Checks:    checks,
		Required:  cfg.MinPassingChecks,
		Consensus: consensus,
		Vetoes:    vetoes,
	}
	for _, c := range checks {
		if c.Pass {
			d.Passed++
		} else {
			d.Reasons = append(d.Reasons, "failed "+c.Name+": "+c.Detail)
		}
	}

	// --- Hard veto pass ---
	if len(vetoes) > 0 {
		reasons := make([]string, 0, len(vetoes)+len(d.Reasons))
		for _, v := range vetoes {
			reasons = append(reasons, fmt.Sprintf("hard veto %s: %s", v.Type, v.Reason))
		}
		d.Reasons = append(reasons, d.Reasons...)
		return d
	}

	// --- K-of-N policy ---
	d.Approved = d.Passed >= cfg.MinPassingChecks
	if d.Approved {
		d.Reasons = append([]string{fmt.Sprintf("passed %d of %d checks (required %d)", d.Passed, len(checks), d.Required)}, d.Reasons...)
	} else {
		d.Reasons = append([]string{fmt.Sprintf("passed %d of %d checks, required %d", d.Passed, len(checks), d.Required)}, d.Reasons...)
	}
	return d
}

// #endregion gate
