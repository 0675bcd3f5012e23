// Package eval runs self-verification on a freshly trained candidate before
// it is sent to external reviewers.
package eval

import (
	"fmt"

	"github.com/civicbot/governor/internal/training"
)

// #region eval-harness
// EvalHarness checks a training result against fixed thresholds.
type EvalHarness struct {
	config EvalConfig
}

// NewEvalHarness creates an eval harness with the given configuration.
func NewEvalHarness(config EvalConfig) *EvalHarness {
	return &EvalHarness{config: config}
}

// Run verifies res. Every check is evaluated so the result lists all metrics,
// and Reason names the first failure.
func (h *EvalHarness) Run(res training.Result, ds training.Dataset) EvalResult {
	var metrics []EvalMetric
	var failReasons []string

	check := func(name string, value float64, pass bool, failMsg string) {
		metrics = append(metrics, EvalMetric{Name: name, Value: value, Pass: pass})
		if !pass {
			failReasons = append(failReasons, failMsg)
		}
	}

	// 1. Dataset size
	check("records", float64(ds.Records), ds.Records >= h.config.MinRecords,
		fmt.Sprintf("dataset has %d records, need %d", ds.Records, h.config.MinRecords))

	// 2. Absolute accuracy floor
	check("accuracy", res.Accuracy, res.Accuracy >= h.config.MinAccuracy,
		fmt.Sprintf("accuracy %.4f below %.4f", res.Accuracy, h.config.MinAccuracy))

	// 3. Loss ceiling
	check("loss", res.Loss, res.Loss <= h.config.MaxLoss,
		fmt.Sprintf("loss %.4f exceeds %.4f", res.Loss, h.config.MaxLoss))

	// 4. Regression vs. baseline; skipped when no baseline was reported
	if res.BaselineAccuracy > 0 {
		drop := res.BaselineAccuracy - res.Accuracy
		check("accuracy_drop", drop, drop <= h.config.MaxAccuracyDrop,
			fmt.Sprintf("accuracy dropped %.4f from baseline, max %.4f", drop, h.config.MaxAccuracyDrop))
	}

	reason := "all checks passed"
	if len(failReasons) == 1 {
		reason = fmt.Sprintf("self-verification failed: %s", failReasons[0])
	} else if len(failReasons) > 1 {
		reason = fmt.Sprintf("self-verification failed: %d checks: %s", len(failReasons), failReasons[0])
	}

	return EvalResult{
		Passed:  len(failReasons) == 0,
		Metrics: metrics,
		Reason:  reason,
	}
}

// #endregion eval-harness
