// Package analysis scores a generated dataset for bias, toxicity and fairness.
// The scoring itself lives outside the governance core; this package only
// defines the narrow interface and a couple of adapters.
package analysis

import (
	"context"

	"github.com/civicbot/governor/internal/apperr"
)

// #region metrics

// Metrics are the internal quality scores the approval gate checks. All values
// are in [0, 1].
type Metrics struct {
	Bias     float64 `json:"bias"`
	Toxicity float64 `json:"toxicity"`
	Fairness float64 `json:"fairness"`
}

// #endregion metrics

// #region analyzer-interface

// Analyzer scores text. Implementations return an error wrapping
// ErrAnalysisUnavailable when the scorer cannot be reached.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (Metrics, error)
}

// ErrAnalysisUnavailable means the analyzer could not produce a result.
var ErrAnalysisUnavailable = apperr.New(apperr.KindUnavailable, "analysis unavailable")

// #endregion analyzer-interface
