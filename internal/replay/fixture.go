package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/civicbot/governor/internal/analysis"
	"github.com/civicbot/governor/internal/gate"
	"github.com/civicbot/governor/internal/review"
	"github.com/civicbot/governor/internal/training"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description     string                  `json:"description"`
	Config          FixtureConfig           `json:"config"`
	Cases           []FixtureCase           `json:"cases"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
}

// FixtureMetrics mirrors analysis.Metrics.
type FixtureMetrics struct {
	Bias     float64 `json:"bias"`
	Toxicity float64 `json:"toxicity"`
	Fairness float64 `json:"fairness"`
}

// FixtureReview is one recorded reviewer answer.
type FixtureReview struct {
	ReviewerID string  `json:"reviewer_id"`
	Verdict    string  `json:"verdict"`
	Score      float64 `json:"score"`
	Failed     bool    `json:"failed"`
}

// FixtureTraining mirrors the parts of training.Result self-verification reads.
type FixtureTraining struct {
	Accuracy         float64 `json:"accuracy"`
	Loss             float64 `json:"loss"`
	BaselineAccuracy float64 `json:"baseline_accuracy"`
	Records          int     `json:"records"`
}

// FixtureCase is one decision to replay.
type FixtureCase struct {
	CycleID             string           `json:"cycle_id"`
	Metrics             FixtureMetrics   `json:"metrics"`
	Reviews             []FixtureReview  `json:"reviews"`
	Training            *FixtureTraining `json:"training,omitempty"`
	AnalysisUnavailable bool             `json:"analysis_unavailable,omitempty"`
	OperatorVeto        string           `json:"operator_veto,omitempty"`
}

// FixtureExpectedResult captures the expected action per case.
type FixtureExpectedResult struct {
	CycleID string `json:"cycle_id"`
	Action  string `json:"action"`
}

// FixtureConfig overrides gate and eval thresholds. Zero fields keep defaults.
type FixtureConfig struct {
	MaxBias          float64 `json:"max_bias"`
	MaxToxicity      float64 `json:"max_toxicity"`
	MinFairness      float64 `json:"min_fairness"`
	Quorum           int     `json:"quorum"`
	ReviewerCount    int     `json:"reviewer_count"`
	MinPassingChecks int     `json:"min_passing_checks"`
	MinAccuracy      float64 `json:"min_accuracy"`
	MaxLoss          float64 `json:"max_loss"`
	MaxAccuracyDrop  float64 `json:"max_accuracy_drop"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// ToCase converts a FixtureCase to a domain Case.
func (fc *FixtureCase) ToCase() Case {
	c := Case{
		CycleID: fc.CycleID,
		Metrics: analysis.Metrics{Bias: fc.Metrics.Bias, Toxicity: fc.Metrics.Toxicity, Fairness: fc.Metrics.Fairness},
	}
	for _, r := range fc.Reviews {
		c.Reviews = append(c.Reviews, review.Result{
			ReviewerID: r.ReviewerID,
			Verdict:    review.Verdict(r.Verdict),
			Score:      r.Score,
			Failed:     r.Failed,
		})
	}
	if fc.Training != nil {
		c.Training = &training.Result{
			Accuracy:         fc.Training.Accuracy,
			Loss:             fc.Training.Loss,
			BaselineAccuracy: fc.Training.BaselineAccuracy,
		}
		c.Dataset = training.Dataset{ID: fc.CycleID, Records: fc.Training.Records}
	}
	if fc.AnalysisUnavailable {
		c.Vetoes = append(c.Vetoes, gate.Veto{Type: gate.VetoAnalysis, Reason: "analysis unavailable"})
	}
	if fc.OperatorVeto != "" {
		c.Vetoes = append(c.Vetoes, gate.Veto{Type: gate.VetoOperator, Reason: fc.OperatorVeto})
	}
	return c
}

// ToReplayConfig applies the overrides on top of DefaultReplayConfig.
func (fc *FixtureConfig) ToReplayConfig() ReplayConfig {
	cfg := DefaultReplayConfig()
	g, e := &cfg.GateConfig, &cfg.EvalConfig
	setFloat(&g.MaxBias, fc.MaxBias)
	setFloat(&g.MaxToxicity, fc.MaxToxicity)
	setFloat(&g.MinFairness, fc.MinFairness)
	setInt(&g.Quorum, fc.Quorum)
	setInt(&g.ReviewerCount, fc.ReviewerCount)
	setInt(&g.MinPassingChecks, fc.MinPassingChecks)
	setFloat(&e.MinAccuracy, fc.MinAccuracy)
	setFloat(&e.MaxLoss, fc.MaxLoss)
	setFloat(&e.MaxAccuracyDrop, fc.MaxAccuracyDrop)
	return cfg
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// ToCases converts every fixture case.
func (f *Fixture) ToCases() []Case {
	out := make([]Case, len(f.Cases))
	for i := range f.Cases {
		out[i] = f.Cases[i].ToCase()
	}
	return out
}

// #endregion fixture-loader
