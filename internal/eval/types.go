package eval

// #region eval-config
// EvalConfig holds thresholds for post-training self-verification.
type EvalConfig struct {
	MinAccuracy     float64 `yaml:"min_accuracy" validate:"gte=0,lte=1"`
	MaxLoss         float64 `yaml:"max_loss" validate:"gte=0"`
	MaxAccuracyDrop float64 `yaml:"max_accuracy_drop" validate:"gte=0,lte=1"` // vs. the baseline model
	MinRecords      int     `yaml:"min_records" validate:"gte=0"`
}

// DefaultEvalConfig returns sensible defaults.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		MinAccuracy:     0.70,
		MaxLoss:         0.50,
		MaxAccuracyDrop: 0.02,
		MinRecords:      1,
	}
}

// #endregion eval-config

// #region eval-metric
// EvalMetric captures a single validation check result.
type EvalMetric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Pass  bool    `json:"pass"`
}

// #endregion eval-metric

// #region eval-result
// EvalResult is the output of self-verification.
type EvalResult struct {
	Passed  bool         `json:"passed"`
	Metrics []EvalMetric `json:"metrics"`
	Reason  string       `json:"reason"`
}

// #endregion eval-result
