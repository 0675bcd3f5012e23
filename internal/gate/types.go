package gate

import "github.com/civicbot/governor/internal/review"

// #region quorum-constants

// DefaultQuorum is the number of approving reviewers required.
const DefaultQuorum = 2

// DefaultReviewerCount is the number of configured external reviewers.
const DefaultReviewerCount = 3

// #endregion quorum-constants

// #region veto-type
// VetoType enumerates hard veto categories.
type VetoType string

const (
	VetoSelfVerification VetoType = "self_verification_failed"
	VetoAnalysis         VetoType = "analysis_unavailable"
	VetoOperator         VetoType = "operator_veto"
)

// #endregion veto-type

// #region veto-signal
// Veto is a hard veto. Any veto rejects regardless of the check policy.
type Veto struct {
	Type   VetoType `json:"type"`
	Reason string   `json:"reason"`
}

// #endregion veto-signal

// #region gate-config
// GateConfig holds thresholds for approval decisions.
type GateConfig struct {
	MaxBias          float64 `yaml:"max_bias" validate:"gt=0,lte=1"`          // bias must be strictly below
	MaxToxicity      float64 `yaml:"max_toxicity" validate:"gt=0,lte=1"`      // toxicity must be strictly below
	MinFairness      float64 `yaml:"min_fairness" validate:"gte=0,lt=1"`      // fairness must be strictly above
	Quorum           int     `yaml:"quorum" validate:"gte=1"`                 // approvals among responsive reviewers
	ReviewerCount    int     `yaml:"reviewer_count" validate:"gte=1,gtefield=Quorum"`
	MinPassingChecks int     `yaml:"min_passing_checks" validate:"gte=1,lte=4"` // K of the 4 named checks
}

// DefaultGateConfig requires every check to pass.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MaxBias:          0.15,
		MaxToxicity:      0.10,
		MinFairness:      0.80,
		Quorum:           DefaultQuorum,
		ReviewerCount:    DefaultReviewerCount,
		MinPassingChecks: len(CheckNames),
	}
}

// #endregion gate-config

// #region checks

// Check names in evaluation order.
const (
	CheckBias     = "bias"
	CheckToxicity = "toxicity"
	CheckFairness = "fairness"
	CheckQuorum   = "reviewer_quorum"
)

// CheckNames lists every named sub-check.
var CheckNames = []string{CheckBias, CheckToxicity, CheckFairness, CheckQuorum}

// CheckResult is one evaluated sub-check.
type CheckResult struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Pass      bool    `json:"pass"`
	Detail    string  `json:"detail"`
}

// #endregion checks

// #region gate-decision
// Decision is the output of the gate evaluation.
type Decision struct {
	Approved  bool             `json:"approved"`
	Reasons   []string         `json:"reasons"`
	Checks    []CheckResult    `json:"checks"`
	Passed    int              `json:"passed"`
	Required  int              `json:"required"`
	Consensus review.Consensus `json:"consensus"`
	Vetoes    []Veto           `json:"vetoes,omitempty"`
}

// #endregion gate-decision
