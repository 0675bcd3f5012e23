package cycle

import "fmt"

// #region stages

// Stage is a cycle's position in the pipeline.
type Stage string

const (
	StageIdle               Stage = "idle"
	StageGeneratingDataset  Stage = "generating_dataset"
	StageInternalAnalysis   Stage = "internal_analysis"
	StageTraining           Stage = "training"
	StageSelfVerification   Stage = "self_verification"
	StageExternalReview     Stage = "external_review"
	StageApprovalDecision   Stage = "approval_decision"
	StageAwaitingCheckpoint Stage = "awaiting_checkpoint"
	StageLogged             Stage = "logged"
	StageRejected           Stage = "rejected"
	StageFailed             Stage = "failed"
)

var allowedTransitions = map[Stage]map[Stage]struct{}{
	StageIdle: {
		StageGeneratingDataset: {},
		StageFailed:            {},
	},
	StageGeneratingDataset: {
		StageInternalAnalysis: {},
		StageFailed:           {},
	},
	StageInternalAnalysis: {
		StageTraining: {},
		StageFailed:   {},
	},
	StageTraining: {
		StageSelfVerification: {},
		StageFailed:           {},
	},
	StageSelfVerification: {
		StageExternalReview: {},
		StageFailed:         {},
	},
	StageExternalReview: {
		StageApprovalDecision: {},
		StageFailed:           {},
	},
	StageApprovalDecision: {
		StageAwaitingCheckpoint: {},
		StageRejected:           {},
		StageFailed:             {},
	},
	StageAwaitingCheckpoint: {
		StageLogged:   {},
		StageRejected: {},
		StageFailed:   {},
	},
	StageLogged:   {},
	StageRejected: {},
	StageFailed:   {},
}

// Terminal reports whether no transition leaves s.
func (s Stage) Terminal() bool {
	next, ok := allowedTransitions[s]
	return ok && len(next) == 0
}

// ValidateStage rejects unknown stages.
func ValidateStage(s Stage) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid cycle stage: %q", s)
	}
	return nil
}

// ValidateTransition reports whether from -> to is allowed.
func ValidateTransition(from, to Stage) error {
	if err := ValidateStage(from); err != nil {
		return err
	}
	if err := ValidateStage(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// #endregion stages
