// Package training holds the dataset generation and training collaborators
// of a governance cycle. Both are external to the governance core and are
// reached through the Generator and Trainer interfaces.
package training

import (
	"context"
	"time"

	"github.com/civicbot/governor/internal/apperr"
)

// #region dataset

// Dataset describes a generated training set. Text is the concatenated
// content handed to the analyzer and is never persisted in the ledger.
type Dataset struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Path      string    `json:"path,omitempty"`
	Records   int       `json:"records"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"createdAt"`
	Text      string    `json:"-"`
}

// Record is one JSONL training example.
type Record struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
	Text     string `json:"text,omitempty"`
}

// Content returns the text an analyzer should see for r.
func (r Record) Content() string {
	if r.Text != "" {
		return r.Text
	}
	return r.Prompt + "\n" + r.Response
}

// #endregion dataset

// #region result

// Result is what a training run reports.
type Result struct {
	ModelVersion     string        `json:"modelVersion"`
	Accuracy         float64       `json:"accuracy"`
	Loss             float64       `json:"loss"`
	BaselineAccuracy float64       `json:"baselineAccuracy"`
	Epochs           int           `json:"epochs"`
	ArtifactPath     string        `json:"artifactPath,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// #endregion result

// #region interfaces

// Generator produces a dataset for one cycle.
type Generator interface {
	Generate(ctx context.Context) (Dataset, error)
}

// Trainer trains a candidate model on a dataset.
type Trainer interface {
	Train(ctx context.Context, ds Dataset) (Result, error)
}

// ErrEmptyDataset is returned when a generator finds no records.
var ErrEmptyDataset = apperr.New(apperr.KindValidation, "dataset has no records")

// ErrTrainingFailed wraps trainer crashes and malformed trainer output.
var ErrTrainingFailed = apperr.New(apperr.KindInternal, "training failed")

// #endregion interfaces
