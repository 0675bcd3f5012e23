package training

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// #region command-trainer

// CommandTrainer runs an external training program with the dataset path as
// its last argument and expects a JSON Result on stdout.
type CommandTrainer struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// NewCommandTrainer creates a CommandTrainer with a one hour timeout.
func NewCommandTrainer(command string, args ...string) *CommandTrainer {
	return &CommandTrainer{Command: command, Args: args, Timeout: time.Hour}
}

// Train runs the command once.
func (t *CommandTrainer) Train(ctx context.Context, ds Dataset) (Result, error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	args := append(append([]string{}, t.Args...), ds.Path)
	cmd := exec.CommandContext(ctx, t.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v: %s", ErrTrainingFailed, t.Command, err, strings.TrimSpace(stderr.String()))
	}
	var res Result
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &res); err != nil {
		return Result{}, fmt.Errorf("%w: decode output: %v", ErrTrainingFailed, err)
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res, nil
}

// #endregion command-trainer

// #region simulated-trainer

// SimulatedTrainer derives repeatable metrics from the dataset checksum. It
// lets the pipeline run end to end without a GPU.
type SimulatedTrainer struct {
	BaselineAccuracy float64
	Epochs           int
}

// NewSimulatedTrainer creates a SimulatedTrainer with baseline 0.80.
func NewSimulatedTrainer() *SimulatedTrainer {
	return &SimulatedTrainer{BaselineAccuracy: 0.80, Epochs: 3}
}

// Train returns accuracy in [baseline, baseline+0.1) and loss in [0.2, 0.4).
func (t *SimulatedTrainer) Train(ctx context.Context, ds Dataset) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if ds.Records == 0 {
		return Result{}, fmt.Errorf("%w: %v", ErrTrainingFailed, ErrEmptyDataset)
	}
	seed := checksumFraction(ds.Checksum)
	return Result{
		ModelVersion:     "sim-" + shortID(ds.ID),
		Accuracy:         t.BaselineAccuracy + 0.1*seed,
		Loss:             0.2 + 0.2*(1-seed),
		BaselineAccuracy: t.BaselineAccuracy,
		Epochs:           t.Epochs,
	}, nil
}

func checksumFraction(sum string) float64 {
	b, err := hex.DecodeString(sum)
	if err != nil || len(b) < 2 {
		return 0.5
	}
	return float64(uint16(b[0])<<8|uint16(b[1])) / 65536.0
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion simulated-trainer
