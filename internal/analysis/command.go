package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// #region command-analyzer

// CommandAnalyzer runs an external scoring program. The dataset text is
// written to its stdin and a single JSON object {"bias","toxicity","fairness"}
// is expected on stdout.
type CommandAnalyzer struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// NewCommandAnalyzer creates a CommandAnalyzer with a 2 minute timeout.
func NewCommandAnalyzer(command string, args ...string) *CommandAnalyzer {
	return &CommandAnalyzer{Command: command, Args: args, Timeout: 2 * time.Minute}
}

// Analyze runs the command once.
func (a *CommandAnalyzer) Analyze(ctx context.Context, text string) (Metrics, error) {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, a.Command, a.Args...)
	cmd.Stdin = strings.NewReader(text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return Metrics{}, fmt.Errorf("%w: %s: %v: %s", ErrAnalysisUnavailable, a.Command, err, msg)
		}
		return Metrics{}, fmt.Errorf("%w: %s: %v", ErrAnalysisUnavailable, a.Command, err)
	}

	var m Metrics
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &m); err != nil {
		return Metrics{}, fmt.Errorf("%w: decode output: %v", ErrAnalysisUnavailable, err)
	}
	if err := validate(m); err != nil {
		return Metrics{}, fmt.Errorf("%w: %v", ErrAnalysisUnavailable, err)
	}
	return m, nil
}

// #endregion command-analyzer

// #region validate

func validate(m Metrics) error {
	for name, v := range map[string]float64{"bias": m.Bias, "toxicity": m.Toxicity, "fairness": m.Fairness} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s out of range: %f", name, v)
		}
	}
	return nil
}

// #endregion validate
