package analysis

import (
	"context"
	"strings"
)

// #region config

// HeuristicConfig holds the lexicons used by HeuristicAnalyzer.
type HeuristicConfig struct {
	BiasTerms  []string
	ToxicTerms []string
	// GroupTerms lists identity groups; fairness drops as mentions concentrate
	// on a subset of them.
	GroupTerms []string
	// Scale multiplies raw term frequencies before clamping.
	Scale float64
}

// DefaultHeuristicConfig returns a small English lexicon.
func DefaultHeuristicConfig() HeuristicConfig {
	return HeuristicConfig{
		BiasTerms: []string{
			"always", "never", "obviously", "everyone knows", "those people",
			"typical", "naturally", "all of them",
		},
		ToxicTerms: []string{
			"idiot", "stupid", "hate", "moron", "disgusting", "shut up", "worthless",
		},
		GroupTerms: []string{
			"men", "women", "young", "old", "rich", "poor", "urban", "rural",
		},
		Scale: 10,
	}
}

// #endregion config

// #region heuristic-analyzer

// HeuristicAnalyzer is a keyword scorer used when the external analyzer is
// not configured or unreachable.
type HeuristicAnalyzer struct {
	config HeuristicConfig
}

// NewHeuristicAnalyzer creates a HeuristicAnalyzer.
func NewHeuristicAnalyzer(config HeuristicConfig) *HeuristicAnalyzer {
	return &HeuristicAnalyzer{config: config}
}

// Analyze never fails.
func (h *HeuristicAnalyzer) Analyze(_ context.Context, text string) (Metrics, error) {
	lower := strings.ToLower(text)
	tokens := tokenize(lower)
	if len(tokens) == 0 {
		return Metrics{Bias: 0, Toxicity: 0, Fairness: 1}, nil
	}
	n := float64(len(tokens))
	return Metrics{
		Bias:     clamp(float64(countTerms(lower, tokens, h.config.BiasTerms)) / n * h.config.Scale),
		Toxicity: clamp(float64(countTerms(lower, tokens, h.config.ToxicTerms)) / n * h.config.Scale),
		Fairness: h.fairness(tokens),
	}, nil
}

// fairness is 1 minus the normalized spread of group mentions. Text that
// mentions no groups, or mentions each equally, scores 1.
func (h *HeuristicAnalyzer) fairness(tokens []string) float64 {
	counts := make(map[string]int, len(h.config.GroupTerms))
	for _, g := range h.config.GroupTerms {
		counts[g] = 0
	}
	total := 0
	for _, t := range tokens {
		if _, ok := counts[t]; ok {
			counts[t]++
			total++
		}
	}
	if total == 0 {
		return 1
	}
	var maxC, minC = 0, total
	for _, c := range counts {
		if c > maxC {
			maxC = c
		}
		if c < minC {
			minC = c
		}
	}
	return clamp(1 - float64(maxC-minC)/float64(total))
}

// #endregion heuristic-analyzer

// #region fallback

// Fallback tries Primary and uses Secondary when Primary is unavailable.
type Fallback struct {
	Primary   Analyzer
	Secondary Analyzer
}

// Analyze implements Analyzer.
func (f Fallback) Analyze(ctx context.Context, text string) (Metrics, error) {
	m, err := f.Primary.Analyze(ctx, text)
	if err == nil || f.Secondary == nil {
		return m, err
	}
	return f.Secondary.Analyze(ctx, text)
}

// #endregion fallback

// #region helpers

func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	})
}

// countTerms counts single-word terms by token and multi-word terms by substring.
func countTerms(lower string, tokens []string, terms []string) int {
	n := 0
	for _, term := range terms {
		if strings.Contains(term, " ") {
			n += strings.Count(lower, term)
			continue
		}
		for _, t := range tokens {
			if t == term {
				n++
			}
		}
	}
	return n
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers
