package debate

import (
	"context"
	"fmt"
	"strings"
)

// Completer is the chat completion call an LLM debater needs. llm.Client
// satisfies it.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// #region llm-debater

const debaterSystemPrompt = `You take part in a moderated civic debate. Argue for the position you are given
using verifiable facts and civil language. Address the strongest point made so far by the other side.
Answer in one paragraph of at most 120 words.`

// LLMDebater argues a fixed position through an OpenAI-compatible model.
type LLMDebater struct {
	id       string
	position string
	client   Completer
}

// NewLLMDebater creates a debater that always argues position.
func NewLLMDebater(id, position string, client Completer) *LLMDebater {
	return &LLMDebater{id: id, position: position, client: client}
}

func (d *LLMDebater) ID() string       { return d.id }
func (d *LLMDebater) Position() string { return d.position }

// Argue implements Debater.
func (d *LLMDebater) Argue(ctx context.Context, p Prompt) (string, error) {
	return d.client.Complete(ctx, debaterSystemPrompt, renderPrompt(p))
}

func renderPrompt(p Prompt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", p.Question)
	fmt.Fprintf(&b, "Options: %s\n", strings.Join(p.Options, ", "))
	fmt.Fprintf(&b, "Your position: %s\n", p.Position)
	if len(p.Transcript) > 0 {
		b.WriteString("\nTranscript so far:\n")
		for _, a := range p.Transcript {
			if a.Failed {
				continue
			}
			fmt.Fprintf(&b, "[%s, %s] %s\n", a.DebaterID, a.Position, a.Text)
		}
	}
	return b.String()
}

// #endregion llm-debater

// #region template-debater

// TemplateDebater produces a fixed-form argument. Used when no model endpoint
// is configured.
type TemplateDebater struct {
	id       string
	position string
}

// NewTemplateDebater creates a TemplateDebater.
func NewTemplateDebater(id, position string) *TemplateDebater {
	return &TemplateDebater{id: id, position: position}
}

func (d *TemplateDebater) ID() string       { return d.id }
func (d *TemplateDebater) Position() string { return d.position }

// Argue implements Debater.
func (d *TemplateDebater) Argue(ctx context.Context, p Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	round := 1
	for _, a := range p.Transcript {
		if a.DebaterID == d.id {
			round++
		}
	}
	return fmt.Sprintf("Round %d: on %q, the case for %s rests on its effect on residents and its cost to the public.",
		round, p.Question, p.Position), nil
}

// #endregion template-debater
