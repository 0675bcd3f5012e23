package training

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Completer is the chat completion call the LLM generator needs.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// #region llm-generator

const generatorSystemPrompt = `You write training examples for a neutral civic information assistant.
Answer with JSON lines only. Each line is an object {"prompt": "...", "response": "..."}.
Responses must be factual, balanced across viewpoints and free of insults.`

// LLMGenerator asks a model for synthetic question/answer pairs on a list of
// civic topics and writes them as JSONL under OutDir.
type LLMGenerator struct {
	client    Completer
	Topics    []string
	PerTopic  int
	OutDir    string
	now       func() time.Time
}

// NewLLMGenerator creates an LLMGenerator.
func NewLLMGenerator(client Completer, topics []string, perTopic int, outDir string) *LLMGenerator {
	if perTopic <= 0 {
		perTopic = 5
	}
	return &LLMGenerator{client: client, Topics: topics, PerTopic: perTopic, OutDir: outDir, now: time.Now}
}

// Generate requests examples topic by topic. A topic whose reply contains no
// usable lines is skipped; a transport error aborts the run.
func (g *LLMGenerator) Generate(ctx context.Context) (Dataset, error) {
	var records []Record
	for _, topic := range g.Topics {
		prompt := fmt.Sprintf("Write %d examples about: %s", g.PerTopic, topic)
		out, err := g.client.Complete(ctx, generatorSystemPrompt, prompt)
		if err != nil {
			return Dataset{}, fmt.Errorf("generate topic %q: %w", topic, err)
		}
		records = append(records, parseRecords(out)...)
	}
	if len(records) == 0 {
		return Dataset{}, fmt.Errorf("llm generator: %w", ErrEmptyDataset)
	}

	ds := buildDataset("llm", records, g.now())
	if g.OutDir != "" {
		ds.Path = filepath.Join(g.OutDir, ds.ID+".jsonl")
		if err := WriteJSONL(ds.Path, records); err != nil {
			return Dataset{}, err
		}
	}
	return ds, nil
}

// parseRecords accepts JSON lines, optionally wrapped in a fenced block.
func parseRecords(out string) []Record {
	var records []Record
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue
		}
		if r.Prompt == "" || r.Response == "" {
			continue
		}
		records = append(records, r)
	}
	return records
}

// #endregion llm-generator
