// Package llm wraps an OpenAI-compatible chat completion endpoint. Mistral,
// LLaMA servers and OpenAI itself are all reached through the same client by
// changing BaseURL and Model.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ErrEmptyCompletion is returned when the endpoint answers with no choices.
var ErrEmptyCompletion = errors.New("completion returned no choices")

// #region config

// Config identifies one endpoint and model.
type Config struct {
	Name        string  `yaml:"name"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model" validate:"required"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// #endregion config

// #region client

// Client sends single-turn chat completions.
type Client struct {
	client *openai.Client
	config Config
}

// NewClient builds a client. An empty BaseURL targets api.openai.com.
func NewClient(config Config) *Client {
	oc := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}
	return &Client{client: openai.NewClientWithConfig(oc), config: config}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.config.Model }

// Complete sends a system and user message and returns the first choice.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: c.config.Temperature,
	}
	if c.config.MaxTokens > 0 {
		req.MaxTokens = c.config.MaxTokens
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion %s: %w", c.config.Model, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

// #endregion client
