// Package summarize asks an OpenAI-compatible chat completion API to
// summarise log text.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultModel   = openai.GPT3Dot5Turbo
	DefaultTimeout = 60 * time.Second

	systemMessage = "You are a helpful assistant."
)

// Error is a failed summarization. Status is the HTTP status when the
// backend answered, zero otherwise.
type Error struct {
	Model  string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("summarize with %s failed (HTTP %d): %v", e.Model, e.Status, e.Err)
	}
	return fmt.Sprintf("summarize with %s failed: %v", e.Model, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config holds backend settings.
type Config struct {
	APIKey string
	// BaseURL overrides the API root, e.g. a local OpenAI-compatible server.
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client summarises text with a chat completion.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates a summarization client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("an API key is required for the default endpoint")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}

	return &Client{
		api:     openai.NewClientWithConfig(oc),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "summarizer").Logger(),
	}, nil
}

// Summarize sends prompt followed by text and returns the first choice.
func (c *Client) Summarize(ctx context.Context, prompt, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemMessage},
			{Role: openai.ChatMessageRoleUser, Content: prompt + "\n" + text},
		},
	})
	if err != nil {
		return "", c.wrap(err)
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Model: c.model, Err: errors.New("response has no choices")}
	}

	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	c.logger.Debug().
		Str("model", resp.Model).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Dur("took", time.Since(start)).
		Msg("Summary generated")
	return summary, nil
}

func (c *Client) wrap(err error) error {
	e := &Error{Model: c.model, Err: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		e.Status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		e.Status = reqErr.HTTPStatusCode
	}
	return e
}
