// Package ai connects the reflection loop and the exploration queue to an
// Anthropic model. The Refiner turns an objective plus validation feedback
// into file changes; the Generator turns an area of the codebase into an
// exploration hypothesis. Both go through Client, which owns retries,
// backoff, the model-call circuit breaker and a concurrency limit.
package ai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"
)

// DefaultModel is used when the configuration names none.
const DefaultModel = "claude-sonnet-4-5-20250929"

// Completion is the text of one model response plus its token usage.
type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// MessageFunc sends a single-turn prompt to a model.
type MessageFunc func(ctx context.Context, model string, maxTokens int64, prompt string) (*Completion, error)

// Config holds client configuration
type Config struct {
	APIKey    string // Anthropic API key (if empty, reads from ANTHROPIC_API_KEY env var)
	Model     string
	MaxTokens int64
	Retry     RetryConfig // uses defaults if MaxRetries is zero

	// Messages replaces the Anthropic transport (tests, alternative backends)
	Messages MessageFunc
}

// Client makes model calls with retry, backoff and a circuit breaker.
type Client struct {
	messages  MessageFunc
	model     string
	maxTokens int64
	retry     RetryConfig
	breaker   *CircuitBreaker
	sem       *semaphore.Weighted
}

// NewClient creates a model client.
func NewClient(cfg Config) (*Client, error) {
	messages := cfg.Messages
	if messages == nil {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
			if apiKey == "" {
				return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
			}
		}
		client := anthropic.NewClient(option.WithAPIKey(apiKey))
		messages = anthropicMessages(&client)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}
	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}

	c := &Client{
		messages:  messages,
		model:     model,
		maxTokens: maxTokens,
		retry:     retry,
	}
	if retry.CircuitBreakerEnabled {
		c.breaker = NewCircuitBreaker(retry.FailureThreshold, retry.SuccessThreshold, retry.OpenTimeout)
	}
	if retry.MaxConcurrentCalls > 0 {
		c.sem = semaphore.NewWeighted(int64(retry.MaxConcurrentCalls))
	}
	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// HealthCheck returns an error while the model circuit is open.
func (c *Client) HealthCheck() error {
	if c.breaker == nil {
		return nil
	}
	state, failures, _ := c.breaker.GetMetrics()
	if state == CircuitOpen {
		return fmt.Errorf("model unavailable: %w (failures=%d, retry in %v)", ErrCircuitOpen, failures, c.retry.OpenTimeout)
	}
	return nil
}

// Complete sends prompt and returns the response text.
func (c *Client) Complete(ctx context.Context, operation, prompt string) (string, error) {
	start := time.Now()
	var resp *Completion
	err := c.retryWithBackoff(ctx, operation, func(attemptCtx context.Context) error {
		r, err := c.messages(attemptCtx, c.model, c.maxTokens, prompt)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("model call failed: %w", err)
	}

	slog.Debug("model call",
		"operation", operation,
		"model", c.model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"duration", time.Since(start))
	return resp.Text, nil
}

func anthropicMessages(client *anthropic.Client) MessageFunc {
	return func(ctx context.Context, model string, maxTokens int64, prompt string) (*Completion, error) {
		resp, err := client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return nil, err
		}
		var text strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		return &Completion{
			Text:         text.String(),
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}, nil
	}
}
