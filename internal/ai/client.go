// Package ai provides the Anthropic-backed collaborator
// implementations: the LLM reviewer consumed by the review engine and
// the fix generator consumed by the auto-fix loop. All calls go
// through one client with rate limiting, bounded retry, and a circuit
// breaker.
package ai

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Model constants. Review verdicts need deep reasoning; fix patches
// are mechanical enough for the cheaper tier.
//
// Environment variable overrides:
// - HIVE_MODEL_REVIEW: model for review verdicts (default: Sonnet)
// - HIVE_MODEL_FIX: model for fix generation (default: Haiku)
const (
	// ModelSonnet is the high-end model for complex reasoning tasks
	ModelSonnet = "claude-sonnet-4-5-20250929"

	// ModelHaiku is the cost-efficient model for simple tasks
	ModelHaiku = "claude-3-5-haiku-20241022"
)

// ReviewModel returns the review model, checking HIVE_MODEL_REVIEW first.
func ReviewModel() string {
	if model := os.Getenv("HIVE_MODEL_REVIEW"); model != "" {
		return model
	}
	return ModelSonnet
}

// FixModel returns the fix-generation model, checking HIVE_MODEL_FIX first.
func FixModel() string {
	if model := os.Getenv("HIVE_MODEL_FIX"); model != "" {
		return model
	}
	return ModelHaiku
}

// Completer is the single capability the collaborators need from the
// client: one prompt in, one text completion out.
type Completer interface {
	Complete(ctx context.Context, operation, model, prompt string, maxTokens int64) (string, error)
}

// Config holds client configuration
type Config struct {
	// APIKey is the Anthropic API key; empty reads ANTHROPIC_API_KEY
	APIKey string

	// Retry configures backoff and the circuit breaker
	Retry RetryConfig

	// RequestsPerMinute rate-limits outbound calls (0 = default)
	RequestsPerMinute float64
}

// Client is the shared Anthropic API client.
type Client struct {
	client         *anthropic.Client
	retry          RetryConfig
	breaker        *Breaker
	concurrencySem *semaphore.Weighted
	limiter        *rate.Limiter
}

// NewClient creates the shared API client.
func NewClient(cfg Config) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}

	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	var breaker *Breaker
	if retry.BreakerEnabled {
		breaker = NewBreaker(retry.FailureThreshold, retry.SuccessThreshold, retry.OpenTimeout)
	}

	var concurrencySem *semaphore.Weighted
	if retry.MaxConcurrentCalls > 0 {
		concurrencySem = semaphore.NewWeighted(int64(retry.MaxConcurrentCalls))
	}

	return &Client{
		client:         &client,
		retry:          retry,
		breaker:        breaker,
		concurrencySem: concurrencySem,
		limiter:        rate.NewLimiter(rate.Limit(rpm/60.0), 5),
	}, nil
}

// HealthCheck reports whether the client can currently serve calls.
func (c *Client) HealthCheck(_ context.Context) error {
	if c.breaker != nil {
		if state, failures, _ := c.breaker.Metrics(); state == BreakerOpen {
			return fmt.Errorf("collaborator unavailable: %w (failures=%d, retry in %v)",
				ErrBreakerOpen, failures, c.retry.OpenTimeout)
		}
	}
	return nil
}

// Complete sends one prompt and returns the text of the response.
func (c *Client) Complete(ctx context.Context, operation, model, prompt string, maxTokens int64) (string, error) {
	var text string

	err := c.do(ctx, operation, func(attemptCtx context.Context) error {
		if err := c.limiter.Wait(attemptCtx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		resp, apiErr := c.client.Messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return fmt.Errorf("API call failed: %w", apiErr)
		}

		text = extractText(resp)
		if text == "" {
			return fmt.Errorf("empty response from model")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

func extractText(resp *anthropic.Message) string {
	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text
		}
	}
	return ""
}
