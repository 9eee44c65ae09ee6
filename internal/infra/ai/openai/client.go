// Package openai implements the inference port against the OpenAI chat
// completions API with bounded retry.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	domain "github.com/thestingr/ghidrad/internal/domain/analysis"
)

const jitterFactor = 0.25

type Options struct {
	APIKey     string
	BaseURL    string // override for tests / proxies
	Model      string
	MaxRetries int           // total attempts
	BaseDelay  time.Duration // first backoff step
	Logger     *slog.Logger
}

type Client struct {
	api        *openai.Client
	model      string
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger

	randMu sync.Mutex
	rand   *rand.Rand

	// sleep is swapped out by tests to observe backoff without waiting
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(opts Options) *Client {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	model := opts.Model
	if model == "" {
		model = "gpt-4o"
	}
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	delay := opts.BaseDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:        openai.NewClientWithConfig(cfg),
		model:      model,
		maxRetries: retries,
		baseDelay:  delay,
		logger:     logger,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:      sleepCtx,
	}
}

// Infer performs the chat completion with bounded retries. Only failures
// classified retryable (429, 502, 503, 504, transient network errors) are
// retried, with exponential backoff plus jitter. Non-retryable failures map
// to ErrInferenceRejected immediately; exhausted retries or a ctx deadline
// map to ErrInferenceUnavailable.
func (c *Client) Infer(ctx context.Context, p domain.Prompt) (domain.InferenceResult, error) {
	res := domain.InferenceResult{RequestID: p.RequestID}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0.1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: p.System},
			{Role: openai.ChatMessageRoleUser, Content: p.User},
		},
	}
	// Reasoning models (o1/o3/o4/gpt-5*) take MaxCompletionTokens instead of MaxTokens
	if isReasoningModel(c.model) {
		req.MaxCompletionTokens = p.MaxTokens
	} else {
		req.MaxTokens = p.MaxTokens
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return res, fmt.Errorf("%w: %v", domain.ErrInferenceUnavailable, lastErr)
			}
		}
		res.Attempts = attempt + 1

		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				lastErr = errors.New("empty completion response")
				continue
			}
			res.Text = resp.Choices[0].Message.Content
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return res, fmt.Errorf("%w: %v", domain.ErrInferenceUnavailable, err)
		}
		if !retryable(err) {
			return res, fmt.Errorf("%w: %v", domain.ErrInferenceRejected, err)
		}
		c.logger.Warn("inference attempt failed, retrying",
			"request", p.RequestID, "attempt", attempt+1, "error", err)
	}
	return res, fmt.Errorf("%w after %d attempts: %v",
		domain.ErrInferenceUnavailable, c.maxRetries, lastErr)
}

// backoff returns baseDelay * 2^(attempt-1) with ±25% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.baseDelay << (attempt - 1)
	c.randMu.Lock()
	jitter := time.Duration((c.rand.Float64()*2 - 1) * jitterFactor * float64(d))
	c.randMu.Unlock()
	return d + jitter
}

func isReasoningModel(model string) bool {
	return strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") ||
		strings.HasPrefix(model, "o4") || strings.HasPrefix(model, "gpt-5")
}

// retryable classifies an API failure. Rate limits and upstream gateway
// errors are transient; auth, validation, and content-policy failures are
// not.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode != 0 {
			return retryableStatus(reqErr.HTTPStatusCode)
		}
		return true // connection-level failure
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof")
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
