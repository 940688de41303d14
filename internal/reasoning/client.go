package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/binary-insights/prompt2mesh/internal/job"
)

// systemPrompt steers the model toward emitting a runnable engine script.
// The orchestrator transports the script verbatim; nothing here interprets it.
const systemPrompt = `You are a 3D modeling assistant. Given a natural-language
description of an object or scene, respond with a single Python script for the
Blender scripting API that builds it. Respond with the script only, no
commentary and no markdown fences.`

// Config holds client tunables. Backoff parameters are configuration, not
// constants; see configs/worker-service/config.yaml.
type Config struct {
	Model       string
	MaxTokens   int
	CallTimeout time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Result is a successful reasoning outcome.
type Result struct {
	Script     string
	Model      string
	TokensUsed int
	Attempts   int
}

// RateLimitError reports rate-limit retry exhaustion along with how many
// attempts were spent.
type RateLimitError struct {
	Attempts int
	Last     error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RateLimitError) Unwrap() error {
	return job.ErrRateLimited
}

// completions is the slice of the OpenAI client the reasoning client uses,
// extracted so tests can substitute a scripted fake.
type completions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client calls the LLM API with bounded exponential backoff on throttling.
// It is idempotent from the caller's perspective: a failed call leaves no
// state behind.
type Client struct {
	chat   completions
	config Config
	logger *slog.Logger
}

// NewClient creates a Client using the given API key.
func NewClient(apiKey string, config Config, logger *slog.Logger) *Client {
	api := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{
		chat:   &api.Chat.Completions,
		config: config,
		logger: logger,
	}
}

// Reason generates an engine script for the prompt.
//
// Throttling responses are retried here with exponential backoff and jitter
// up to MaxAttempts; exhaustion surfaces as a RateLimitError wrapping
// job.ErrRateLimited. A deadline expiry surfaces as job.ErrTimeout and any
// other API failure as job.ErrUpstream, both immediately; the per-step retry
// policy for those belongs to the orchestrator.
func (c *Client) Reason(ctx context.Context, prompt string) (*Result, error) {
	var lastErr error

	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoffDelay(attempt)
			c.logger.Warn("Reasoning API rate limited, backing off",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", c.config.MaxAttempts),
				slog.Duration("delay", delay),
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.callOnce(ctx, prompt)
		if err == nil {
			result.Attempts = attempt
			return result, nil
		}

		if isRateLimited(err) {
			lastErr = err
			continue
		}

		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: reasoning call exceeded %s", job.ErrTimeout, c.config.CallTimeout)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("%w: %v", job.ErrUpstream, err)
	}

	return nil, &RateLimitError{Attempts: c.config.MaxAttempts, Last: lastErr}
}

func (c *Client) callOnce(ctx context.Context, prompt string) (*Result, error) {
	callCtx := ctx
	if c.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.config.CallTimeout)
		defer cancel()
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.config.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
	}

	if c.config.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.config.MaxTokens))
	}

	completion, err := c.chat.New(callCtx, params)
	if err != nil {
		return nil, err
	}

	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%w: no completion choices returned", job.ErrUpstream)
	}

	return &Result{
		Script:     completion.Choices[0].Message.Content,
		Model:      string(completion.Model),
		TokensUsed: int(completion.Usage.TotalTokens),
	}, nil
}

// backoffDelay doubles the base delay per attempt up to the cap, with jitter
// in the upper half to spread reconnecting callers.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.config.BackoffBase << uint(attempt-1)
	if delay > c.config.BackoffCap || delay <= 0 {
		delay = c.config.BackoffCap
	}

	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func isRateLimited(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
