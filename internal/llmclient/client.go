// Package llmclient implements the upstream model client (C1): a single
// authenticated LLM call with retries, backoff, auth-cooldown, a
// concurrency cap, and a per-call timeout. Grounded on ai.OpenAIClient
// (core.AIClient implementation) but generalized from a
// single-provider SDK call into a provider-agnostic chat-completions HTTP
// call, since the engine targets one OpenRouter-shaped endpoint rather
// than a pluggable provider abstraction.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/councilkit/engine/internal/corekit"
	"github.com/councilkit/engine/internal/resiliencekit"
)

// Message is one chat-completions turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CallOptions carries the per-call knobs a single Call invocation needs.
type CallOptions struct {
	CallID      string
	Attempt     int
	Temperature *float64
	MaxTokens   *int
	Timeout     time.Duration
}

// Usage mirrors the provider's usage block; all fields are optional
// because a failed or degraded attempt may have no usage at all.
type Usage struct {
	PromptTokens     *int            `json:"prompt_tokens,omitempty"`
	CompletionTokens *int            `json:"completion_tokens,omitempty"`
	TotalTokens      *int            `json:"total_tokens,omitempty"`
	Raw              json.RawMessage `json:"-"`
}

// Result is what call() always returns; it never panics or propagates a
// transport error to the caller — failures surface as ok=false.
type Result struct {
	OK              bool
	Content         string
	ReasoningDetail json.RawMessage
	Usage           *Usage
	StatusCode      int
	ErrorText       string
	LatencyMS       int64
	CallID          string
	Attempt         int
}

// Client is the upstream model client. One Client instance is shared
// across every caller in the process so the semaphore and cooldown are
// process-wide: all attempts share this gate.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     corekit.Logger

	sem      *resiliencekit.Semaphore
	cooldown resiliencekit.AtomicDeadline

	maxRetries        int
	retryBaseSeconds  float64
	authCooldownSecs  int

	fallbackOnce sync.Once
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithHTTPClient injects a shared *http.Client (e.g. one with custom
// transport/proxy settings). If never called, Client lazily builds a
// fallback client on first use and logs once when it does.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger attaches a structured logger.
func WithLogger(l corekit.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New builds a Client against baseURL (an OpenRouter-shaped
// chat-completions endpoint) using the concurrency, retry, and cooldown
// settings from cfg.
func New(baseURL, apiKey string, cfg *corekit.Config, opts ...Option) *Client {
	c := &Client{
		baseURL:          baseURL,
		apiKey:           apiKey,
		logger:           corekit.NoOpLogger{},
		sem:              resiliencekit.NewSemaphore(cfg.OpenRouterMaxConcurrency),
		maxRetries:       cfg.OpenRouterMaxRetries,
		retryBaseSeconds: cfg.OpenRouterRetryBaseSeconds,
		authCooldownSecs: cfg.OpenRouterAuthCooldownSecs,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) httpClientOrFallback() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	c.fallbackOnce.Do(func() {
		c.logger.Warn("no http client injected, creating fallback", nil)
		c.httpClient = &http.Client{Timeout: 120 * time.Second}
	})
	return c.httpClient
}

// Call issues a single logical call (possibly several HTTP attempts
// internally) for model against messages. It always returns; errors
// surface via Result.OK == false.
func (c *Client) Call(ctx context.Context, model string, messages []Message, opts CallOptions) Result {
	start := time.Now()

	ctx, span := corekit.StartSpan(ctx, "llmclient.Call",
		attribute.String("model", model),
		attribute.String("call_id", opts.CallID),
		attribute.Int("attempt", opts.Attempt),
	)
	defer span.End()

	if c.cooldown.Active() {
		corekit.AddSpanEvent(ctx, "auth_cooldown_active")
		return Result{
			OK:         false,
			StatusCode: http.StatusUnauthorized,
			ErrorText:  "auth cooldown active",
			LatencyMS:  time.Since(start).Milliseconds(),
			CallID:     opts.CallID,
			Attempt:    opts.Attempt,
		}
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if err := c.sem.Acquire(ctx); err != nil {
		return Result{
			OK:        false,
			ErrorText: err.Error(),
			LatencyMS: time.Since(start).Milliseconds(),
			CallID:    opts.CallID,
			Attempt:   opts.Attempt,
		}
	}
	defer c.sem.Release()

	var result internalResult
	retryErr := resiliencekit.Retry(ctx, resiliencekit.BackoffConfig{
		MaxAttempts: c.maxRetries + 1,
		BaseSeconds: c.retryBaseSeconds,
		Retryable:   func(err error) bool { return err == errRetryableHTTP },
	}, func(httpAttempt int) error {
		corekit.AddSpanEvent(ctx, "http_attempt", attribute.Int("http_attempt", httpAttempt))
		r, err := c.doOnce(ctx, model, messages, opts)
		result = r
		if err != nil {
			return err
		}
		if r.terminalAuthFailure {
			c.cooldown.SetAfter(time.Duration(c.authCooldownSecs) * time.Second)
			corekit.AddSpanEvent(ctx, "terminal_auth_failure")
			return nil // not retryable, not an error either
		}
		if r.retryable {
			return errRetryableHTTP
		}
		return nil
	})

	result.LatencyMS = time.Since(start).Milliseconds()
	result.CallID = opts.CallID
	result.Attempt = opts.Attempt
	if retryErr != nil && result.ErrorText == "" {
		result.ErrorText = retryErr.Error()
	}
	if !result.OK && result.ErrorText != "" {
		corekit.RecordSpanError(ctx, fmt.Errorf("%s", result.ErrorText))
	}
	span.SetAttributes(attribute.Bool("ok", result.OK), attribute.Int("status_code", result.StatusCode))
	return result.Result
}

// internalResult wraps Result with bookkeeping the retry loop needs but
// that callers never see.
type internalResult struct {
	Result
	retryable            bool
	terminalAuthFailure  bool
}

var errRetryableHTTP = fmt.Errorf("retryable upstream response")

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content          string          `json:"content"`
			ReasoningDetails json.RawMessage `json:"reasoning_details,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     *int `json:"prompt_tokens"`
		CompletionTokens *int `json:"completion_tokens"`
		TotalTokens      *int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *Client) doOnce(ctx context.Context, model string, messages []Message, opts CallOptions) (internalResult, error) {
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return internalResult{Result: Result{OK: false, ErrorText: err.Error()}}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return internalResult{Result: Result{OK: false, ErrorText: err.Error()}}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClientOrFallback().Do(req)
	if err != nil {
		// Transport exception: retryable
		return internalResult{Result: Result{OK: false, ErrorText: err.Error()}, retryable: true}, errRetryableHTTP
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return internalResult{Result: Result{OK: false, ErrorText: err.Error()}, retryable: true}, errRetryableHTTP
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return internalResult{
			Result:              Result{OK: false, StatusCode: resp.StatusCode, ErrorText: string(raw)},
			terminalAuthFailure: true,
		}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return internalResult{
			Result:    Result{OK: false, StatusCode: resp.StatusCode, ErrorText: string(raw)},
			retryable: true,
		}, errRetryableHTTP
	case resp.StatusCode >= 400:
		return internalResult{
			Result: Result{OK: false, StatusCode: resp.StatusCode, ErrorText: string(raw)},
		}, nil
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return internalResult{Result: Result{OK: false, StatusCode: resp.StatusCode, ErrorText: "malformed response: " + err.Error()}}, nil
	}
	if len(parsed.Choices) == 0 {
		return internalResult{Result: Result{OK: false, StatusCode: resp.StatusCode, ErrorText: "no choices in response"}}, nil
	}

	var usage *Usage
	if parsed.Usage != nil {
		usage = &Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}

	return internalResult{
		Result: Result{
			OK:              true,
			Content:         parsed.Choices[0].Message.Content,
			ReasoningDetail: parsed.Choices[0].Message.ReasoningDetails,
			Usage:           usage,
			StatusCode:      resp.StatusCode,
		},
	}, nil
}
