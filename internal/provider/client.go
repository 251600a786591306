// Package provider implements the resilient LLM call layer: provider clients,
// response caching, retry with backoff, per-provider circuit breakers, and
// primary-to-fallback failover.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Invoker is the model invocation boundary. Concrete providers are pluggable
// behind this interface.
type Invoker interface {
	// Invoke issues a single completion request and returns the text and
	// normalized token usage.
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error)

	// Name returns the provider identifier (e.g. "anthropic").
	Name() string
}

// InvokeRequest carries one completion request to a concrete provider.
type InvokeRequest struct {
	Model       string
	System      string
	UserMessage string
	Prefill     string // assistant prefill to bias the response
	Temperature float64
	MaxTokens   int
}

// InvokeResponse is a provider-normalized completion.
type InvokeResponse struct {
	Text  string
	Model string
	Usage TokenUsage
}

// TokenUsage normalizes token accounting across providers.
type TokenUsage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens"`
}

// Add accumulates usage from another call (e.g. a repair retry).
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

// Total returns the combined token count.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// APIError is a classified provider error. StatusCode drives retry decisions.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	RetryAfter time.Duration // provider-supplied hint; zero when absent
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether the error is transient: server errors and
// explicit rate-limit signals. Other 4xx errors propagate immediately.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// ErrProvidersUnavailable is the user-facing error when every configured
// provider is unreachable (breakers open or retries exhausted).
var ErrProvidersUnavailable = errors.New("model providers temporarily unavailable, please retry shortly")

// IsRetryable reports whether err warrants a retry attempt.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	// Network-level failures (timeouts, resets) are treated as transient.
	return err != nil && !errors.Is(err, context.Canceled)
}

// RetryAfterHint extracts a provider retry-after hint, if any.
func RetryAfterHint(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
