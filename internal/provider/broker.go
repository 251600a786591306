package provider

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"conclave/internal/logging"
)

// ModelTier selects between the cheap exploratory model and the strong model.
type ModelTier string

const (
	TierLight  ModelTier = "light"
	TierStrong ModelTier = "strong"
)

// TierModels maps tiers to concrete model names for one provider.
type TierModels struct {
	Light  string
	Strong string
}

// Model resolves a tier to a model name.
func (t TierModels) Model(tier ModelTier) string {
	if tier == TierStrong {
		return t.Strong
	}
	return t.Light
}

// CallRequest is one resilient call through the broker.
type CallRequest struct {
	System        string
	UserMessage   string
	Prefill       string
	Tier          ModelTier
	Temperature   float64
	MaxTokens     int
	CacheEligible bool
}

// Outcome describes how a call was satisfied. Call sites branch on data,
// not on error types.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeCacheHit Outcome = "cache_hit"
	OutcomeFallback Outcome = "fallback"
)

// CallResult is the broker's answer: response text plus telemetry.
type CallResult struct {
	Text     string
	Model    string
	Provider string
	Usage    TokenUsage
	CostUSD  float64
	Outcome  Outcome
	Latency  time.Duration
}

// FallbackEvent records one provider failover.
type FallbackEvent struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Fallback reasons.
const (
	FallbackReasonBreakerOpen      = "circuit_breaker_open"
	FallbackReasonRetriesExhausted = "retries_exhausted"
)

// BrokerConfig configures the resilient call layer.
type BrokerConfig struct {
	Primary        Invoker
	Fallback       Invoker // nil disables failover
	EnableFallback bool

	// Per-provider model tier mapping.
	Tiers map[string]TierModels

	MaxRetries       int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
	CacheTTL         time.Duration
	CacheMaxEntries  int
}

// Broker wraps every outbound model invocation with caching, retry with
// backoff, circuit breaking, and provider failover. One broker instance is
// shared by all concurrent deliberations; the per-provider breakers are the
// only mutable state contended across calls.
type Broker struct {
	primary        Invoker
	fallback       Invoker
	enableFallback bool
	tiers          map[string]TierModels

	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	breakers *BreakerRegistry
	cache    *ResponseCache

	mu             sync.Mutex
	fallbackEvents []FallbackEvent
	rng            *rand.Rand

	sleep func(context.Context, time.Duration) error // injectable for tests
}

// NewBroker creates the resilient call layer.
func NewBroker(cfg BrokerConfig) *Broker {
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseBackoff := cfg.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	return &Broker{
		primary:        cfg.Primary,
		fallback:       cfg.Fallback,
		enableFallback: cfg.EnableFallback && cfg.Fallback != nil,
		tiers:          cfg.Tiers,
		maxRetries:     maxRetries,
		baseBackoff:    baseBackoff,
		maxBackoff:     maxBackoff,
		breakers:       NewBreakerRegistry(cfg.FailureThreshold, cfg.ResetTimeout),
		cache:          NewResponseCache(cfg.CacheTTL, cfg.CacheMaxEntries),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:          sleepCtx,
	}
}

// Call issues one resilient invocation. Resolution order: cache, primary
// provider (unless its breaker is OPEN), then the fallback provider. When
// both breakers are OPEN the call fails fast with ErrProvidersUnavailable.
func (b *Broker) Call(ctx context.Context, req CallRequest) (*CallResult, error) {
	start := time.Now()

	primaryBreaker := b.breakers.For(b.primary.Name())

	// Cache fast path. The key is provider-specific because model names are.
	var cacheKey string
	if req.CacheEligible {
		invokeReq := b.invokeRequest(b.primary.Name(), req)
		cacheKey = b.cache.Key(b.primary.Name(), invokeReq)
		if resp, ok := b.cache.Get(cacheKey); ok {
			return &CallResult{
				Text:     resp.Text,
				Model:    resp.Model,
				Provider: b.primary.Name(),
				Usage:    resp.Usage,
				CostUSD:  0, // no network call, no spend
				Outcome:  OutcomeCacheHit,
				Latency:  time.Since(start),
			}, nil
		}
	}

	order := b.providerOrder(primaryBreaker)
	if len(order) == 0 {
		logging.BrokerWarn("All provider breakers open, failing fast")
		return nil, ErrProvidersUnavailable
	}

	usedFallback := order[0].Name() != b.primary.Name()
	var lastErr error

	for i, inv := range order {
		if i > 0 {
			// Moving past the primary after exhausting its retries.
			b.recordFallback(order[i-1].Name(), inv.Name(), FallbackReasonRetriesExhausted)
			usedFallback = true
		}

		resp, err := b.callProvider(ctx, inv, req)
		if err != nil {
			if !IsRetryable(err) {
				// Permanent client errors propagate without failover.
				return nil, err
			}
			lastErr = err
			continue
		}

		if req.CacheEligible && !usedFallback && cacheKey != "" {
			b.cache.Put(cacheKey, resp)
		}

		outcome := OutcomeSuccess
		if usedFallback {
			outcome = OutcomeFallback
		}

		return &CallResult{
			Text:     resp.Text,
			Model:    resp.Model,
			Provider: inv.Name(),
			Usage:    resp.Usage,
			CostUSD:  Cost(inv.Name(), resp.Model, resp.Usage),
			Outcome:  outcome,
			Latency:  time.Since(start),
		}, nil
	}

	logging.BrokerWarn("Call failed after retries and fallback: %v", lastErr)
	return nil, fmt.Errorf("%w: %v", ErrProvidersUnavailable, lastErr)
}

// providerOrder returns the providers to try, skipping any whose breaker is
// OPEN. Skipping the primary for an open breaker records a fallback event.
func (b *Broker) providerOrder(primaryBreaker *CircuitBreaker) []Invoker {
	order := make([]Invoker, 0, 2)

	primaryOpen := primaryBreaker.State() == BreakerOpen
	if !primaryOpen {
		order = append(order, b.primary)
	}

	if b.enableFallback {
		fallbackBreaker := b.breakers.For(b.fallback.Name())
		if fallbackBreaker.State() != BreakerOpen {
			if primaryOpen {
				b.recordFallback(b.primary.Name(), b.fallback.Name(), FallbackReasonBreakerOpen)
			}
			order = append(order, b.fallback)
		}
	}

	return order
}

// callProvider runs the retry loop against one provider, honoring its
// circuit breaker on every attempt.
func (b *Broker) callProvider(ctx context.Context, inv Invoker, req CallRequest) (*InvokeResponse, error) {
	breaker := b.breakers.For(inv.Name())
	invokeReq := b.invokeRequest(inv.Name(), req)

	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if !breaker.Allow() {
			if lastErr != nil {
				return nil, fmt.Errorf("circuit breaker opened for %s: %w", inv.Name(), lastErr)
			}
			return nil, fmt.Errorf("circuit breaker open for %s", inv.Name())
		}

		resp, err := inv.Invoke(ctx, invokeReq)
		if err == nil {
			breaker.RecordSuccess()
			return resp, nil
		}

		breaker.RecordFailure()
		lastErr = err

		if !IsRetryable(err) {
			logging.BrokerDebug("Non-retryable error from %s: %v", inv.Name(), err)
			return nil, err
		}

		if attempt < b.maxRetries {
			delay := b.retryDelay(attempt, err)
			logging.BrokerDebug("Retrying %s after %v (attempt %d/%d): %v",
				inv.Name(), delay, attempt+1, b.maxRetries, err)
			if err := b.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("all %d attempts against %s failed: %w", b.maxRetries+1, inv.Name(), lastErr)
}

// retryDelay computes exponential backoff with jitter. A provider
// retry-after hint overrides the computed delay.
func (b *Broker) retryDelay(attempt int, err error) time.Duration {
	if hint := RetryAfterHint(err); hint > 0 {
		return hint
	}

	delay := BackoffDelay(b.baseBackoff, b.maxBackoff, attempt)

	// Random jitter in [0, delay] avoids synchronized retry storms.
	b.mu.Lock()
	jitter := time.Duration(b.rng.Int63n(int64(delay) + 1))
	b.mu.Unlock()

	return delay + jitter
}

// BackoffDelay returns the unjittered delay for a retry attempt:
// base * 2^attempt, capped at max.
func BackoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (b *Broker) invokeRequest(providerName string, req CallRequest) InvokeRequest {
	tiers := b.tiers[providerName]
	return InvokeRequest{
		Model:       tiers.Model(req.Tier),
		System:      req.System,
		UserMessage: req.UserMessage,
		Prefill:     req.Prefill,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

func (b *Broker) recordFallback(from, to, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fallbackEvents = append(b.fallbackEvents, FallbackEvent{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	logging.Broker("Provider fallback: %s -> %s (%s)", from, to, reason)
}

// FallbackEvents returns a copy of the recorded failover events.
func (b *Broker) FallbackEvents() []FallbackEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := make([]FallbackEvent, len(b.fallbackEvents))
	copy(events, b.fallbackEvents)
	return events
}

// BreakerState exposes a provider's breaker state for observability.
func (b *Broker) BreakerState(providerName string) BreakerState {
	return b.breakers.For(providerName).State()
}

// CacheStats exposes response cache counters.
func (b *Broker) CacheStats() (hits, misses int64, size int) {
	return b.cache.Stats()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
