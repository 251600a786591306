package provider

import (
	"sync"
	"time"

	"conclave/internal/logging"
)

// BreakerState is the circuit breaker state for one provider.
type BreakerState int

const (
	// BreakerClosed - calls flow normally.
	BreakerClosed BreakerState = iota
	// BreakerOpen - calls fail fast until the reset timeout elapses.
	BreakerOpen
	// BreakerHalfOpen - exactly one trial call is allowed through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker isolates a failing provider. State transitions:
// CLOSED -> OPEN after FailureThreshold consecutive failures;
// OPEN -> HALF_OPEN once ResetTimeout elapses;
// HALF_OPEN -> CLOSED on trial success, back to OPEN on trial failure.
type CircuitBreaker struct {
	mu sync.Mutex

	provider         string
	failureThreshold int
	resetTimeout     time.Duration

	state        BreakerState
	failures     int
	lastFailure  time.Time
	trialPending bool // a HALF_OPEN trial call is in flight

	now func() time.Time // injectable clock for tests
}

// NewCircuitBreaker creates a breaker for one provider.
func NewCircuitBreaker(provider string, failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &CircuitBreaker{
		provider:         provider,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            BreakerClosed,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed. In HALF_OPEN only the first
// caller gets the trial slot; concurrent callers are rejected until the
// trial resolves.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
			cb.state = BreakerHalfOpen
			cb.trialPending = true
			logging.Broker("Circuit breaker %s: open -> half_open (trial call allowed)", cb.provider)
			return true
		}
		return false
	case BreakerHalfOpen:
		if cb.trialPending {
			return false
		}
		cb.trialPending = true
		return true
	}
	return false
}

// RecordSuccess notes a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen {
		logging.Broker("Circuit breaker %s: half_open -> closed (trial succeeded)", cb.provider)
	}
	cb.state = BreakerClosed
	cb.failures = 0
	cb.trialPending = false
}

// RecordFailure notes a failed call, opening the breaker when the
// consecutive-failure threshold is reached.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()

	if cb.state == BreakerHalfOpen {
		// Trial failed: back to OPEN, timeout restarts.
		cb.state = BreakerOpen
		cb.trialPending = false
		logging.BrokerWarn("Circuit breaker %s: half_open -> open (trial failed)", cb.provider)
		return
	}

	cb.failures++
	if cb.failures >= cb.failureThreshold && cb.state == BreakerClosed {
		cb.state = BreakerOpen
		logging.BrokerWarn("Circuit breaker %s: closed -> open (%d consecutive failures)",
			cb.provider, cb.failures)
	}
}

// State returns the current state, applying the OPEN -> HALF_OPEN timeout
// transition lazily.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return BreakerHalfOpen
	}
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// BreakerRegistry holds one breaker per provider. The registry is owned by
// the broker; callers never construct breakers directly.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	failureThreshold int
	resetTimeout     time.Duration
}

// NewBreakerRegistry creates a registry with shared breaker settings.
func NewBreakerRegistry(failureThreshold int, resetTimeout time.Duration) *BreakerRegistry {
	return &BreakerRegistry{
		breakers:         make(map[string]*CircuitBreaker),
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// For returns (or creates) the breaker for a provider.
func (r *BreakerRegistry) For(provider string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[provider]; ok {
		return cb
	}
	cb := NewCircuitBreaker(provider, r.failureThreshold, r.resetTimeout)
	r.breakers[provider] = cb
	return cb
}
