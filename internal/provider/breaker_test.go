package provider

import (
	"testing"
	"time"
)

// fakeClock lets tests advance breaker time deterministically.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("test", threshold, reset)
	cb.now = clock.now
	return cb, clock
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		if !cb.Allow() {
			t.Fatalf("breaker should allow before threshold (failure %d)", i)
		}
		cb.RecordFailure()
	}
	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed after 2 failures, got %v", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("expected open after 3 failures, got %v", cb.State())
	}
	if cb.Allow() {
		t.Fatal("open breaker should reject calls")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != BreakerClosed {
		t.Fatalf("non-consecutive failures should not open breaker, got %v", cb.State())
	}
	if got := cb.Failures(); got != 2 {
		t.Fatalf("expected 2 consecutive failures, got %d", got)
	}
}

func TestBreakerHalfOpenAfterTimeout(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Minute)

	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("open breaker should reject immediately after opening")
	}

	clock.advance(59 * time.Second)
	if cb.Allow() {
		t.Fatal("breaker should stay open before reset timeout")
	}

	clock.advance(2 * time.Second)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("expected half_open after timeout, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("half_open breaker should allow one trial call")
	}
}

func TestBreakerHalfOpenSingleTrialSlot(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Minute)

	cb.RecordFailure()
	clock.advance(2 * time.Minute)

	if !cb.Allow() {
		t.Fatal("first caller should get the trial slot")
	}
	if cb.Allow() {
		t.Fatal("second caller should be rejected while trial is in flight")
	}

	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatalf("trial success should close the breaker, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("closed breaker should allow calls")
	}
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Minute)

	cb.RecordFailure()
	clock.advance(2 * time.Minute)

	if !cb.Allow() {
		t.Fatal("trial call should be allowed")
	}
	cb.RecordFailure()

	if cb.State() != BreakerOpen {
		t.Fatalf("trial failure should reopen the breaker, got %v", cb.State())
	}

	// Timeout restarts from the trial failure.
	clock.advance(30 * time.Second)
	if cb.Allow() {
		t.Fatal("breaker should stay open until the restarted timeout elapses")
	}
	clock.advance(31 * time.Second)
	if !cb.Allow() {
		t.Fatal("breaker should re-enter half_open after the restarted timeout")
	}
}

func TestBreakerStateStrings(t *testing.T) {
	cases := []struct {
		state BreakerState
		want  string
	}{
		{BreakerClosed, "closed"},
		{BreakerOpen, "open"},
		{BreakerHalfOpen, "half_open"},
		{BreakerState(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("state %d: got %q, want %q", tc.state, got, tc.want)
		}
	}
}

func TestBreakerRegistryReusesBreakers(t *testing.T) {
	reg := NewBreakerRegistry(5, time.Minute)

	a := reg.For("anthropic")
	b := reg.For("anthropic")
	if a != b {
		t.Fatal("registry should return the same breaker for the same provider")
	}

	c := reg.For("openai")
	if a == c {
		t.Fatal("different providers should get distinct breakers")
	}
}
