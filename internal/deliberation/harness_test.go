package deliberation

import (
	"context"
	"sync"
	"time"

	"conclave/internal/config"
	"conclave/internal/provider"
)

// fakeInvoker is a scriptable provider used across the package tests. When
// scripts are set they are consumed in order (the last entry repeats);
// otherwise respond is consulted per call. Safe for concurrent use because
// rounds fan turns out in parallel.
type fakeInvoker struct {
	name    string
	scripts []fakeReply
	respond func(n int, req provider.InvokeRequest) (string, error)

	mu    sync.Mutex
	calls []provider.InvokeRequest
}

type fakeReply struct {
	text string
	err  error
}

func (f *fakeInvoker) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeInvoker) Invoke(_ context.Context, req provider.InvokeRequest) (*provider.InvokeResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()

	var text string
	var err error
	switch {
	case len(f.scripts) > 0:
		idx := n - 1
		if idx >= len(f.scripts) {
			idx = len(f.scripts) - 1
		}
		text, err = f.scripts[idx].text, f.scripts[idx].err
	case f.respond != nil:
		text, err = f.respond(n, req)
	}
	if err != nil {
		return nil, err
	}
	return &provider.InvokeResponse{
		Text:  text,
		Model: req.Model,
		Usage: provider.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}, nil
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeInvoker) call(i int) provider.InvokeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// newFakeBroker wraps a fake invoker in a broker with retries disabled so
// scripted errors surface immediately.
func newFakeBroker(inv *fakeInvoker) *provider.Broker {
	return provider.NewBroker(provider.BrokerConfig{
		Primary:          inv,
		MaxRetries:       0,
		BaseBackoff:      time.Millisecond,
		MaxBackoff:       time.Millisecond,
		FailureThreshold: 100,
		ResetTimeout:     time.Minute,
		CacheTTL:         time.Minute,
		CacheMaxEntries:  64,
		Tiers: map[string]provider.TierModels{
			"fake": {Light: "fake-light", Strong: "fake-strong"},
		},
	})
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Providers.Primary = "anthropic"
	cfg.Providers.EnableFallback = false
	return cfg
}

func testPanel() []Persona {
	return []Persona{
		{Code: "economist", Name: "The Economist", Expertise: "market dynamics", Perspective: "cost"},
		{Code: "engineer", Name: "The Engineer", Expertise: "systems", Perspective: "reliability"},
	}
}

// testSession builds a session with one atomic sub-problem and a two-expert
// panel, positioned at the given round.
func testSession(round int) *Session {
	return &Session{
		Version:     "1",
		ID:          "sess_test",
		Problem:     "Choose a deployment strategy",
		SubProblems: []SubProblem{{ID: "sp1", Title: "Deployment", Statement: "Choose a deployment strategy"}},
		CurrentSub:  0,
		Round:       round,
		Personas:    testPanel(),
	}
}

// say appends one expert contribution to the session.
func say(s *Session, persona string, round int, content string) {
	name := persona
	if p, ok := s.PersonaByCode(persona); ok {
		name = p.Name
	}
	s.Contributions = append(s.Contributions, Contribution{
		Persona:     persona,
		DisplayName: name,
		Content:     content,
		Kind:        KindResponse,
		Round:       round,
	})
}
