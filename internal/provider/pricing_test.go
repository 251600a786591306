package provider

import (
	"math"
	"testing"
)

func TestPricingForPrefixMatch(t *testing.T) {
	cases := []struct {
		provider string
		model    string
		wantIn   float64
	}{
		{"anthropic", "claude-haiku-4-5", 1.00},
		{"anthropic", "claude-sonnet-4-5", 3.00},
		{"anthropic", "claude-opus-4-1", 15.00},
		{"openai", "gpt-4o-mini", 0.15},
		{"openai", "gpt-4o-2024-11-20", 2.50},
		{"openai", "o3", 2.00},
		// Unknown models fall back to conservative defaults.
		{"anthropic", "claude-future-9", defaultPricing.InputPerMTok},
		{"unknown-provider", "whatever", defaultPricing.InputPerMTok},
	}

	for _, tc := range cases {
		p := PricingFor(tc.provider, tc.model)
		if p.InputPerMTok != tc.wantIn {
			t.Errorf("%s/%s: input price %v, want %v", tc.provider, tc.model, p.InputPerMTok, tc.wantIn)
		}
	}
}

func TestPricingLongestPrefixWins(t *testing.T) {
	// gpt-4o-mini must not resolve to the gpt-4o entry.
	mini := PricingFor("openai", "gpt-4o-mini-2024-07-18")
	if mini.InputPerMTok != 0.15 {
		t.Fatalf("gpt-4o-mini resolved to input price %v, want 0.15", mini.InputPerMTok)
	}
}

func TestCostComputation(t *testing.T) {
	usage := TokenUsage{
		InputTokens:      1_000_000,
		OutputTokens:     500_000,
		CacheReadTokens:  2_000_000,
		CacheWriteTokens: 100_000,
	}

	// haiku: 1.00 in + 5.00 out + 0.10 cache read + 1.25 cache write per MTok
	got := Cost("anthropic", "claude-haiku-4-5", usage)
	want := 1.00 + 0.5*5.00 + 2.0*0.10 + 0.1*1.25
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("cost %v, want %v", got, want)
	}
}

func TestCostZeroUsage(t *testing.T) {
	if got := Cost("anthropic", "claude-sonnet-4-5", TokenUsage{}); got != 0 {
		t.Fatalf("zero usage should cost 0, got %v", got)
	}
}
