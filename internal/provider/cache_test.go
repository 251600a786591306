package provider

import (
	"fmt"
	"testing"
	"time"
)

func TestCacheKeyDependsOnContent(t *testing.T) {
	c := NewResponseCache(time.Minute, 10)

	base := InvokeRequest{
		Model:       "claude-haiku-4-5",
		System:      "You are an expert.",
		UserMessage: "What are the risks?",
		Temperature: 0.7,
		MaxTokens:   1024,
	}

	k1 := c.Key("anthropic", base)
	if k2 := c.Key("anthropic", base); k1 != k2 {
		t.Fatal("identical requests must share a key")
	}

	variants := map[string]InvokeRequest{
		"model":     {Model: "claude-sonnet-4-5", System: base.System, UserMessage: base.UserMessage, Temperature: base.Temperature, MaxTokens: base.MaxTokens},
		"system":    {Model: base.Model, System: "other", UserMessage: base.UserMessage, Temperature: base.Temperature, MaxTokens: base.MaxTokens},
		"user":      {Model: base.Model, System: base.System, UserMessage: "other", Temperature: base.Temperature, MaxTokens: base.MaxTokens},
		"prefill":   {Model: base.Model, System: base.System, UserMessage: base.UserMessage, Prefill: "[THINKING]", Temperature: base.Temperature, MaxTokens: base.MaxTokens},
		"temp":      {Model: base.Model, System: base.System, UserMessage: base.UserMessage, Temperature: 0.2, MaxTokens: base.MaxTokens},
		"maxTokens": {Model: base.Model, System: base.System, UserMessage: base.UserMessage, Temperature: base.Temperature, MaxTokens: 2048},
	}
	for name, req := range variants {
		if c.Key("anthropic", req) == k1 {
			t.Errorf("changing %s should change the key", name)
		}
	}

	if c.Key("openai", base) == k1 {
		t.Error("different providers should not share keys")
	}
}

func TestCacheGetPutAndTTL(t *testing.T) {
	c := NewResponseCache(10*time.Minute, 10)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c.now = clock.now

	key := "abc"
	if _, ok := c.Get(key); ok {
		t.Fatal("empty cache should miss")
	}

	c.Put(key, &InvokeResponse{Text: "hello", Model: "m"})

	resp, ok := c.Get(key)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if resp.Text != "hello" {
		t.Fatalf("got %q, want hello", resp.Text)
	}

	// Mutating the returned copy must not affect the stored entry.
	resp.Text = "mutated"
	again, _ := c.Get(key)
	if again.Text != "hello" {
		t.Fatal("cached response was mutated through a returned copy")
	}

	clock.advance(11 * time.Minute)
	if _, ok := c.Get(key); ok {
		t.Fatal("entry should expire after TTL")
	}

	hits, misses, size := c.Stats()
	if hits != 2 || misses != 2 || size != 0 {
		t.Fatalf("stats hits=%d misses=%d size=%d, want 2/2/0", hits, misses, size)
	}
}

func TestCacheEvictsOldestWhenFull(t *testing.T) {
	c := NewResponseCache(time.Hour, 3)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c.now = clock.now

	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("key-%d", i), &InvokeResponse{Text: fmt.Sprintf("v%d", i)})
		clock.advance(time.Second)
	}

	c.Put("key-3", &InvokeResponse{Text: "v3"})

	if _, ok := c.Get("key-0"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	for i := 1; i <= 3; i++ {
		if _, ok := c.Get(fmt.Sprintf("key-%d", i)); !ok {
			t.Fatalf("key-%d should still be cached", i)
		}
	}
}
