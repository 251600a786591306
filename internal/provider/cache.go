package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"conclave/internal/logging"
)

// ResponseCache memoizes completed calls keyed by full request content.
// An identical recent request returns the stored response without a network
// call. Entries expire after a TTL and the cache evicts oldest-first when
// the entry limit is reached.
type ResponseCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	ttl        time.Duration
	maxEntries int

	hits   int64
	misses int64

	now func() time.Time
}

type cacheEntry struct {
	response *InvokeResponse
	storedAt time.Time
}

// NewResponseCache creates a cache with the given TTL and entry cap.
func NewResponseCache(ttl time.Duration, maxEntries int) *ResponseCache {
	if maxEntries < 1 {
		maxEntries = 128
	}
	return &ResponseCache{
		entries:    make(map[string]*cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Key hashes the full request content. Two requests with identical model,
// prompts, prefill, and sampling parameters share a key.
func (c *ResponseCache) Key(provider string, req InvokeRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s\x00%.3f\x00%d",
		provider, req.Model, req.System, req.UserMessage, req.Prefill,
		req.Temperature, req.MaxTokens)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached response for a key, if present and fresh.
func (c *ResponseCache) Get(key string) (*InvokeResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.now().Sub(entry.storedAt) > c.ttl {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}

	c.hits++
	logging.BrokerDebug("Response cache hit (hits=%d, misses=%d)", c.hits, c.misses)

	// Copy so callers cannot mutate the cached response.
	resp := *entry.response
	return &resp, true
}

// Put stores a response. Only successful calls are cached.
func (c *ResponseCache) Put(key string, resp *InvokeResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}

	stored := *resp
	c.entries[key] = &cacheEntry{
		response: &stored,
		storedAt: c.now(),
	}
}

// evictOldestLocked removes the oldest entry. Caller holds the lock.
func (c *ResponseCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.storedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.storedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Stats returns hit/miss counters and current size.
func (c *ResponseCache) Stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.entries)
}
