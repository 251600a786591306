// Package usage records token usage and spend per deliberation, persisted to
// the workspace as JSON. The cost guard reads session spend from here.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"conclave/internal/logging"
)

const saveDebounce = 5 * time.Second

// Tracker manages usage recording and persistence.
type Tracker struct {
	mu       sync.Mutex
	data     LedgerData
	filePath string
	dirty    bool
}

// NewTracker creates a tracker persisting to <workspace>/.conclave/usage.json.
func NewTracker(workspacePath string) (*Tracker, error) {
	dir := filepath.Join(workspacePath, ".conclave")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create .conclave dir: %w", err)
	}

	t := &Tracker{
		filePath: filepath.Join(dir, "usage.json"),
		data: LedgerData{
			Version: "1.0",
			Aggregate: AggregatedStats{
				ByProvider: make(map[string]TokenCounts),
				ByModel:    make(map[string]TokenCounts),
				ByPersona:  make(map[string]TokenCounts),
				ByPhase:    make(map[string]TokenCounts),
				BySession:  make(map[string]TokenCounts),
			},
		},
	}

	if err := t.Load(); err != nil {
		// Corrupt or missing ledger: start fresh rather than block the session.
		logging.Usage("Could not load usage ledger, starting fresh: %v", err)
	}

	return t, nil
}

// Load reads the ledger from disk.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &t.data); err != nil {
		return err
	}

	// Maps may be nil after a partial file.
	if t.data.Aggregate.ByProvider == nil {
		t.data.Aggregate.ByProvider = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByModel == nil {
		t.data.Aggregate.ByModel = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByPersona == nil {
		t.data.Aggregate.ByPersona = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByPhase == nil {
		t.data.Aggregate.ByPhase = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.BySession == nil {
		t.data.Aggregate.BySession = make(map[string]TokenCounts)
	}

	return nil
}

// Save writes the ledger to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.filePath, data, 0644)
}

// Track records one model transaction and schedules a debounced save.
func (t *Tracker) Track(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	t.data.Aggregate.Total.add(r)
	addToMap(t.data.Aggregate.ByProvider, r.Provider, r)
	addToMap(t.data.Aggregate.ByModel, r.Model, r)
	if r.Persona != "" {
		addToMap(t.data.Aggregate.ByPersona, r.Persona, r)
	}
	if r.Phase != "" {
		addToMap(t.data.Aggregate.ByPhase, r.Phase, r)
	}
	if r.SessionID != "" {
		addToMap(t.data.Aggregate.BySession, r.SessionID, r)
	}

	logging.Usage("Tracked %s/%s: in=%d out=%d cost=$%.4f (session %s, persona %s, phase %s)",
		r.Provider, r.Model, r.InputTokens, r.OutputTokens, r.CostUSD, r.SessionID, r.Persona, r.Phase)

	if !t.dirty {
		t.dirty = true
		time.AfterFunc(saveDebounce, func() {
			if err := t.Save(); err != nil {
				logging.Usage("Autosave failed: %v", err)
			}
			t.mu.Lock()
			t.dirty = false
			t.mu.Unlock()
		})
	}
}

// SessionCost returns the accumulated spend for one deliberation session.
func (t *Tracker) SessionCost(sessionID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data.Aggregate.BySession[sessionID].CostUSD
}

// SessionTokens returns the token counters for one deliberation session.
func (t *Tracker) SessionTokens(sessionID string) TokenCounts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data.Aggregate.BySession[sessionID]
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByProvider = copyCounts(stats.ByProvider)
	stats.ByModel = copyCounts(stats.ByModel)
	stats.ByPersona = copyCounts(stats.ByPersona)
	stats.ByPhase = copyCounts(stats.ByPhase)
	stats.BySession = copyCounts(stats.BySession)
	return stats
}

func copyCounts(src map[string]TokenCounts) map[string]TokenCounts {
	if src == nil {
		return nil
	}
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, r Record) {
	entry := m[key]
	entry.add(r)
	m[key] = entry
}
