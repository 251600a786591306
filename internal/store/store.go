// Package store persists deliberation state to SQLite: session checkpoints
// for crash recovery, the append-only contribution log, and provider
// fallback events.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"conclave/internal/logging"
)

// ErrNotFound is returned when no checkpoint exists for a session.
var ErrNotFound = errors.New("not found")

// SessionStore is the SQLite-backed persistence layer.
type SessionStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Checkpoint is a persisted session snapshot. State is an opaque JSON blob
// owned by the deliberation engine.
type Checkpoint struct {
	SessionID string
	Phase     string
	State     []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionSummary is a checkpoint row without the state blob.
type SessionSummary struct {
	SessionID string
	Phase     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ContributionRecord is one persisted agent turn.
type ContributionRecord struct {
	ID           int64
	SessionID    string
	SubProblemID string
	Round        int
	Persona      string
	Role         string
	Thinking     string
	Content      string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	CreatedAt    time.Time
}

// FallbackRecord is one persisted provider failover event.
type FallbackRecord struct {
	SessionID    string
	FromProvider string
	ToProvider   string
	Reason       string
	CreatedAt    time.Time
}

// NewSessionStore opens (or creates) the database at the given path.
func NewSessionStore(path string) (*SessionStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SessionStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Session store opened at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *SessionStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		session_id TEXT PRIMARY KEY,
		phase TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS contributions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		sub_problem_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		persona TEXT NOT NULL,
		role TEXT NOT NULL,
		thinking TEXT,
		content TEXT NOT NULL,
		provider TEXT,
		model TEXT,
		input_tokens INTEGER DEFAULT 0,
		output_tokens INTEGER DEFAULT 0,
		cost_usd REAL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_contributions_session ON contributions(session_id);
	CREATE INDEX IF NOT EXISTS idx_contributions_sub ON contributions(session_id, sub_problem_id, round);

	CREATE TABLE IF NOT EXISTS fallback_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		from_provider TEXT NOT NULL,
		to_provider TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_fallback_session ON fallback_events(session_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// SaveCheckpoint upserts the checkpoint for a session.
func (s *SessionStore) SaveCheckpoint(ctx context.Context, sessionID, phase string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, phase, state, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(session_id) DO UPDATE SET
			phase = excluded.phase,
			state = excluded.state,
			updated_at = CURRENT_TIMESTAMP
	`, sessionID, phase, string(state))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	logging.Store("Checkpoint saved: session=%s phase=%s (%d bytes)", sessionID, phase, len(state))
	return nil
}

// LoadCheckpoint returns the checkpoint for a session.
func (s *SessionStore) LoadCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, phase, state, created_at, updated_at
		FROM checkpoints WHERE session_id = ?
	`, sessionID)

	var cp Checkpoint
	var state string
	if err := row.Scan(&cp.SessionID, &cp.Phase, &state, &cp.CreatedAt, &cp.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("checkpoint for session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp.State = []byte(state)
	return &cp, nil
}

// DeleteCheckpoint removes a session's checkpoint (called on completion).
func (s *SessionStore) DeleteCheckpoint(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// ListSessions returns summaries of all checkpointed sessions, newest first.
func (s *SessionStore) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, phase, created_at, updated_at
		FROM checkpoints ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		if err := rows.Scan(&sum.SessionID, &sum.Phase, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sum)
	}
	return sessions, rows.Err()
}

// PurgeExpired deletes checkpoints older than the TTL and returns the count.
func (s *SessionStore) PurgeExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// CURRENT_TIMESTAMP stores text; compare through unixepoch to avoid
	// depending on the driver's time binding format.
	cutoff := time.Now().Add(-ttl).UTC().Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE updated_at < datetime(?, 'unixepoch')`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired checkpoints: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("Purged %d expired checkpoints (TTL %v)", n, ttl)
	}
	return n, nil
}

// AppendContribution records one agent turn in the transcript log.
func (s *SessionStore) AppendContribution(ctx context.Context, c ContributionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contributions
			(session_id, sub_problem_id, round, persona, role, thinking, content,
			 provider, model, input_tokens, output_tokens, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.SessionID, c.SubProblemID, c.Round, c.Persona, c.Role, c.Thinking, c.Content,
		c.Provider, c.Model, c.InputTokens, c.OutputTokens, c.CostUSD)
	if err != nil {
		return fmt.Errorf("failed to append contribution: %w", err)
	}
	return nil
}

// Contributions returns the transcript for a session in insertion order.
func (s *SessionStore) Contributions(ctx context.Context, sessionID string) ([]ContributionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sub_problem_id, round, persona, role,
		       COALESCE(thinking, ''), content, COALESCE(provider, ''), COALESCE(model, ''),
		       input_tokens, output_tokens, cost_usd, created_at
		FROM contributions WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contributions: %w", err)
	}
	defer rows.Close()

	var out []ContributionRecord
	for rows.Next() {
		var c ContributionRecord
		if err := rows.Scan(&c.ID, &c.SessionID, &c.SubProblemID, &c.Round, &c.Persona, &c.Role,
			&c.Thinking, &c.Content, &c.Provider, &c.Model,
			&c.InputTokens, &c.OutputTokens, &c.CostUSD, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendFallbackEvent records one provider failover.
func (s *SessionStore) AppendFallbackEvent(ctx context.Context, f FallbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fallback_events (session_id, from_provider, to_provider, reason)
		VALUES (?, ?, ?, ?)
	`, f.SessionID, f.FromProvider, f.ToProvider, f.Reason)
	if err != nil {
		return fmt.Errorf("failed to append fallback event: %w", err)
	}
	return nil
}

// FallbackEvents returns the failover history for a session.
func (s *SessionStore) FallbackEvents(ctx context.Context, sessionID string) ([]FallbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, from_provider, to_provider, reason, created_at
		FROM fallback_events WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fallback events: %w", err)
	}
	defer rows.Close()

	var out []FallbackRecord
	for rows.Next() {
		var f FallbackRecord
		if err := rows.Scan(&f.SessionID, &f.FromProvider, &f.ToProvider, &f.Reason, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}
