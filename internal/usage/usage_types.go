package usage

import "time"

// LedgerData is the root structure stored in persistence.
type LedgerData struct {
	Version   string          `json:"version"`
	Aggregate AggregatedStats `json:"aggregate"`
}

// Record is a single model transaction attributed to a deliberation.
type Record struct {
	Timestamp    time.Time `json:"timestamp"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CacheTokens  int       `json:"cache_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	SessionID    string    `json:"session_id"`
	Persona      string    `json:"persona"`   // expert slug, "facilitator", "moderator", "synthesizer"
	Phase        string    `json:"phase"`     // decompose, round, vote, synthesis, research
	SubProblemID string    `json:"sub_problem_id,omitempty"`
}

// AggregatedStats holds counters broken down by dimension.
type AggregatedStats struct {
	Total      TokenCounts            `json:"total"`
	ByProvider map[string]TokenCounts `json:"by_provider"`
	ByModel    map[string]TokenCounts `json:"by_model"`
	ByPersona  map[string]TokenCounts `json:"by_persona"`
	ByPhase    map[string]TokenCounts `json:"by_phase"`
	BySession  map[string]TokenCounts `json:"by_session"`
}

// TokenCounts holds token sums and accumulated spend.
type TokenCounts struct {
	Input   int64   `json:"input"`
	Output  int64   `json:"output"`
	Cache   int64   `json:"cache"`
	Total   int64   `json:"total"`
	CostUSD float64 `json:"cost_usd"`
	Calls   int64   `json:"calls"`
}

func (tc *TokenCounts) add(r Record) {
	tc.Input += int64(r.InputTokens)
	tc.Output += int64(r.OutputTokens)
	tc.Cache += int64(r.CacheTokens)
	tc.Total += int64(r.InputTokens + r.OutputTokens + r.CacheTokens)
	tc.CostUSD += r.CostUSD
	tc.Calls++
}
