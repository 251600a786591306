package deliberation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"conclave/internal/logging"
	"conclave/internal/provider"
	"conclave/internal/store"
	"conclave/internal/usage"
)

// Response section markers the personas are prompted to emit.
const (
	thinkingMarker     = "[THINKING]"
	contributionMarker = "[CONTRIBUTION]"
)

// metaDiscussionPhrases indicate the persona is discussing its own role
// instead of engaging with the problem.
var metaDiscussionPhrases = []string{
	"as an ai", "as a language model", "i am an ai", "my role in this",
	"in this exercise", "in this simulation", "i am playing the role",
	"this discussion format", "as instructed", "the prompt asks",
	"i cannot actually", "as a participant in this deliberation",
}

// Executor runs one persona's turn through the resilient call layer.
type Executor struct {
	broker  *provider.Broker
	store   *store.SessionStore // nil disables persistence
	tracker *usage.Tracker      // nil disables usage tracking

	wordLimit       int
	strongTierRound int
	temperature     float64
	maxTokens       int
}

// ExecutorConfig configures turn execution.
type ExecutorConfig struct {
	WordLimit       int
	StrongTierRound int
	Temperature     float64
	MaxTokens       int
}

// NewExecutor creates an executor. Store and tracker may be nil.
func NewExecutor(broker *provider.Broker, st *store.SessionStore, tracker *usage.Tracker, cfg ExecutorConfig) *Executor {
	if cfg.WordLimit < 1 {
		cfg.WordLimit = 400
	}
	if cfg.StrongTierRound < 1 {
		cfg.StrongTierRound = 4
	}
	if cfg.MaxTokens < 1 {
		cfg.MaxTokens = 4096
	}
	return &Executor{
		broker:          broker,
		store:           st,
		tracker:         tracker,
		wordLimit:       cfg.WordLimit,
		strongTierRound: cfg.StrongTierRound,
		temperature:     cfg.Temperature,
		maxTokens:       cfg.MaxTokens,
	}
}

// TurnRequest describes one agent turn.
type TurnRequest struct {
	SessionID    string
	SubProblemID string
	Persona      Persona
	SystemPrompt string
	Directive    string // user message for this turn
	Round        int
	Kind         ContributionKind
	Phase        string // usage attribution
}

// TierForRound selects the model tier: the cheap tier for early exploratory
// rounds, the strong tier once the discussion turns critical.
func (e *Executor) TierForRound(round int) provider.ModelTier {
	if round >= e.strongTierRound {
		return provider.TierStrong
	}
	return provider.TierLight
}

// ExecuteTurn issues one persona turn, parses it, repairs meta-discussion
// once if detected, enforces the word limit, and persists the contribution
// best effort.
func (e *Executor) ExecuteTurn(ctx context.Context, req TurnRequest) (*Contribution, error) {
	timer := logging.StartTimer(logging.CategoryRounds, fmt.Sprintf("turn %s round %d", req.Persona.Code, req.Round))
	defer timer.Stop()

	call := provider.CallRequest{
		System:        req.SystemPrompt,
		UserMessage:   req.Directive,
		Prefill:       e.prefillFor(req.Persona),
		Tier:          e.TierForRound(req.Round),
		Temperature:   e.temperature,
		MaxTokens:     e.maxTokens,
		CacheEligible: true,
	}

	result, err := e.broker.Call(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("turn for %s failed: %w", req.Persona.Code, err)
	}

	totalUsage := result.Usage
	totalCost := result.CostUSD
	thinking, content := parseTurn(result.Text)
	repaired := false

	if isMetaDiscussion(content) {
		logging.RoundsDebug("Meta-discussion detected for %s round %d, repairing", req.Persona.Code, req.Round)

		repairCall := call
		repairCall.UserMessage = req.Directive + "\n\n" + repairDirective(req.Persona)
		repairCall.CacheEligible = false

		repairResult, repairErr := e.broker.Call(ctx, repairCall)
		if repairErr != nil {
			// Keep the flawed first attempt rather than failing the turn.
			logging.RoundsDebug("Repair retry for %s failed, keeping original: %v", req.Persona.Code, repairErr)
		} else {
			totalUsage.Add(repairResult.Usage)
			totalCost += repairResult.CostUSD
			thinking, content = parseTurn(repairResult.Text)
			result = repairResult
			repaired = true
		}
	}

	content, truncated := TruncateAtSentence(content, e.wordLimit)
	if truncated {
		logging.RoundsDebug("Truncated %s round %d contribution to %d words", req.Persona.Code, req.Round, e.wordLimit)
	}

	contribution := &Contribution{
		Persona:     req.Persona.Code,
		DisplayName: req.Persona.Name,
		Content:     content,
		Thinking:    thinking,
		Kind:        req.Kind,
		Round:       req.Round,
		Tokens:      totalUsage.Total(),
		CostUSD:     totalCost,
		Provider:    result.Provider,
		Model:       result.Model,
		Repaired:    repaired,
		Truncated:   truncated,
		CreatedAt:   time.Now(),
	}

	e.record(ctx, req, contribution, totalUsage)
	return contribution, nil
}

// record persists the contribution and tracks usage. Failures are logged,
// never returned: losing observability is preferable to losing the turn.
func (e *Executor) record(ctx context.Context, req TurnRequest, c *Contribution, u provider.TokenUsage) {
	if e.tracker != nil {
		e.tracker.Track(usage.Record{
			Provider:     c.Provider,
			Model:        c.Model,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			CacheTokens:  u.CacheReadTokens + u.CacheWriteTokens,
			CostUSD:      c.CostUSD,
			SessionID:    req.SessionID,
			Persona:      c.Persona,
			Phase:        req.Phase,
			SubProblemID: req.SubProblemID,
		})
	}

	if e.store == nil {
		return
	}
	err := e.store.AppendContribution(ctx, store.ContributionRecord{
		SessionID:    req.SessionID,
		SubProblemID: req.SubProblemID,
		Round:        c.Round,
		Persona:      c.Persona,
		Role:         string(c.Kind),
		Thinking:     c.Thinking,
		Content:      c.Content,
		Provider:     c.Provider,
		Model:        c.Model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      c.CostUSD,
	})
	if err != nil {
		logging.StoreWarn("Failed to persist contribution for %s round %d: %v", c.Persona, c.Round, err)
	}
}

// prefillFor biases the model into staying in character from the first token.
func (e *Executor) prefillFor(p Persona) string {
	return fmt.Sprintf("%s\nAs %s, ", thinkingMarker, p.Name)
}

func repairDirective(p Persona) string {
	return fmt.Sprintf(
		"IMPORTANT: Respond strictly in character as %s. Do not discuss your role, the discussion format, or being an AI. Engage directly with the problem at hand.",
		p.Name)
}

// parseTurn splits a response into its thinking and contribution sections.
// Responses without markers are treated as pure contribution.
func parseTurn(text string) (thinking, contribution string) {
	rest := text
	if idx := strings.Index(rest, thinkingMarker); idx >= 0 {
		rest = rest[idx+len(thinkingMarker):]
		if cidx := strings.Index(rest, contributionMarker); cidx >= 0 {
			thinking = strings.TrimSpace(rest[:cidx])
			contribution = strings.TrimSpace(rest[cidx+len(contributionMarker):])
			return thinking, contribution
		}
		// Thinking marker without a contribution marker: everything after
		// the marker is the contribution.
		return "", strings.TrimSpace(rest)
	}
	if cidx := strings.Index(rest, contributionMarker); cidx >= 0 {
		return strings.TrimSpace(rest[:cidx]), strings.TrimSpace(rest[cidx+len(contributionMarker):])
	}
	return "", strings.TrimSpace(text)
}

// isMetaDiscussion detects off-character replies by phrase heuristics.
func isMetaDiscussion(content string) bool {
	lower := strings.ToLower(content)
	for _, phrase := range metaDiscussionPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// TruncateAtSentence cuts text to at most limit words, preferring the last
// sentence boundary inside the limit over a mid-sentence cut.
func TruncateAtSentence(text string, limit int) (string, bool) {
	words := strings.Fields(text)
	if len(words) <= limit {
		return text, false
	}

	cut := strings.Join(words[:limit], " ")
	if idx := lastSentenceEnd(cut); idx > 0 {
		return cut[:idx+1], true
	}
	return cut, true
}

func lastSentenceEnd(s string) int {
	best := -1
	for i, r := range s {
		switch r {
		case '.', '!', '?':
			best = i
		}
	}
	return best
}
