// Package deliberation implements the deliberation orchestration engine: the
// phase state machine driving a session through decomposition, persona
// selection, multi-round discussion, voting and synthesis, plus the stopping
// rules, facilitator routing, agent executor, and the dependency-aware
// sub-problem scheduler.
package deliberation

import (
	"fmt"
	"time"
)

// =============================================================================
// PHASES
// =============================================================================

// Phase is a node in the deliberation state machine.
type Phase string

const (
	PhaseDecompose         Phase = "decompose"
	PhaseContextCollect    Phase = "context_collect"
	PhaseSelectPersonas    Phase = "select_personas"
	PhaseInitialRound      Phase = "initial_round"
	PhaseFacilitatorDecide Phase = "facilitator_decide"
	PhaseParallelRound     Phase = "parallel_round"
	PhaseModerator         Phase = "moderator_intervene"
	PhaseResearch          Phase = "research"
	PhaseClarify           Phase = "clarify"
	PhaseCostGuard         Phase = "cost_guard"
	PhaseConvergenceCheck  Phase = "convergence_check"
	PhaseVote              Phase = "vote"
	PhaseSynthesize        Phase = "synthesize"
	PhaseNextSubProblem    Phase = "next_sub_problem"
	PhaseMetaSynthesize    Phase = "meta_synthesize"
	PhasePaused            Phase = "paused"
	PhaseEnd               Phase = "end"
)

// =============================================================================
// PERSONAS AND CONTRIBUTIONS
// =============================================================================

// Persona is a configured expert identity.
type Persona struct {
	Code        string `json:"code"` // stable slug, e.g. "security-architect"
	Name        string `json:"name"`
	Expertise   string `json:"expertise"`
	Perspective string `json:"perspective"` // the angle this expert argues from
}

// ContributionKind classifies one utterance.
type ContributionKind string

const (
	KindInitial   ContributionKind = "initial"
	KindResponse  ContributionKind = "response"
	KindModerator ContributionKind = "moderator"
	KindResearch  ContributionKind = "research"
)

// Contribution is one persona's utterance in one round. Immutable once
// accepted into the session.
type Contribution struct {
	Persona      string           `json:"persona"`
	DisplayName  string           `json:"display_name"`
	Content      string           `json:"content"`
	Thinking     string           `json:"thinking,omitempty"`
	Kind         ContributionKind `json:"kind"`
	Round        int              `json:"round"`
	Tokens       int              `json:"tokens"`
	CostUSD      float64          `json:"cost_usd"`
	Provider     string           `json:"provider"`
	Model        string           `json:"model"`
	Repaired     bool             `json:"repaired,omitempty"` // meta-discussion repair retry happened
	Truncated    bool             `json:"truncated,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// =============================================================================
// SUB-PROBLEMS AND RESULTS
// =============================================================================

// SubProblem is an independently deliberatable decomposition of the problem.
type SubProblem struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Statement string   `json:"statement"`
	DependsOn []string `json:"depends_on,omitempty"` // sub-problem IDs
}

// Recommendation is one persona's vote.
type Recommendation struct {
	Persona    string  `json:"persona"`
	Position   string  `json:"position"`
	Confidence float64 `json:"confidence"` // 0-1
	Conditions string  `json:"conditions,omitempty"`
}

// SubProblemResult is the output of one completed sub-problem deliberation.
// Failed slots carry Err and empty synthesis.
type SubProblemResult struct {
	SubProblemID      string            `json:"sub_problem_id"`
	Synthesis         string            `json:"synthesis"`
	Recommendations   []Recommendation  `json:"recommendations"`
	ContributionCount int               `json:"contribution_count"`
	CostUSD           float64           `json:"cost_usd"`
	Duration          time.Duration     `json:"duration_ns"`
	Panel             []string          `json:"panel"` // persona codes
	ExpertMemory      map[string]string `json:"expert_memory"`
	Err               string            `json:"error,omitempty"`
}

// Failed reports whether this slot's deliberation failed.
func (r *SubProblemResult) Failed() bool { return r.Err != "" }

// =============================================================================
// DECISIONS
// =============================================================================

// FacilitatorAction is the facilitator's routing choice for a round.
type FacilitatorAction string

const (
	ActionContinue  FacilitatorAction = "continue"
	ActionVote      FacilitatorAction = "vote"
	ActionResearch  FacilitatorAction = "research"
	ActionModerator FacilitatorAction = "moderator"
	ActionClarify   FacilitatorAction = "clarify"
)

// ModeratorType selects the moderator persona flavor.
type ModeratorType string

const (
	ModeratorClarifier   ModeratorType = "clarifier"
	ModeratorChallenger  ModeratorType = "challenger"
	ModeratorSynthesizer ModeratorType = "synthesizer"
)

// FacilitatorDecision is one decision per round. Consumed by the router; kept
// on the session only for audit.
type FacilitatorDecision struct {
	Action    FacilitatorAction `json:"action"`
	Reasoning string            `json:"reasoning"`

	// Action=continue
	NextSpeaker string `json:"next_speaker,omitempty"`
	Directive   string `json:"directive,omitempty"`

	// Action=moderator
	ModeratorType  ModeratorType `json:"moderator_type,omitempty"`
	ModeratorFocus string        `json:"moderator_focus,omitempty"`

	// Action=research
	ResearchQuery string `json:"research_query,omitempty"`

	// Action=clarify
	Question string `json:"question,omitempty"`
}

// StopReason is the stopping rule that fired.
type StopReason string

const (
	StopHardCap     StopReason = "hard_cap"
	StopMaxRounds   StopReason = "max_rounds"
	StopEarlyConv   StopReason = "early_convergence"
	StopDeadlock    StopReason = "deadlock"
	StopStalled     StopReason = "stalled_disagreement"
	StopConsensus   StopReason = "consensus"
	StopQualityMet  StopReason = "quality_threshold_met"
	StopCostCeiling StopReason = "cost_ceiling"
	StopUserRequest StopReason = "user_requested"
)

// StoppingDecision is the evaluator's verdict for one round. Recomputed every
// round, never persisted.
type StoppingDecision struct {
	ShouldStop bool
	Reason     StopReason
	Guidance   map[string]string // facilitator hints when continuing
}

// =============================================================================
// SESSION
// =============================================================================

// Clarification is a pending blocking question for the session owner.
type Clarification struct {
	Question string    `json:"question"`
	Answer   string    `json:"answer,omitempty"`
	Answered bool      `json:"answered"`
	Skipped  bool      `json:"skipped"`
	AskedAt  time.Time `json:"asked_at"`
}

// SessionMetrics accumulates cost and token telemetry.
type SessionMetrics struct {
	CostUSD     float64 `json:"cost_usd"`
	TotalTokens int64   `json:"total_tokens"`
	Calls       int     `json:"calls"`
}

// AddCall folds one completed model call into the metrics.
func (m *SessionMetrics) AddCall(inputTokens, outputTokens int, costUSD float64) {
	m.TotalTokens += int64(inputTokens + outputTokens)
	m.CostUSD += costUSD
	m.Calls++
}

// AddContribution folds one completed agent turn into the metrics.
func (m *SessionMetrics) AddContribution(c *Contribution) {
	m.TotalTokens += int64(c.Tokens)
	m.CostUSD += c.CostUSD
	m.Calls++
}

// Add folds another accumulator in, used to roll child session metrics up
// into the parent after a concurrent batch.
func (m *SessionMetrics) Add(other SessionMetrics) {
	m.CostUSD += other.CostUSD
	m.TotalTokens += other.TotalTokens
	m.Calls += other.Calls
}

// Session is one deliberation. Owned exclusively by the engine driving it;
// mutated only through phase transitions. The whole struct is the checkpoint
// payload, so new fields must stay additive for old checkpoints to load.
type Session struct {
	Version string `json:"version"`
	ID      string `json:"id"`
	Problem string `json:"problem"`
	Context string `json:"context,omitempty"` // collected background brief

	SubProblems []SubProblem `json:"sub_problems"`
	CurrentSub  int          `json:"current_sub"` // index into SubProblems

	Phase Phase `json:"phase"`
	Round int   `json:"round"`

	Personas      []Persona      `json:"personas"`
	Contributions []Contribution `json:"contributions"` // current sub-problem transcript

	Results      []SubProblemResult `json:"results"`
	ExpertMemory map[string]string  `json:"expert_memory,omitempty"` // persona code -> summary

	LastDecision *FacilitatorDecision `json:"last_decision,omitempty"`
	Guidance     map[string]string    `json:"guidance,omitempty"` // stopping evaluator hints

	// Stalled-disagreement streak, persisted so resume keeps the count.
	StalledStreak int `json:"stalled_streak,omitempty"`

	PendingClarification *Clarification `json:"pending_clarification,omitempty"`

	Metrics SessionMetrics `json:"metrics"`

	FinalReport   string `json:"final_report,omitempty"`
	StopRequested bool   `json:"stop_requested,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActiveSubProblem returns the sub-problem currently under deliberation.
func (s *Session) ActiveSubProblem() (*SubProblem, error) {
	if s.CurrentSub < 0 || s.CurrentSub >= len(s.SubProblems) {
		return nil, fmt.Errorf("sub-problem index %d out of range (have %d)", s.CurrentSub, len(s.SubProblems))
	}
	return &s.SubProblems[s.CurrentSub], nil
}

// HasContribution reports whether a persona already contributed in a round.
func (s *Session) HasContribution(persona string, round int) bool {
	for i := range s.Contributions {
		c := &s.Contributions[i]
		if c.Persona == persona && c.Round == round && c.Kind != KindModerator && c.Kind != KindResearch {
			return true
		}
	}
	return false
}

// AddContribution appends a contribution, enforcing the duplicate guard: a
// persona gets at most one accepted contribution per round. Rejected
// duplicates return false. Round numbers must be non-decreasing.
func (s *Session) AddContribution(c Contribution) bool {
	if c.Kind != KindModerator && c.Kind != KindResearch && s.HasContribution(c.Persona, c.Round) {
		return false
	}
	if n := len(s.Contributions); n > 0 && c.Round < s.Contributions[n-1].Round {
		return false
	}
	s.Contributions = append(s.Contributions, c)
	return true
}

// RoundContributions returns all expert contributions for one round.
func (s *Session) RoundContributions(round int) []Contribution {
	var out []Contribution
	for _, c := range s.Contributions {
		if c.Round == round {
			out = append(out, c)
		}
	}
	return out
}

// PersonaByCode finds a roster persona.
func (s *Session) PersonaByCode(code string) (*Persona, bool) {
	for i := range s.Personas {
		if s.Personas[i].Code == code {
			return &s.Personas[i], true
		}
	}
	return nil, false
}

// ResultFor returns the completed result for a sub-problem ID, if any.
func (s *Session) ResultFor(subProblemID string) (*SubProblemResult, bool) {
	for i := range s.Results {
		if s.Results[i].SubProblemID == subProblemID {
			return &s.Results[i], true
		}
	}
	return nil, false
}

// ResetForSubProblem clears per-sub-problem state before the next one starts.
func (s *Session) ResetForSubProblem() {
	s.Contributions = nil
	s.Personas = nil
	s.Round = 0
	s.LastDecision = nil
	s.Guidance = nil
	s.StalledStreak = 0
	s.PendingClarification = nil
}
