package deliberation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"conclave/internal/config"
	"conclave/internal/events"
	"conclave/internal/logging"
	"conclave/internal/provider"
	"conclave/internal/research"
	"conclave/internal/store"
	"conclave/internal/usage"
)

// sessionVersion tags checkpoints; fields stay additive so older checkpoints
// load under newer versions.
const sessionVersion = "1"

// ErrPaused is returned by Run when the session enters the paused state
// waiting for a clarification answer.
var ErrPaused = errors.New("session paused pending clarification")

// Engine drives deliberation sessions through the phase state machine. One
// engine serves many sessions; each session is single-writer (only the
// goroutine driving it mutates it).
type Engine struct {
	cfg         *config.Config
	broker      *provider.Broker
	executor    *Executor
	facilitator *Facilitator
	stopping    *StoppingRules
	synthesizer *Synthesizer
	scheduler   *Scheduler
	researcher  *research.Researcher
	store       *store.SessionStore // nil disables checkpointing
	sink        *events.Sink        // nil disables events
	tracker     *usage.Tracker
}

// EngineDeps carries the engine's collaborators. Store, sink, tracker, and
// researcher may be nil.
type EngineDeps struct {
	Broker     *provider.Broker
	Store      *store.SessionStore
	Sink       *events.Sink
	Tracker    *usage.Tracker
	Researcher *research.Researcher
}

// NewEngine wires the deliberation engine from config and collaborators.
func NewEngine(cfg *config.Config, deps EngineDeps) *Engine {
	executor := NewExecutor(deps.Broker, deps.Store, deps.Tracker, ExecutorConfig{
		WordLimit:       cfg.Deliberation.WordLimit,
		StrongTierRound: cfg.Deliberation.StrongTierRound,
		Temperature:     cfg.Resilience.Temperature,
		MaxTokens:       cfg.Resilience.MaxTokens,
	})

	return &Engine{
		cfg:      cfg,
		broker:   deps.Broker,
		executor: executor,
		facilitator: NewFacilitator(deps.Broker, cfg.Deliberation.MinRounds, cfg.Deliberation.MaxRounds,
			cfg.Resilience.Temperature, cfg.Resilience.MaxTokens),
		stopping:    NewStoppingRules(cfg.Deliberation, cfg.Stopping),
		synthesizer: NewSynthesizer(deps.Broker, cfg.Resilience.Temperature, cfg.Resilience.MaxTokens),
		scheduler:   NewScheduler(cfg.Deliberation.ParallelSubLimit),
		researcher:  deps.Researcher,
		store:       deps.Store,
		sink:        deps.Sink,
		tracker:     deps.Tracker,
	}
}

// NewSession creates a fresh session for a problem statement.
func (e *Engine) NewSession(problem string) *Session {
	now := time.Now()
	return &Session{
		Version:   sessionVersion,
		ID:        "sess_" + uuid.NewString(),
		Problem:   problem,
		Phase:     PhaseDecompose,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// LoadSession restores a session from its checkpoint.
func (e *Engine) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	if e.store == nil {
		return nil, fmt.Errorf("no checkpoint store configured")
	}
	cp, err := e.store.LoadCheckpoint(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(cp.State, &s); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint for %s: %w", sessionID, err)
	}
	logging.Session("Restored session %s at phase %s (sub %d/%d, round %d)",
		s.ID, s.Phase, s.CurrentSub+1, len(s.SubProblems), s.Round)
	return &s, nil
}

// Run drives a session to completion (or to the paused state). It is safe to
// call Run again on a restored or answered session; completed sub-problems
// are skipped.
func (e *Engine) Run(ctx context.Context, s *Session) error {
	if s.Phase == PhasePaused {
		return ErrPaused
	}
	if s.Phase == PhaseEnd {
		return nil
	}

	// Fallback draining is single-consumer: only this loop reads the broker's
	// event list, so a failover raised inside a concurrent batch is recorded
	// exactly once, and pause or failure exits still record theirs.
	seen := len(e.broker.FallbackEvents())
	defer func() {
		e.recordFallbacks(context.WithoutCancel(ctx), s, seen)
	}()

	if s.Phase == PhaseDecompose {
		e.publish(events.Event{Type: events.TypeSessionStarted, SessionID: s.ID, Message: summarize(s.Problem, 20)})
		if err := e.decompose(ctx, s); err != nil {
			return err
		}
		e.transition(ctx, s, PhaseContextCollect)
	} else {
		e.publish(events.Event{Type: events.TypeSessionResumed, SessionID: s.ID, Message: string(s.Phase)})
	}

	if s.Phase == PhaseContextCollect {
		if err := e.collectContext(ctx, s); err != nil {
			return err
		}
		e.transition(ctx, s, PhaseSelectPersonas)
	}

	if err := e.runSubProblems(ctx, s); err != nil {
		return err
	}

	if s.Phase != PhaseEnd {
		e.transition(ctx, s, PhaseMetaSynthesize)
		report, err := e.synthesizer.MetaSynthesize(ctx, s)
		if err != nil {
			return err
		}
		s.FinalReport = report
		e.transition(ctx, s, PhaseEnd)
		e.publish(events.Event{Type: events.TypeSessionComplete, SessionID: s.ID})
		logging.Session("Session %s complete: %d sub-problems, $%.4f, %d calls",
			s.ID, len(s.Results), s.Metrics.CostUSD, s.Metrics.Calls)
	}
	return nil
}

// runSubProblems schedules and executes the sub-problem batches. Resume
// semantics: a sub-problem that already has a result is skipped, so a
// restored session continues from the first unstarted sub-problem.
func (e *Engine) runSubProblems(ctx context.Context, s *Session) error {
	batches, err := Schedule(s.SubProblems)
	if err != nil {
		return err // fatal configuration error
	}

	memory := MergeExpertMemory(s.ExpertMemory, s.Results)

	for _, batch := range batches {
		var pending []int
		for _, idx := range batch {
			if _, done := s.ResultFor(s.SubProblems[idx].ID); !done {
				pending = append(pending, idx)
			}
		}
		if len(pending) == 0 {
			continue
		}

		var results []SubProblemResult
		if len(pending) == 1 {
			// Serial path: run inline in the parent session so every phase
			// transition checkpoints.
			result, err := e.runSubProblem(ctx, s, pending[0], memory, true)
			if err != nil {
				if errors.Is(err, ErrPaused) {
					return err
				}
				results = []SubProblemResult{{SubProblemID: s.SubProblems[pending[0]].ID, Err: err.Error()}}
			} else {
				results = []SubProblemResult{*result}
			}
		} else {
			// Concurrent path: isolated child sessions per slot; the parent
			// checkpoint advances at batch completion.
			children := make([]*Session, len(s.SubProblems))
			results = e.scheduler.RunBatch(ctx, s.SubProblems, pending, memory,
				func(ctx context.Context, index int, mem map[string]string) (*SubProblemResult, error) {
					child := e.childSession(s, index)
					children[index] = child
					return e.runSubProblem(ctx, child, index, mem, false)
				})
			// Roll child spend up so later cost guards and the session
			// summary see the whole batch, failed slots included.
			for _, child := range children {
				if child != nil {
					s.Metrics.Add(child.Metrics)
				}
			}
		}

		s.Results = append(s.Results, results...)
		memory = MergeExpertMemory(memory, results)
		s.ExpertMemory = memory
		e.transition(ctx, s, PhaseNextSubProblem)
	}
	return nil
}

// childSession builds the isolated working state for one concurrent slot.
// It shares the parent's identifiers so contributions and usage attribute to
// the same session, but never writes the parent checkpoint.
func (e *Engine) childSession(parent *Session, index int) *Session {
	return &Session{
		Version:     parent.Version,
		ID:          parent.ID,
		Problem:     parent.Problem,
		Context:     parent.Context,
		SubProblems: parent.SubProblems,
		CurrentSub:  index,
		Phase:       PhaseSelectPersonas,
		CreatedAt:   parent.CreatedAt,
		UpdatedAt:   time.Now(),
	}
}

// =============================================================================
// SESSION CONTROLS
// =============================================================================

// RequestStop asks the session to wrap up: the flag is honored at the top of
// the next round, which jumps straight to voting.
func (e *Engine) RequestStop(ctx context.Context, s *Session) {
	s.StopRequested = true
	e.checkpoint(ctx, s)
	logging.Session("Stop requested for session %s", s.ID)
}

// Answer supplies the answer to a pending clarification and unpauses the
// session. Run must be called again to continue.
func (e *Engine) Answer(ctx context.Context, s *Session, answer string) error {
	if s.Phase != PhasePaused || s.PendingClarification == nil {
		return fmt.Errorf("session %s has no pending clarification", s.ID)
	}
	s.PendingClarification.Answer = answer
	s.PendingClarification.Answered = true
	s.Context = s.Context + fmt.Sprintf("\n\nClarification:\nQ: %s\nA: %s",
		s.PendingClarification.Question, answer)
	s.Phase = PhaseFacilitatorDecide
	s.PendingClarification = nil
	e.checkpoint(ctx, s)
	logging.Session("Clarification answered for session %s", s.ID)
	return nil
}

// Skip dismisses a pending clarification without an answer.
func (e *Engine) Skip(ctx context.Context, s *Session) error {
	if s.Phase != PhasePaused || s.PendingClarification == nil {
		return fmt.Errorf("session %s has no pending clarification", s.ID)
	}
	s.PendingClarification.Skipped = true
	s.Phase = PhaseFacilitatorDecide
	s.PendingClarification = nil
	e.checkpoint(ctx, s)
	logging.Session("Clarification skipped for session %s", s.ID)
	return nil
}

// =============================================================================
// CHECKPOINTING
// =============================================================================

// transition moves the session to the next phase and checkpoints. Checkpoint
// failures are logged, never propagated: losing recoverability is preferable
// to losing a live session.
func (e *Engine) transition(ctx context.Context, s *Session, next Phase) {
	logging.SessionDebug("Session %s: %s -> %s", s.ID, s.Phase, next)
	s.Phase = next
	s.UpdatedAt = time.Now()
	e.checkpoint(ctx, s)
}

func (e *Engine) checkpoint(ctx context.Context, s *Session) {
	if e.store == nil {
		return
	}
	state, err := json.Marshal(s)
	if err != nil {
		logging.StoreWarn("Failed to serialize session %s: %v", s.ID, err)
		return
	}
	if err := e.store.SaveCheckpoint(ctx, s.ID, string(s.Phase), state); err != nil {
		logging.StoreWarn("Failed to checkpoint session %s: %v", s.ID, err)
	}
}

// publish emits an event, best effort.
func (e *Engine) publish(ev events.Event) {
	if e.sink == nil {
		return
	}
	e.sink.Publish(ev)
}

// recordFallbacks drains broker fallback events raised past the baseline
// into the store.
func (e *Engine) recordFallbacks(ctx context.Context, s *Session, seen int) {
	all := e.broker.FallbackEvents()
	for _, fe := range all[seen:] {
		e.publish(events.Event{
			Type: events.TypeFallback, SessionID: s.ID,
			Message: fmt.Sprintf("%s -> %s (%s)", fe.From, fe.To, fe.Reason),
		})
		if e.store != nil {
			if err := e.store.AppendFallbackEvent(ctx, store.FallbackRecord{
				SessionID: s.ID, FromProvider: fe.From, ToProvider: fe.To, Reason: fe.Reason,
			}); err != nil {
				logging.StoreWarn("Failed to record fallback event: %v", err)
			}
		}
	}
}

// sessionSpend returns the session's accumulated spend. The usage ledger is
// preferred when it is ahead: concurrent sub-problems share the session ID
// there, so each slot guards against the combined spend instead of only its
// own slice.
func (e *Engine) sessionSpend(s *Session) float64 {
	spent := s.Metrics.CostUSD
	if e.tracker != nil {
		if ledger := e.tracker.SessionCost(s.ID); ledger > spent {
			spent = ledger
		}
	}
	return spent
}
