// Package events provides a fire-and-forget event sink for deliberation
// progress. Consumers (CLI progress display, transcript writers) subscribe to
// a buffered channel; a full buffer drops the event rather than stalling the
// deliberation.
package events

import (
	"sync"
	"time"

	"conclave/internal/logging"
)

// Type identifies a deliberation lifecycle event.
type Type string

const (
	TypeSessionStarted    Type = "session.started"
	TypeSessionResumed    Type = "session.resumed"
	TypePersonaSelected   Type = "persona.selected"
	TypeRoundStarted      Type = "round.started"
	TypeContribution      Type = "round.contribution"
	TypeFacilitatorAction Type = "facilitator.action"
	TypeModerator         Type = "moderator.intervention"
	TypeResearch          Type = "research.performed"
	TypeClarification     Type = "clarification.requested"
	TypeVotingStarted     Type = "voting.started"
	TypeVotingComplete    Type = "voting.complete"
	TypeSynthesisStarted  Type = "synthesis.started"
	TypeSynthesisComplete Type = "synthesis.complete"
	TypeCostWarning       Type = "cost.warning"
	TypeFallback          Type = "provider.fallback"
	TypeError             Type = "error"
	TypeSessionComplete   Type = "session.complete"
)

// Event is one deliberation lifecycle event.
type Event struct {
	Type         Type      `json:"type"`
	SessionID    string    `json:"session_id"`
	SubProblemID string    `json:"sub_problem_id,omitempty"`
	Round        int       `json:"round,omitempty"`
	Persona      string    `json:"persona,omitempty"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Data         any       `json:"data,omitempty"`
}

// Sink fans events out to subscribers. Publishing never blocks: a subscriber
// that falls behind loses events, and a dropped event is logged, not an error.
type Sink struct {
	mu     sync.Mutex
	subs   []chan Event
	buffer int
	closed bool

	dropped int64
}

// NewSink creates a sink with the given per-subscriber buffer size.
func NewSink(buffer int) *Sink {
	if buffer < 1 {
		buffer = 64
	}
	return &Sink{buffer: buffer}
}

// Subscribe registers a new consumer. The returned channel is closed when the
// sink closes.
func (s *Sink) Subscribe() <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, s.buffer)
	if s.closed {
		close(ch)
		return ch
	}
	s.subs = append(s.subs, ch)
	return ch
}

// Publish delivers an event to all subscribers, best effort.
func (s *Sink) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	logging.Events("%s session=%s sub=%s round=%d persona=%s %s",
		ev.Type, ev.SessionID, ev.SubProblemID, ev.Round, ev.Persona, ev.Message)

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.dropped++
			logging.EventsWarn("Dropped %s event for slow subscriber (total dropped: %d)", ev.Type, s.dropped)
		}
	}
}

// Dropped returns the number of events dropped for slow subscribers.
func (s *Sink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}
