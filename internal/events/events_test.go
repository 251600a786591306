package events

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSinkDeliversToAllSubscribers(t *testing.T) {
	s := NewSink(4)
	defer s.Close()

	a := s.Subscribe()
	b := s.Subscribe()

	s.Publish(Event{Type: TypeRoundStarted, SessionID: "sess_1", Round: 2})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Type != TypeRoundStarted || ev.Round != 2 {
				t.Fatalf("subscriber %s got %+v", name, ev)
			}
			if ev.Timestamp.IsZero() {
				t.Fatalf("subscriber %s: timestamp not stamped", name)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s did not receive event", name)
		}
	}
}

func TestSinkDropsWhenSubscriberFull(t *testing.T) {
	s := NewSink(1)
	defer s.Close()

	ch := s.Subscribe()

	s.Publish(Event{Type: TypeContribution})
	s.Publish(Event{Type: TypeContribution}) // buffer full, dropped

	if got := s.Dropped(); got != 1 {
		t.Fatalf("dropped=%d, want 1", got)
	}

	// The first event is still deliverable.
	select {
	case <-ch:
	default:
		t.Fatal("buffered event should be available")
	}
}

func TestSinkCloseClosesChannels(t *testing.T) {
	s := NewSink(4)
	ch := s.Subscribe()
	s.Close()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}

	// Publishing after close is a no-op, and a late subscriber gets a
	// closed channel.
	s.Publish(Event{Type: TypeError})
	late := s.Subscribe()
	if _, ok := <-late; ok {
		t.Fatal("late subscriber channel should be closed")
	}
}
