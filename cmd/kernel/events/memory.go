package events

import (
	"context"
	"sync"
)

// subscriberBuffer bounds each subscriber channel. Slow consumers drop
// events rather than block an execution.
const subscriberBuffer = 64

type subscriber struct {
	executionID string
	ch          chan Event
}

// MemorySink fans events out to in-process subscribers. It backs the
// SSE event stream and the integration tests.
type MemorySink struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

// NewMemorySink creates an empty in-process sink
func NewMemorySink() *MemorySink {
	return &MemorySink{
		subs: make(map[int]*subscriber),
	}
}

// Subscribe returns a channel of events for one execution (or every
// execution when executionID is empty) and a cancel function. The
// channel closes on cancel.
func (s *MemorySink) Subscribe(executionID string) (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	sub := &subscriber{
		executionID: executionID,
		ch:          make(chan Event, subscriberBuffer),
	}
	s.subs[id] = sub

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers to matching subscribers, dropping when a subscriber's
// buffer is full.
func (s *MemorySink) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		if sub.executionID != "" && sub.executionID != ev.ExecutionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow consumer; best-effort delivery
		}
	}
	return nil
}
