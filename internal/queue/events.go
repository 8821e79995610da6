package queue

import (
	"sync"
	"time"
)

// EventType names a lifecycle transition of an entry.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventRetrying  EventType = "retrying"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
)

// Event is delivered to observers after the transition is persisted.
type Event struct {
	Type     EventType     `json:"type"`
	EntryID  string        `json:"entry_id"`
	Kind     Kind          `json:"kind"`
	Attempt  int           `json:"attempt"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
	RunAt    time.Time     `json:"run_at,omitzero"`
	At       time.Time     `json:"at"`
}

// Observer receives lifecycle events. Observe runs on the dispatcher
// goroutine and should return quickly.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

type observerSet struct {
	mu   sync.RWMutex
	list []Observer
}

func (s *observerSet) add(o Observer) {
	s.mu.Lock()
	s.list = append(s.list, o)
	s.mu.Unlock()
}

func (s *observerSet) notify(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.list {
		o.Observe(e)
	}
}
