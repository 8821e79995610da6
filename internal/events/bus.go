// Package events fans job lifecycle events out to live subscribers: an
// in-process bus for SSE clients and an MQTT publisher.
package events

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snarg/scribe/internal/queue"
)

// Event is a lifecycle event ready for transmission.
type Event struct {
	ID        string `json:"event_id"`
	Type      string `json:"event_type"`
	JobID     string `json:"job_id"`
	Timestamp string `json:"timestamp"`
	Data      []byte `json:"-"` // pre-serialized JSON payload
}

// Filter selects events for a subscriber. Empty fields match everything.
type Filter struct {
	Types []string
	JobID string
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e Event) bool {
	if len(f.Types) > 0 && !slices.ContainsFunc(f.Types, func(t string) bool {
		return strings.TrimSpace(t) == e.Type
	}) {
		return false
	}
	return f.JobID == "" || f.JobID == e.JobID
}

// Payload is the JSON body of a job event. Failure details are not
// included; clients read the safe message from the status endpoint.
type Payload struct {
	JobID      string    `json:"job_id"`
	Event      string    `json:"event"`
	Attempt    int       `json:"attempt"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	RetryAt    time.Time `json:"retry_at,omitzero"`
	At         time.Time `json:"at"`
}

// PayloadOf converts a queue event to its published form.
func PayloadOf(e queue.Event) Payload {
	return Payload{
		JobID:      e.EntryID,
		Event:      string(e.Type),
		Attempt:    e.Attempt,
		DurationMs: e.Duration.Milliseconds(),
		RetryAt:    e.RunAt,
		At:         e.At.UTC(),
	}
}

// Bus provides pub-sub event distribution for SSE subscribers.
// It maintains a ring buffer for replay on reconnect.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64
	dropped     atomic.Uint64

	ring     []Event
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// NewBus creates an event bus with the given ring buffer size.
func NewBus(ringSize int) *Bus {
	if ringSize < 1 {
		ringSize = 1
	}
	return &Bus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a new subscriber and returns a channel and cancel function.
func (b *Bus) Subscribe(filter Filter) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subscribers[id] = subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns the number of connected subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// ReplaySince returns buffered events after the given event ID, oldest
// first. When the ID is no longer buffered (overwritten by ring wrap) every
// buffered event is returned so the client does not silently miss them.
func (b *Bus) ReplaySince(lastEventID string, filter Filter) []Event {
	b.ringMu.RLock()
	defer b.ringMu.RUnlock()

	buffered := make([]Event, 0, b.ringSize)
	start := 0
	for i := 0; i < b.ringSize; i++ {
		e := b.ring[(b.ringHead+i)%b.ringSize]
		if e.ID == "" {
			continue
		}
		buffered = append(buffered, e)
		if lastEventID != "" && e.ID == lastEventID {
			start = len(buffered)
		}
	}

	var events []Event
	for _, e := range buffered[start:] {
		if filter.Matches(e) {
			events = append(events, e)
		}
	}
	return events
}

// Observe implements queue.Observer.
func (b *Bus) Observe(e queue.Event) {
	b.Publish(string(e.Type), e.EntryID, PayloadOf(e))
}

// Publish sends an event to all matching subscribers and adds it to the ring buffer.
func (b *Bus) Publish(eventType, jobID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	now := time.Now()
	event := Event{
		ID:        fmt.Sprintf("%d-%d", now.UnixMilli(), b.seq.Add(1)),
		Type:      eventType,
		JobID:     jobID,
		Timestamp: now.UTC().Format(time.RFC3339),
		Data:      data,
	}

	b.ringMu.Lock()
	b.ring[b.ringHead] = event
	b.ringHead = (b.ringHead + 1) % b.ringSize
	b.ringMu.Unlock()

	b.mu.RLock()
	for _, sub := range b.subscribers {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
	b.mu.RUnlock()
}
