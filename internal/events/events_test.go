package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/scribe/internal/queue"
)

// ── Bus Publish/Subscribe ─────────────────────────────────────────────

func TestBusPublishSubscribe(t *testing.T) {
	t.Run("subscriber_receives_queue_event", func(t *testing.T) {
		b := NewBus(64)
		ch, cancel := b.Subscribe(Filter{})
		defer cancel()

		b.Observe(queue.Event{
			Type:     queue.EventCompleted,
			EntryID:  "job-1",
			Attempt:  2,
			Err:      "dial tcp 10.0.0.7:5432: secret",
			Duration: 1500 * time.Millisecond,
			At:       time.Now(),
		})

		select {
		case evt := <-ch:
			if evt.Type != "completed" || evt.JobID != "job-1" || evt.ID == "" {
				t.Errorf("event = %+v", evt)
			}
			var p map[string]any
			if err := json.Unmarshal(evt.Data, &p); err != nil {
				t.Fatalf("Data is not valid JSON: %v", err)
			}
			if p["attempt"] != float64(2) || p["duration_ms"] != float64(1500) {
				t.Errorf("payload = %v", p)
			}
			if _, ok := p["error"]; ok {
				t.Error("payload must not carry raw errors")
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	})

	t.Run("filtered_subscriber_misses_non_matching", func(t *testing.T) {
		b := NewBus(64)
		ch, cancel := b.Subscribe(Filter{Types: []string{"failed"}})
		defer cancel()

		b.Publish("completed", "job-1", "x")

		select {
		case evt := <-ch:
			t.Fatalf("should not receive event, got %+v", evt)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("cancel_closes_channel", func(t *testing.T) {
		b := NewBus(64)
		ch, cancel := b.Subscribe(Filter{})
		cancel()
		cancel()

		b.Publish("completed", "job-1", "x")
		if _, ok := <-ch; ok {
			t.Fatal("should not receive event after cancel")
		}
		if b.Subscribers() != 0 {
			t.Errorf("Subscribers = %d, want 0", b.Subscribers())
		}
	})

	t.Run("slow_subscriber_drops", func(t *testing.T) {
		b := NewBus(8)
		_, cancel := b.Subscribe(Filter{})
		defer cancel()
		for i := 0; i < 70; i++ {
			b.Publish("active", "job-1", i)
		}
		if b.Dropped() != 6 {
			t.Errorf("Dropped = %d, want 6", b.Dropped())
		}
	})
}

func TestBusReplaySince(t *testing.T) {
	publish := func(b *Bus, jobs ...string) {
		for _, j := range jobs {
			b.Publish("completed", j, j)
		}
	}

	t.Run("replay_all_when_empty_lastID", func(t *testing.T) {
		b := NewBus(64)
		publish(b, "a", "b")
		if got := b.ReplaySince("", Filter{}); len(got) != 2 {
			t.Fatalf("got %d events, want 2", len(got))
		}
	})

	t.Run("replay_after_specific_id", func(t *testing.T) {
		b := NewBus(64)
		publish(b, "a", "b", "c")
		all := b.ReplaySince("", Filter{})
		got := b.ReplaySince(all[0].ID, Filter{})
		if len(got) != 2 || got[0].JobID != "b" || got[1].JobID != "c" {
			t.Fatalf("got %+v, want b, c", got)
		}
		if got := b.ReplaySince(all[2].ID, Filter{}); len(got) != 0 {
			t.Errorf("replay after newest = %d events, want 0", len(got))
		}
	})

	t.Run("replay_with_filter", func(t *testing.T) {
		b := NewBus(64)
		publish(b, "a", "b", "a")
		if got := b.ReplaySince("", Filter{JobID: "a"}); len(got) != 2 {
			t.Fatalf("got %d events, want 2", len(got))
		}
	})

	t.Run("unknown_lastID_replays_all", func(t *testing.T) {
		b := NewBus(2)
		publish(b, "a", "b", "c")
		got := b.ReplaySince("nonexistent-id", Filter{})
		if len(got) != 2 || got[0].JobID != "b" {
			t.Fatalf("got %+v, want the two buffered events oldest first", got)
		}
	})
}

func TestFilterMatches(t *testing.T) {
	e := Event{Type: "failed", JobID: "j1"}
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty_matches_all", Filter{}, true},
		{"type_match", Filter{Types: []string{"completed", " failed"}}, true},
		{"type_miss", Filter{Types: []string{"completed"}}, false},
		{"job_match", Filter{JobID: "j1"}, true},
		{"job_miss", Filter{JobID: "j2"}, false},
		{"both", Filter{Types: []string{"failed"}, JobID: "j1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(e); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

// ── MQTT publisher ────────────────────────────────────────────────────

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	block  chan struct{}
	err    error
}

func (r *recordingPublisher) Publish(topic string, _ []byte) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	return r.err
}

func TestMQTTPublisher(t *testing.T) {
	t.Run("publishes_and_drains_on_stop", func(t *testing.T) {
		rec := &recordingPublisher{}
		p := NewMQTTPublisher(rec, "scribe", 16, zerolog.Nop())
		p.Start()
		p.Observe(queue.Event{Type: queue.EventActive, EntryID: "j1"})
		p.Observe(queue.Event{Type: queue.EventCompleted, EntryID: "j1"})
		p.Stop()

		want := []string{"scribe/jobs/j1/active", "scribe/jobs/j1/completed"}
		if len(rec.topics) != 2 || rec.topics[0] != want[0] || rec.topics[1] != want[1] {
			t.Errorf("topics = %v, want %v", rec.topics, want)
		}
		p.Observe(queue.Event{Type: queue.EventFailed, EntryID: "j1"})
	})

	t.Run("full_buffer_drops_without_blocking", func(t *testing.T) {
		rec := &recordingPublisher{block: make(chan struct{})}
		p := NewMQTTPublisher(rec, "scribe", 1, zerolog.Nop())
		p.Start()
		done := make(chan struct{})
		go func() {
			for i := 0; i < 10; i++ {
				p.Observe(queue.Event{Type: queue.EventActive, EntryID: "j1"})
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Observe blocked on a slow broker")
		}
		close(rec.block)
		p.Stop()
		if p.Dropped() == 0 {
			t.Error("expected drops with a full buffer")
		}
	})

	t.Run("counts_failures", func(t *testing.T) {
		rec := &recordingPublisher{err: errors.New("not connected")}
		p := NewMQTTPublisher(rec, "scribe", 4, zerolog.Nop())
		p.Start()
		p.Observe(queue.Event{Type: queue.EventActive, EntryID: "j1"})
		p.Stop()
		if p.Failed() != 1 {
			t.Errorf("Failed = %d, want 1", p.Failed())
		}
	})
}
