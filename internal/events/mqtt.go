package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/snarg/scribe/internal/queue"
)

// Publisher sends one message to a topic. *mqttclient.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type message struct {
	topic   string
	payload []byte
}

// MQTTPublisher forwards job events to MQTT topics
// <prefix>/jobs/<job_id>/<event>. Publishing happens on its own goroutine so
// a slow broker never stalls the queue's event dispatcher; when the buffer
// is full the event is dropped with a warning.
type MQTTPublisher struct {
	pub     Publisher
	prefix  string
	ch      chan message
	done    chan struct{}
	log     zerolog.Logger
	mu      sync.RWMutex // guards ch against send after close
	stopped bool
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewMQTTPublisher creates a publisher with the given buffer size. Call
// Start before events arrive and Stop on shutdown.
func NewMQTTPublisher(pub Publisher, prefix string, bufferSize int, log zerolog.Logger) *MQTTPublisher {
	if bufferSize < 1 {
		bufferSize = 256
	}
	return &MQTTPublisher{
		pub:    pub,
		prefix: prefix,
		ch:     make(chan message, bufferSize),
		done:   make(chan struct{}),
		log:    log.With().Str("component", "mqtt-publisher").Logger(),
	}
}

// Topic returns the topic an event for jobID is published on.
func (p *MQTTPublisher) Topic(jobID string, t queue.EventType) string {
	return p.prefix + "/jobs/" + jobID + "/" + string(t)
}

// Observe implements queue.Observer. Non-blocking.
func (p *MQTTPublisher) Observe(e queue.Event) {
	data, err := json.Marshal(PayloadOf(e))
	if err != nil {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return
	}
	select {
	case p.ch <- message{topic: p.Topic(e.EntryID, e.Type), payload: data}:
	default:
		p.dropped.Add(1)
		p.log.Warn().Str("job_id", e.EntryID).Str("event", string(e.Type)).Msg("mqtt publish buffer full, dropping event")
	}
}

func (p *MQTTPublisher) Start() {
	go p.worker()
}

// Stop drains buffered messages and returns once they are sent.
func (p *MQTTPublisher) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.ch)
	}
	p.mu.Unlock()
	<-p.done
}

// Dropped returns the number of events skipped because the buffer was full.
func (p *MQTTPublisher) Dropped() uint64 { return p.dropped.Load() }

// Failed returns the number of publishes the broker rejected.
func (p *MQTTPublisher) Failed() uint64 { return p.failed.Load() }

func (p *MQTTPublisher) worker() {
	defer close(p.done)
	for m := range p.ch {
		if err := p.pub.Publish(m.topic, m.payload); err != nil {
			p.failed.Add(1)
			p.log.Warn().Err(err).Str("topic", m.topic).Msg("mqtt publish failed")
		}
	}
}
