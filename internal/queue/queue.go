package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Handler executes one claimed entry. A returned error counts as a failed
// attempt.
type Handler interface {
	Handle(ctx context.Context, e *Entry) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e *Entry) error

func (f HandlerFunc) Handle(ctx context.Context, e *Entry) error { return f(ctx, e) }

// StallHandler is implemented by handlers that must react when an entry's
// worker stopped heartbeating and the entry was taken back.
type StallHandler interface {
	Stalled(ctx context.Context, e *Entry, final bool)
}

// Options configures a Queue.
type Options struct {
	Workers           int
	Retry             RetryPolicy
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	LivenessWindow    time.Duration
	StallInterval     time.Duration
	JobTimeout        time.Duration
	EventBuffer       int
	Log               zerolog.Logger
	Now               func() time.Time
}

func (o *Options) setDefaults() {
	if o.Workers < 1 {
		o.Workers = 2
	}
	if o.Retry.MaxAttempts < 1 {
		o.Retry.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if o.Retry.BaseDelay <= 0 {
		o.Retry.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.LivenessWindow <= 0 {
		o.LivenessWindow = 6 * o.HeartbeatInterval
	}
	if o.StallInterval <= 0 {
		o.StallInterval = 30 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Queue admits entries into a Store and runs them on a fixed pool of
// workers.
type Queue struct {
	store    Store
	opts     Options
	log      zerolog.Logger
	handlers map[Kind]Handler

	wake      chan struct{}
	events    chan Event
	observers observerSet
	dropped   atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	dispatch sync.WaitGroup
	done     chan struct{}
	started  atomic.Bool
	stopped  atomic.Bool

	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// New creates a queue over store. Handlers must be registered before Start.
func New(store Store, opts Options) *Queue {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:    store,
		opts:     opts,
		log:      opts.Log.With().Str("component", "queue").Logger(),
		handlers: make(map[Kind]Handler),
		wake:     make(chan struct{}, opts.Workers),
		events:   make(chan Event, opts.EventBuffer),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Register binds a handler to kind.
func (q *Queue) Register(kind Kind, h Handler) {
	if !kind.Valid() {
		panic(fmt.Sprintf("queue: register unknown kind %q", kind))
	}
	q.handlers[kind] = h
}

// Observe adds an event observer.
func (q *Queue) Observe(o Observer) { q.observers.add(o) }

// Enqueue durably records a new entry and returns without waiting for it to
// run. id must be unique among live entries.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, id string, payload any) error {
	if q.stopped.Load() {
		return ErrStopped
	}
	if _, ok := q.handlers[kind]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}

	now := q.opts.Now().UTC()
	e := &Entry{
		ID:          id,
		Kind:        kind,
		Payload:     raw,
		Bucket:      BucketWaiting,
		MaxAttempts: q.opts.Retry.MaxAttempts,
		RunAt:       now,
		CreatedAt:   now,
	}
	if err := q.store.Add(ctx, e); err != nil {
		return fmt.Errorf("add entry: %w", err)
	}

	q.emit(Event{Type: EventEnqueued, EntryID: id, Kind: kind, At: now})
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// Lookup returns the stored entry for id.
func (q *Queue) Lookup(ctx context.Context, id string) (*Entry, error) {
	return q.store.Lookup(ctx, id)
}

// Start launches workers, the stalled detector and the event dispatcher.
func (q *Queue) Start() {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	q.dispatch.Add(1)
	go q.dispatcher()

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.wg.Add(1)
	go q.stallDetector()

	q.log.Info().
		Int("workers", q.opts.Workers).
		Int("max_attempts", q.opts.Retry.MaxAttempts).
		Dur("base_delay", q.opts.Retry.BaseDelay).
		Msg("queue started")
}

// Stop cancels in-flight handlers, waits for workers and flushes pending
// events to observers.
func (q *Queue) Stop() {
	if !q.stopped.CompareAndSwap(false, true) {
		return
	}
	q.cancel()
	q.wg.Wait()
	close(q.done)
	q.dispatch.Wait()
	q.log.Info().
		Int64("completed", q.completed.Load()).
		Int64("failed", q.failed.Load()).
		Int64("retried", q.retried.Load()).
		Int64("events_dropped", q.dropped.Load()).
		Msg("queue stopped")
}

// Stats returns current bucket counts.
func (q *Queue) Stats(ctx context.Context) (Counts, error) {
	return q.store.Counts(ctx, q.opts.Now())
}

// Dropped returns how many events were discarded because observers lagged.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Workers returns the configured worker count.
func (q *Queue) Workers() int { return q.opts.Workers }

// Healthy reports whether the pool is running and its store reachable.
func (q *Queue) Healthy(ctx context.Context) error {
	if !q.started.Load() {
		return errors.New("queue not started")
	}
	if q.stopped.Load() {
		return ErrStopped
	}
	return q.store.Ping(ctx)
}

// Prune removes terminal entries finished longer ago than the given ages.
func (q *Queue) Prune(ctx context.Context, completedAge, failedAge time.Duration) (int64, error) {
	now := q.opts.Now()
	c, err := q.store.Prune(ctx, BucketCompleted, now.Add(-completedAge))
	if err != nil {
		return 0, err
	}
	f, err := q.store.Prune(ctx, BucketFailed, now.Add(-failedAge))
	if err != nil {
		return c, err
	}
	if c+f > 0 {
		q.log.Info().Int64("completed", c).Int64("failed", f).Msg("pruned queue entries")
	}
	return c + f, nil
}

func (q *Queue) emit(e Event) {
	select {
	case q.events <- e:
	default:
		q.dropped.Add(1)
	}
}

func (q *Queue) dispatcher() {
	defer q.dispatch.Done()
	for {
		select {
		case e := <-q.events:
			q.deliver(e)
		case <-q.done:
			for {
				select {
				case e := <-q.events:
					q.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Interface("panic", r).Str("event", string(e.Type)).Msg("observer panicked")
		}
	}()
	q.observers.notify(e)
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log := q.log.With().Int("worker", id).Logger()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything ready before sleeping.
		for q.ctx.Err() == nil {
			e, err := q.store.Claim(q.ctx, q.opts.Now().UTC())
			if errors.Is(err, ErrEmpty) {
				break
			}
			if err != nil {
				if q.ctx.Err() == nil {
					log.Error().Err(err).Msg("claim failed")
				}
				break
			}
			q.run(log, e)
		}

		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

func (q *Queue) run(log zerolog.Logger, e *Entry) {
	start := q.opts.Now()
	log = log.With().Str("job_id", e.ID).Int("attempt", e.Attempts).Logger()
	q.emit(Event{Type: EventActive, EntryID: e.ID, Kind: e.Kind, Attempt: e.Attempts, At: start})
	log.Debug().Msg("entry claimed")

	// The heartbeat cancels with ErrLostClaim so handlers can tell a lost
	// claim from shutdown or timeout via context.Cause.
	ctx, cancel := context.WithCancelCause(q.ctx)
	defer cancel(nil)
	if q.opts.JobTimeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, q.opts.JobTimeout)
		defer stop()
	}

	hbDone := make(chan struct{})
	go q.heartbeat(ctx, cancel, e, hbDone)

	err := q.invoke(ctx, e)
	cancel(nil)
	<-hbDone

	// Shutdown interrupted the attempt; leave it active so the stalled
	// detector returns it after restart.
	if q.ctx.Err() != nil && err != nil {
		log.Warn().Err(err).Msg("attempt interrupted by shutdown")
		return
	}

	bg := context.WithoutCancel(q.ctx)
	elapsed := q.opts.Now().Sub(start)
	if err == nil {
		if cerr := q.store.Complete(bg, e.ID, e.Token, q.opts.Now().UTC()); cerr != nil {
			log.Warn().Err(cerr).Msg("could not record completion")
			return
		}
		q.completed.Add(1)
		q.emit(Event{Type: EventCompleted, EntryID: e.ID, Kind: e.Kind, Attempt: e.Attempts, Duration: elapsed, At: q.opts.Now()})
		log.Info().Dur("duration", elapsed).Msg("entry completed")
		return
	}

	q.settleFailure(bg, log, e, err, elapsed)
}

// settleFailure applies the retry policy to a failed attempt.
func (q *Queue) settleFailure(ctx context.Context, log zerolog.Logger, e *Entry, cause error, elapsed time.Duration) bool {
	now := q.opts.Now().UTC()
	msg := cause.Error()
	if e.Attempts < e.MaxAttempts {
		runAt := now.Add(q.opts.Retry.Delay(e.Attempts))
		if err := q.store.Reschedule(ctx, e.ID, e.Token, runAt, msg); err != nil {
			log.Warn().Err(err).Msg("could not reschedule entry")
			return false
		}
		q.retried.Add(1)
		q.emit(Event{Type: EventRetrying, EntryID: e.ID, Kind: e.Kind, Attempt: e.Attempts, Err: msg, Duration: elapsed, RunAt: runAt, At: now})
		log.Warn().Err(cause).Str("kind", ErrorKind(cause)).Time("run_at", runAt).Msg("attempt failed, retry scheduled")
		return false
	}

	if err := q.store.Fail(ctx, e.ID, e.Token, msg, now); err != nil {
		log.Warn().Err(err).Msg("could not dead-letter entry")
		return false
	}
	q.failed.Add(1)
	q.emit(Event{Type: EventFailed, EntryID: e.ID, Kind: e.Kind, Attempt: e.Attempts, Err: msg, Duration: elapsed, At: now})
	log.Error().Err(cause).Str("kind", ErrorKind(cause)).Msg("attempts exhausted, entry failed")
	return true
}

func (q *Queue) invoke(ctx context.Context, e *Entry) (err error) {
	h, ok := q.handlers[e.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, e.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().
				Str("job_id", e.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, e)
}

func (q *Queue) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, e *Entry, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := q.store.Heartbeat(ctx, e.ID, e.Token, q.opts.Now().UTC())
			if errors.Is(err, ErrLostClaim) || errors.Is(err, ErrNotFound) {
				q.log.Warn().Str("job_id", e.ID).Msg("claim lost, cancelling attempt")
				cancel(ErrLostClaim)
				return
			}
			if err != nil && ctx.Err() == nil {
				q.log.Warn().Err(err).Str("job_id", e.ID).Msg("heartbeat failed")
			}
		}
	}
}

func (q *Queue) stallDetector() {
	defer q.wg.Done()
	// One pass at start recovers entries a previous process left active.
	q.reclaim()
	ticker := time.NewTicker(q.opts.StallInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.reclaim()
		}
	}
}

// errStalled is recorded for attempts whose worker stopped heartbeating.
var errStalled = errors.New("worker stalled")

func (q *Queue) reclaim() {
	cutoff := q.opts.Now().UTC().Add(-q.opts.LivenessWindow)
	stale, err := q.store.ReclaimStale(q.ctx, cutoff)
	if err != nil {
		if q.ctx.Err() == nil {
			q.log.Error().Err(err).Msg("stalled entry scan failed")
		}
		return
	}
	bg := context.WithoutCancel(q.ctx)
	for i := range stale {
		e := &stale[i]
		log := q.log.With().Str("job_id", e.ID).Int("attempt", e.Attempts).Logger()
		q.emit(Event{Type: EventStalled, EntryID: e.ID, Kind: e.Kind, Attempt: e.Attempts, Err: errStalled.Error(), At: q.opts.Now()})
		log.Warn().Msg("entry stalled, reclaiming")
		final := q.settleFailure(bg, log, e, errStalled, 0)
		if sh, ok := q.handlers[e.Kind].(StallHandler); ok {
			sh.Stalled(bg, e, final)
		}
	}
	if len(stale) > 0 {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}
