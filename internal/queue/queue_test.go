package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	return Options{
		Workers:           2,
		Retry:             RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond},
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		LivenessWindow:    time.Second,
		StallInterval:     10 * time.Millisecond,
		Log:               zerolog.Nop(),
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types(id string) []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, e := range r.events {
		if e.EntryID == id {
			out = append(out, e.Type)
		}
	}
	return out
}

func waitBucket(t *testing.T, q *Queue, id string, want Bucket) *Entry {
	t.Helper()
	var got *Entry
	require.Eventually(t, func() bool {
		e, err := q.Lookup(context.Background(), id)
		if err != nil {
			return false
		}
		got = e
		return e.Bucket == want
	}, 5*time.Second, 5*time.Millisecond, "entry %s never reached %s", id, want)
	return got
}

func TestQueue_ExhaustsRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	q := New(NewMemoryStore(), fastOptions())
	q.Register(KindTranscribe, HandlerFunc(func(ctx context.Context, e *Entry) error {
		calls.Add(1)
		return errors.New("engine unavailable")
	}))
	rec := &recorder{}
	q.Observe(rec)
	q.Start()

	require.NoError(t, q.Enqueue(context.Background(), KindTranscribe, "job-1", map[string]string{"k": "v"}))
	e := waitBucket(t, q, "job-1", BucketFailed)

	// Give a would-be fourth attempt time to show up.
	time.Sleep(50 * time.Millisecond)
	q.Stop()

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, e.Attempts)
	assert.Equal(t, "engine unavailable", e.LastError)
	// A worker may claim before Enqueue emits, so enqueued is checked apart.
	var lifecycle []EventType
	for _, typ := range rec.types("job-1") {
		if typ != EventEnqueued {
			lifecycle = append(lifecycle, typ)
		}
	}
	assert.Contains(t, rec.types("job-1"), EventEnqueued)
	assert.Equal(t, []EventType{
		EventActive, EventRetrying,
		EventActive, EventRetrying,
		EventActive, EventFailed,
	}, lifecycle)
}

func TestQueue_SucceedsOnThirdAttempt(t *testing.T) {
	var calls atomic.Int32
	q := New(NewMemoryStore(), fastOptions())
	q.Register(KindTranscribe, HandlerFunc(func(ctx context.Context, e *Entry) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}))
	q.Start()
	defer q.Stop()

	require.NoError(t, q.Enqueue(context.Background(), KindTranscribe, "job-2", nil))
	e := waitBucket(t, q, "job-2", BucketCompleted)
	assert.Equal(t, 3, e.Attempts)
	assert.Empty(t, e.LastError)
}

func TestQueue_PanicIsFailedAttempt(t *testing.T) {
	opts := fastOptions()
	opts.Retry.MaxAttempts = 1
	q := New(NewMemoryStore(), opts)
	q.Register(KindTranscribe, HandlerFunc(func(ctx context.Context, e *Entry) error {
		panic("nil transcript")
	}))
	q.Start()
	defer q.Stop()

	require.NoError(t, q.Enqueue(context.Background(), KindTranscribe, "job-3", nil))
	e := waitBucket(t, q, "job-3", BucketFailed)
	assert.Contains(t, e.LastError, "nil transcript")
}

func TestQueue_FIFOWithSingleWorker(t *testing.T) {
	opts := fastOptions()
	opts.Workers = 1
	q := New(NewMemoryStore(), opts)

	var mu sync.Mutex
	var order []string
	q.Register(KindTranscribe, HandlerFunc(func(ctx context.Context, e *Entry) error {
		mu.Lock()
		order = append(order, e.ID)
		mu.Unlock()
		return nil
	}))

	ctx := context.Background()
	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, q.Enqueue(ctx, KindTranscribe, id, nil))
	}
	q.Start()
	defer q.Stop()

	waitBucket(t, q, "third", BucketCompleted)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestQueue_BoundedConcurrency(t *testing.T) {
	opts := fastOptions()
	opts.Workers = 2
	q := New(NewMemoryStore(), opts)

	var running, peak atomic.Int32
	release := make(chan struct{})
	q.Register(KindTranscribe, HandlerFunc(func(ctx context.Context, e *Entry) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}))
	q.Start()
	defer q.Stop()

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Enqueue(ctx, KindTranscribe, id, nil))
	}
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())

	close(release)
	waitBucket(t, q, "d", BucketCompleted)
}

type stallAware struct {
	calls   atomic.Int32
	stalled atomic.Int32
}

func (h *stallAware) Handle(ctx context.Context, e *Entry) error {
	h.calls.Add(1)
	return nil
}

func (h *stallAware) Stalled(ctx context.Context, e *Entry, final bool) {
	h.stalled.Add(1)
}

func TestQueue_ReclaimsStalledEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Add(ctx, newEntry("orphan")))
	// A worker of a previous process claimed it long ago and vanished.
	_, err := store.Claim(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	h := &stallAware{}
	q := New(store, fastOptions())
	q.Register(KindTranscribe, h)
	rec := &recorder{}
	q.Observe(rec)
	q.Start()
	defer q.Stop()

	e := waitBucket(t, q, "orphan", BucketCompleted)
	assert.Equal(t, 2, e.Attempts)
	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, int32(1), h.stalled.Load())
	require.Eventually(t, func() bool {
		types := rec.types("orphan")
		return len(types) > 0 && types[len(types)-1] == EventCompleted
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, rec.types("orphan"), EventStalled)
}

// lostClaimStore reports every heartbeat as coming from a superseded claim.
type lostClaimStore struct {
	*MemoryStore
}

func (lostClaimStore) Heartbeat(context.Context, string, string, time.Time) error {
	return ErrLostClaim
}

func TestQueue_LostClaimCancelsWithCause(t *testing.T) {
	for name, timeout := range map[string]time.Duration{"no_timeout": 0, "with_timeout": time.Hour} {
		t.Run(name, func(t *testing.T) {
			opts := fastOptions()
			opts.Workers = 1
			opts.JobTimeout = timeout
			q := New(lostClaimStore{NewMemoryStore()}, opts)

			causes := make(chan error, 10)
			q.Register(KindTranscribe, HandlerFunc(func(ctx context.Context, e *Entry) error {
				<-ctx.Done()
				causes <- context.Cause(ctx)
				return ctx.Err()
			}))
			q.Start()
			defer q.Stop()

			require.NoError(t, q.Enqueue(context.Background(), KindTranscribe, "job-1", nil))
			select {
			case cause := <-causes:
				assert.ErrorIs(t, cause, ErrLostClaim)
			case <-time.After(5 * time.Second):
				t.Fatal("attempt was never cancelled")
			}
		})
	}
}

func TestQueue_ObserverOverflowIsDropped(t *testing.T) {
	opts := fastOptions()
	opts.EventBuffer = 1
	q := New(NewMemoryStore(), opts)
	q.Register(KindTranscribe, HandlerFunc(func(context.Context, *Entry) error { return nil }))

	// Not started: the dispatcher is not draining, so the buffer fills.
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, KindTranscribe, id, nil))
	}
	assert.Equal(t, int64(2), q.Dropped())
}

func TestQueue_EnqueueValidation(t *testing.T) {
	q := New(NewMemoryStore(), fastOptions())
	err := q.Enqueue(context.Background(), KindTranscribe, "x", nil)
	assert.ErrorIs(t, err, ErrUnknownKind)

	q.Register(KindTranscribe, HandlerFunc(func(context.Context, *Entry) error { return nil }))
	require.NoError(t, q.Enqueue(context.Background(), KindTranscribe, "x", nil))
	assert.ErrorIs(t, q.Enqueue(context.Background(), KindTranscribe, "x", nil), ErrDuplicate)

	q.Start()
	q.Stop()
	assert.ErrorIs(t, q.Enqueue(context.Background(), KindTranscribe, "y", nil), ErrStopped)
}

func TestQueue_HealthyAndPrune(t *testing.T) {
	q := New(NewMemoryStore(), fastOptions())
	q.Register(KindTranscribe, HandlerFunc(func(context.Context, *Entry) error { return nil }))
	assert.Error(t, q.Healthy(context.Background()))

	q.Start()
	assert.NoError(t, q.Healthy(context.Background()))

	require.NoError(t, q.Enqueue(context.Background(), KindTranscribe, "done", nil))
	waitBucket(t, q, "done", BucketCompleted)

	n, err := q.Prune(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{}, stats)

	q.Stop()
	assert.ErrorIs(t, q.Healthy(context.Background()), ErrStopped)
}
