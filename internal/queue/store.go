package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists queue entries. Claim hands out a token that every later
// mutation of the entry must present; a mismatch yields ErrLostClaim.
type Store interface {
	Add(ctx context.Context, e *Entry) error
	Claim(ctx context.Context, now time.Time) (*Entry, error)
	Heartbeat(ctx context.Context, id, token string, now time.Time) error
	Complete(ctx context.Context, id, token string, now time.Time) error
	Reschedule(ctx context.Context, id, token string, runAt time.Time, errMsg string) error
	Fail(ctx context.Context, id, token, errMsg string, now time.Time) error
	ReclaimStale(ctx context.Context, cutoff time.Time) ([]Entry, error)
	Lookup(ctx context.Context, id string) (*Entry, error)
	Counts(ctx context.Context, now time.Time) (Counts, error)
	Prune(ctx context.Context, b Bucket, olderThan time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

func checkPrunable(b Bucket) error {
	if b != BucketCompleted && b != BucketFailed {
		return fmt.Errorf("prune: bucket %q is not terminal", b)
	}
	return nil
}

// MemoryStore keeps entries in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	seq     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Add(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, e.ID)
	}
	s.seq++
	e.Seq = s.seq
	if e.Bucket == "" {
		e.Bucket = BucketWaiting
	}
	c := *e
	s.entries[e.ID] = &c
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, now time.Time) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *Entry
	for _, e := range s.entries {
		if !e.ready(now) {
			continue
		}
		if next == nil || e.Priority > next.Priority ||
			(e.Priority == next.Priority && e.Seq < next.Seq) {
			next = e
		}
	}
	if next == nil {
		return nil, ErrEmpty
	}
	hb := now
	next.Bucket = BucketActive
	next.Attempts++
	next.Token = uuid.NewString()
	next.Heartbeat = &hb
	c := *next
	return &c, nil
}

// held returns the entry if token still owns it.
func (s *MemoryStore) held(id, token string) (*Entry, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Bucket != BucketActive || e.Token != token {
		return nil, ErrLostClaim
	}
	return e, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, id, token string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.held(id, token)
	if err != nil {
		return err
	}
	e.Heartbeat = &now
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, id, token string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.held(id, token)
	if err != nil {
		return err
	}
	e.Bucket = BucketCompleted
	e.Token = ""
	e.Heartbeat = nil
	e.LastError = ""
	e.FinishedAt = now
	return nil
}

func (s *MemoryStore) Reschedule(_ context.Context, id, token string, runAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.held(id, token)
	if err != nil {
		return err
	}
	e.Bucket = BucketDelayed
	e.RunAt = runAt
	e.Token = ""
	e.Heartbeat = nil
	e.LastError = errMsg
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, id, token, errMsg string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.held(id, token)
	if err != nil {
		return err
	}
	e.Bucket = BucketFailed
	e.Token = ""
	e.Heartbeat = nil
	e.LastError = errMsg
	e.FinishedAt = now
	return nil
}

func (s *MemoryStore) ReclaimStale(_ context.Context, cutoff time.Time) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.Bucket != BucketActive || e.Heartbeat == nil || !e.Heartbeat.Before(cutoff) {
			continue
		}
		e.Token = uuid.NewString()
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) Lookup(_ context.Context, id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *e
	return &c, nil
}

func (s *MemoryStore) Counts(_ context.Context, now time.Time) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c Counts
	for _, e := range s.entries {
		c.add(e, now)
	}
	return c, nil
}

func (s *MemoryStore) Prune(_ context.Context, b Bucket, olderThan time.Time) (int64, error) {
	if err := checkPrunable(b); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.entries {
		if e.Bucket == b && e.FinishedAt.Before(olderThan) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
