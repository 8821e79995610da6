package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store persists job records and enforces the lifecycle transition table.
type Store interface {
	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	UpdateJobState(ctx context.Context, id string, u Update) (*Job, error)
	DeleteJob(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// MemoryStore is a process-local Store, UploadStore, FeedbackStore and
// usage recorder used in tests and when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	uploads  map[string]*Upload
	usage    map[string]*usageAcc
	feedback []*Feedback
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*Job),
		uploads: make(map[string]*Upload),
		usage:   make(map[string]*usageAcc),
		now:     time.Now,
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	if j.State == "" {
		j.State = StatePending
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.now()
	}
	s.jobs[j.ID] = cloneJob(j)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) UpdateJobState(_ context.Context, id string, u Update) (*Job, error) {
	if !u.State.valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, u.State)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !CanTransition(j.State, u.State) {
		return nil, &TransitionError{JobID: id, From: j.State, To: u.State}
	}
	j.Apply(u, s.now())
	return cloneJob(j), nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// PurgeDetachedJobs deletes finished jobs without an upload that completed
// more than retention ago.
func (s *MemoryStore) PurgeDetachedJobs(_ context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.UploadID == "" && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func cloneJob(j *Job) *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		r.Segments = append(r.Segments[:0:0], j.Result.Segments...)
		c.Result = &r
	}
	return &c
}
