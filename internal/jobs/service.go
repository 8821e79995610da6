package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/scribe/internal/queue"
	"github.com/snarg/scribe/internal/transcript"
)

// Queue is the part of the job queue the service needs.
type Queue interface {
	Enqueue(ctx context.Context, kind queue.Kind, id string, payload any) error
	Lookup(ctx context.Context, id string) (*queue.Entry, error)
}

// Service is the admission and read surface for transcription jobs.
type Service struct {
	store Store
	queue Queue
	log   zerolog.Logger
	now   func() time.Time
}

func NewService(store Store, q Queue, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		queue: q,
		log:   log.With().Str("component", "jobs").Logger(),
		now:   time.Now,
	}
}

// SubmitRequest describes media already placed in the blob store.
type SubmitRequest struct {
	UploadID   string
	StorageKey string
	Filename   string
	Options    Options
}

// Submit records a pending job and hands it to the queue. The job exists
// only if the queue accepted it.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if req.StorageKey == "" {
		return nil, fmt.Errorf("%w: storage key is required", ErrInvalidOptions)
	}
	opts := req.Options
	if err := opts.Normalize(); err != nil {
		return nil, err
	}

	job := &Job{
		ID:         uuid.NewString(),
		UploadID:   req.UploadID,
		StorageKey: req.StorageKey,
		Filename:   req.Filename,
		Options:    opts,
		State:      StatePending,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	payload := Payload{JobID: job.ID, StorageKey: job.StorageKey, Filename: job.Filename, Options: opts}
	if err := s.queue.Enqueue(ctx, queue.KindTranscribe, job.ID, payload); err != nil {
		if derr := s.store.DeleteJob(context.WithoutCancel(ctx), job.ID); derr != nil {
			s.log.Error().Err(derr).Str("job_id", job.ID).Msg("failed to remove job after enqueue error")
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.log.Info().
		Str("job_id", job.ID).
		Str("state", string(job.State)).
		Str("upload_id", job.UploadID).
		Str("language", opts.Language).
		Msg("job submitted")
	return job, nil
}

// Get returns the raw job record.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.GetJob(ctx, id)
}

// Stage labels reported while a job is processing.
const (
	StageTranscribing = "transcribing"
	StageRetrying     = "retrying"
)

// StatusView is the externally visible progress of a job.
type StatusView struct {
	ID               string     `json:"id"`
	State            State      `json:"status"`
	Progress         int        `json:"progress"`
	Stage            string     `json:"current_stage,omitempty"`
	EstimatedSeconds *int       `json:"estimated_time,omitempty"`
	Attempts         int        `json:"attempts"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Status reports state and progress. A failed record whose queue entry is
// still waiting for another attempt is shown as processing.
func (s *Service) Status(ctx context.Context, id string) (*StatusView, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	v := &StatusView{
		ID:          job.ID,
		State:       job.State,
		Attempts:    job.Attempts,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}

	switch job.State {
	case StatePending:
		v.Progress = 0
	case StateProcessing:
		v.Stage = StageTranscribing
		s.estimate(v, job)
	case StateCompleted:
		v.Progress = 100
	case StateFailed:
		if s.retryPending(ctx, id) {
			v.State = StateProcessing
			v.Stage = StageRetrying
			v.CompletedAt = nil
			s.estimate(v, job)
		} else {
			v.Error = job.Error
		}
	}
	return v, nil
}

// estimate derives progress from time since admission: 20% per minute,
// capped at 95 until the job completes.
func (s *Service) estimate(v *StatusView, job *Job) {
	elapsed := s.now().Sub(job.CreatedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	p := int(elapsed.Minutes() * 20)
	if p > 95 {
		p = 95
	}
	v.Progress = p
	eta := 300 - p*3
	if eta < 0 {
		eta = 0
	}
	v.EstimatedSeconds = &eta
}

func (s *Service) retryPending(ctx context.Context, id string) bool {
	entry, err := s.queue.Lookup(ctx, id)
	if err != nil {
		if !errors.Is(err, queue.ErrNotFound) {
			s.log.Warn().Err(err).Str("job_id", id).Msg("queue lookup failed")
		}
		return false
	}
	switch entry.Bucket {
	case queue.BucketWaiting, queue.BucketDelayed, queue.BucketActive:
		return true
	}
	return false
}

// Rendered is a result converted into one output format.
type Rendered struct {
	JobID       string            `json:"job_id"`
	Format      transcript.Format `json:"format"`
	Content     string            `json:"content"`
	ContentType string            `json:"mime_type"`
	Filename    string            `json:"filename"`
}

// Result renders a completed job's result.
func (s *Service) Result(ctx context.Context, id string, f transcript.Format) (*Rendered, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State != StateCompleted || job.Result == nil {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotReady, id, job.State)
	}

	meta := transcript.Meta{SourceName: job.Filename}
	if job.CompletedAt != nil {
		meta.GeneratedAt = *job.CompletedAt
	}
	content, err := transcript.Render(*job.Result, f, meta)
	if err != nil {
		return nil, err
	}

	return &Rendered{
		JobID:       job.ID,
		Format:      f,
		Content:     content,
		ContentType: transcript.ContentType(f),
		Filename:    downloadName(job.Filename, f),
	}, nil
}

func downloadName(source string, f transcript.Format) string {
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	if base == "" || base == "." {
		base = "transcript"
	}
	return base + "." + transcript.Extension(f)
}
