package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/scribe/internal/jobs"
	"github.com/snarg/scribe/internal/queue"
	"github.com/snarg/scribe/internal/terms"
	"github.com/snarg/scribe/internal/transcript"
)

// BlobSource fetches stored media by key.
type BlobSource interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

var (
	ErrSourceUnavailable = errors.New("source media unavailable")
	ErrEngineTimeout     = errors.New("engine timed out")
)

// ExecutorOptions configures the transcription executor.
type ExecutorOptions struct {
	Jobs          jobs.Store
	Blobs         BlobSource
	Engine        Engine
	Dictionary    *terms.Dictionary
	FetchTimeout  time.Duration
	EngineTimeout time.Duration
	Log           zerolog.Logger
}

// Executor runs one transcription attempt per queue entry and owns the job
// record's transitions while it does.
type Executor struct {
	opts ExecutorOptions
	log  zerolog.Logger
	now  func() time.Time
}

// NewExecutor creates an executor. A nil dictionary disables correction.
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.EngineTimeout <= 0 {
		opts.EngineTimeout = 10 * time.Minute
	}
	if opts.Dictionary == nil {
		opts.Dictionary = terms.New(nil)
	}
	return &Executor{
		opts: opts,
		log:  opts.Log.With().Str("component", "executor").Logger(),
		now:  time.Now,
	}
}

// Handle implements queue.Handler for transcription entries.
func (x *Executor) Handle(ctx context.Context, e *queue.Entry) error {
	var p jobs.Payload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if p.JobID == "" {
		p.JobID = e.ID
	}
	log := x.log.With().Str("job_id", p.JobID).Int("attempt", e.Attempts).Logger()

	job, err := x.opts.Jobs.GetJob(ctx, p.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	switch job.State {
	case jobs.StateCompleted:
		// An earlier attempt finished after its claim was lost.
		log.Info().Msg("job already completed, skipping")
		return nil
	case jobs.StateProcessing:
		log.Warn().Msg("job still marked processing from an earlier attempt")
	default:
		if _, err := x.opts.Jobs.UpdateJobState(ctx, p.JobID, jobs.Update{State: jobs.StateProcessing}); err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
		log.Info().Str("state", string(jobs.StateProcessing)).Msg("job state changed")
	}

	start := x.now()
	result, err := x.process(ctx, p)
	elapsed := x.now().Sub(start)
	bg := context.WithoutCancel(ctx)

	if err != nil {
		if errors.Is(context.Cause(ctx), queue.ErrLostClaim) || x.superseded(bg, p.JobID, e.Attempts) {
			// The stall detector already settled this attempt and the job
			// record belongs to whichever attempt runs next.
			log.Warn().Err(err).Msg("attempt failed after its claim was lost, job record left alone")
			return err
		}
		msg := FailureMessage(err)
		if _, uerr := x.opts.Jobs.UpdateJobState(bg, p.JobID, jobs.Update{State: jobs.StateFailed, Error: msg}); uerr != nil {
			log.Error().Err(uerr).Msg("could not mark job failed")
		}
		log.Warn().Err(err).
			Str("state", string(jobs.StateFailed)).
			Str("kind", queue.ErrorKind(err)).
			Str("engine", x.opts.Engine.Name()).
			Msg("transcription attempt failed")
		x.recordUsage(bg, log, jobs.Usage{At: x.now(), ProcessingSeconds: elapsed.Seconds()})
		return err
	}

	if x.superseded(bg, p.JobID, e.Attempts) {
		log.Warn().Msg("attempt finished after a later attempt took over, result dropped")
		return nil
	}
	if _, err := x.opts.Jobs.UpdateJobState(bg, p.JobID, jobs.Update{
		State:  jobs.StateCompleted,
		Result: result,
		Engine: x.opts.Engine.Name(),
	}); err != nil {
		return fmt.Errorf("persist result: %w", err)
	}
	log.Info().
		Str("state", string(jobs.StateCompleted)).
		Str("engine", x.opts.Engine.Name()).
		Int("segments", len(result.Segments)).
		Dur("duration", elapsed).
		Msg("job state changed")
	x.recordUsage(bg, log, jobs.Usage{
		At:                x.now(),
		Completed:         true,
		ProcessingSeconds: elapsed.Seconds(),
		Confidence:        result.Confidence,
	})
	return nil
}

// Stalled implements queue.StallHandler: an attempt whose worker vanished
// is recorded as failed so the next attempt can be admitted.
func (x *Executor) Stalled(ctx context.Context, e *queue.Entry, final bool) {
	log := x.log.With().Str("job_id", e.ID).Int("attempt", e.Attempts).Bool("final", final).Logger()
	job, err := x.opts.Jobs.GetJob(ctx, e.ID)
	if err != nil {
		log.Warn().Err(err).Msg("stalled job lookup failed")
		return
	}
	if job.State != jobs.StateProcessing {
		return
	}
	if _, err := x.opts.Jobs.UpdateJobState(ctx, e.ID, jobs.Update{State: jobs.StateFailed, Error: "processing was interrupted"}); err != nil {
		log.Error().Err(err).Msg("could not mark stalled job failed")
		return
	}
	log.Warn().Str("state", string(jobs.StateFailed)).Msg("stalled job marked failed")
}

// superseded reports whether a later attempt has already admitted itself
// into the job record.
func (x *Executor) superseded(ctx context.Context, jobID string, attempt int) bool {
	job, err := x.opts.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return false
	}
	return job.Attempts > attempt
}

func (x *Executor) process(ctx context.Context, p jobs.Payload) (*transcript.Result, error) {
	// 1. Fetch source media
	fctx, cancel := context.WithTimeout(ctx, x.opts.FetchTimeout)
	audio, err := x.opts.Blobs.Get(fctx, p.StorageKey)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	// 2. Engine
	eopts := EngineOptions{
		Language:          p.Options.Language,
		IncludeTimestamps: p.Options.IncludeTimestamps,
		SpeakerDetection:  p.Options.SpeakerDetection,
	}
	if p.Options.TermCorrection {
		eopts.Prompt = x.opts.Dictionary.Prompt()
	}
	ectx, cancel := context.WithTimeout(ctx, x.opts.EngineTimeout)
	er, err := x.opts.Engine.Transcribe(ectx, audio, p.Filename, eopts)
	timedOut := errors.Is(ectx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s: %w", ErrEngineTimeout, x.opts.EngineTimeout, err)
		}
		return nil, fmt.Errorf("%s: %w", x.opts.Engine.Name(), err)
	}

	res := &transcript.Result{
		Text:       er.Text,
		Confidence: er.Confidence,
		Language:   er.Language,
	}
	if p.Options.IncludeTimestamps {
		res.Segments = er.Segments
	}

	// 3. Term correction
	if p.Options.TermCorrection {
		res.Text = x.opts.Dictionary.Correct(res.Text)
		if len(res.Segments) > 0 {
			segs, changed := x.opts.Dictionary.CorrectSegments(res.Segments)
			if changed {
				res.Segments = segs
				res.Text = transcript.JoinSegments(segs)
			}
		}
	}

	// 4. Speaker heuristic
	if p.Options.SpeakerDetection && len(res.Segments) > 0 {
		res.Segments = TagSpeakers(res.Segments)
	}

	if err := res.Validate(); err != nil {
		return nil, fmt.Errorf("%s returned %w", x.opts.Engine.Name(), err)
	}
	return res, nil
}

func (x *Executor) recordUsage(ctx context.Context, log zerolog.Logger, u jobs.Usage) {
	ur, ok := x.opts.Jobs.(jobs.UsageRecorder)
	if !ok {
		return
	}
	if err := ur.RecordUsage(ctx, u); err != nil {
		log.Warn().Err(err).Msg("usage stats update failed")
	}
}

// FailureMessage is the client-safe description of a failed attempt. The
// full error is only logged.
func FailureMessage(err error) string {
	switch {
	case errors.Is(err, ErrSourceUnavailable):
		return "source media is unavailable"
	case errors.Is(err, ErrEngineTimeout), errors.Is(err, context.DeadlineExceeded):
		return "transcription timed out"
	case errors.Is(err, ErrRateLimited):
		return "transcription engine rate limit exceeded, please try again later"
	case errors.Is(err, ErrQuotaExceeded):
		return "transcription engine quota exceeded, please contact support"
	case errors.Is(err, ErrUnsupportedMedia):
		return "unsupported audio format for transcription"
	case errors.Is(err, transcript.ErrInvalidSegment):
		return "transcription engine returned an invalid result"
	}
	return "audio transcription failed"
}
