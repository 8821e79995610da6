// Package retention runs the periodic cleanup loops: expired uploads with
// their blobs and jobs, finished jobs without an upload, and settled queue
// entries.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/scribe/internal/metrics"
)

// UploadSweeper deletes expired uploads (and their jobs) and returns the
// storage keys of the removed uploads.
type UploadSweeper interface {
	DeleteExpiredUploads(ctx context.Context, now time.Time) ([]string, error)
}

// DetachedPurger is optionally implemented by the UploadSweeper's store.
type DetachedPurger interface {
	PurgeDetachedJobs(ctx context.Context, retention time.Duration) (int64, error)
}

type BlobDeleter interface {
	Delete(ctx context.Context, key string) (bool, error)
}

type QueuePruner interface {
	Prune(ctx context.Context, completedAge, failedAge time.Duration) (int64, error)
}

type Options struct {
	Uploads UploadSweeper
	Blobs   BlobDeleter
	Queue   QueuePruner

	SweepInterval   time.Duration // default 1h
	PruneInterval   time.Duration // default 6h
	CompletedMaxAge time.Duration // default 24h
	FailedMaxAge    time.Duration // default 7d
	DetachedMaxAge  time.Duration // default 24h

	Log zerolog.Logger
	Now func() time.Time
}

// Sweeper runs both loops. Each runs once on Start to clear any backlog
// from downtime, then on its own interval.
type Sweeper struct {
	opts     Options
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(opts Options) *Sweeper {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Hour
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = 6 * time.Hour
	}
	if opts.CompletedMaxAge <= 0 {
		opts.CompletedMaxAge = 24 * time.Hour
	}
	if opts.FailedMaxAge <= 0 {
		opts.FailedMaxAge = 7 * 24 * time.Hour
	}
	if opts.DetachedMaxAge <= 0 {
		opts.DetachedMaxAge = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{
		opts: opts,
		log:  opts.Log.With().Str("component", "retention").Logger(),
		stop: make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	if s.opts.Uploads != nil {
		s.wg.Add(1)
		go s.loop(s.opts.SweepInterval, s.sweepOnce)
	}
	if s.opts.Queue != nil {
		s.wg.Add(1)
		go s.loop(s.opts.PruneInterval, s.pruneOnce)
	}
}

// Stop ends both loops and waits for a running pass to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Sweeper) loop(interval time.Duration, pass func(ctx context.Context)) {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	pass(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pass(ctx)
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	if _, _, err := s.SweepUploads(ctx); err != nil {
		s.log.Error().Err(err).Msg("upload sweep failed")
	}
}

func (s *Sweeper) pruneOnce(ctx context.Context) {
	if _, err := s.PruneQueue(ctx); err != nil {
		s.log.Error().Err(err).Msg("queue prune failed")
	}
}

// SweepUploads deletes expired uploads, then their blobs. A blob that
// cannot be deleted is logged and left for manual cleanup; the record is
// already gone. Returns the number of uploads and blobs removed.
func (s *Sweeper) SweepUploads(ctx context.Context) (uploads, blobs int, err error) {
	keys, err := s.opts.Uploads.DeleteExpiredUploads(ctx, s.opts.Now())
	if err != nil {
		return 0, 0, err
	}
	for _, key := range keys {
		if s.opts.Blobs == nil {
			break
		}
		ok, err := s.opts.Blobs.Delete(ctx, key)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("expired blob delete failed")
			continue
		}
		if ok {
			blobs++
		}
	}

	var detached int64
	if p, ok := s.opts.Uploads.(DetachedPurger); ok {
		detached, err = p.PurgeDetachedJobs(ctx, s.opts.DetachedMaxAge)
		if err != nil {
			s.log.Warn().Err(err).Msg("detached job purge failed")
		}
	}

	metrics.RetentionDeletedTotal.WithLabelValues("upload").Add(float64(len(keys)))
	metrics.RetentionDeletedTotal.WithLabelValues("blob").Add(float64(blobs))
	metrics.RetentionDeletedTotal.WithLabelValues("detached_job").Add(float64(detached))
	if len(keys) > 0 || detached > 0 {
		s.log.Info().
			Int("uploads", len(keys)).
			Int("blobs", blobs).
			Int64("detached_jobs", detached).
			Msg("retention sweep complete")
	}
	return len(keys), blobs, nil
}

// PruneQueue removes settled queue entries past their retention.
func (s *Sweeper) PruneQueue(ctx context.Context) (int64, error) {
	n, err := s.opts.Queue.Prune(ctx, s.opts.CompletedMaxAge, s.opts.FailedMaxAge)
	if err != nil {
		return 0, err
	}
	metrics.RetentionDeletedTotal.WithLabelValues("queue_entry").Add(float64(n))
	if n > 0 {
		s.log.Info().Int64("entries", n).Msg("queue prune complete")
	}
	return n, nil
}
