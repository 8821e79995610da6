package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/scribe/internal/config"
	"github.com/snarg/scribe/internal/jobs"
	"github.com/snarg/scribe/internal/metrics"
	"github.com/snarg/scribe/internal/ratelimit"
)

// JobService is what the HTTP surface needs from the job service.
type JobService interface {
	JobSubmitter
	JobReader
}

// ServerOptions carries the server's dependencies. Usage, Feedback, Events
// and Watcher may be nil.
type ServerOptions struct {
	Jobs    JobService
	Uploads jobs.UploadStore
	Usage   interface {
		jobs.UsageRecorder
		jobs.UsageReporter
	}
	Blobs    BlobWriter
	Queue    QueueStatsSource
	Feedback jobs.FeedbackStore
	Events   EventSource
	Watcher  WatcherStatusProvider
	Checks   []Check

	// Limiters default to the configured general and upload limits.
	GeneralLimiter *ratelimit.Limiter
	UploadLimiter  *ratelimit.Limiter

	Version   string
	StartTime time.Time
}

type Server struct {
	http    *http.Server
	handler http.Handler
	log     zerolog.Logger
}

func NewServer(cfg *config.Config, opts ServerOptions, log zerolog.Logger) *Server {
	general := opts.GeneralLimiter
	if general == nil {
		general = ratelimit.New(cfg.Limits.Window, cfg.Limits.Requests)
	}
	uploadLimiter := opts.UploadLimiter
	if uploadLimiter == nil {
		uploadLimiter = ratelimit.New(cfg.Limits.Window, cfg.Limits.Uploads)
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(metrics.InstrumentHandler)
	r.Use(CORSWithOrigins(cfg.CORSOrigins))

	r.Handle("/metrics", promhttp.Handler())

	// Health endpoint, no auth or rate limit
	health := NewHealthHandler(opts.Checks, opts.Watcher, opts.Version, opts.StartTime)
	r.Get("/api/v1/health", health.ServeHTTP)

	var usageRecorder jobs.UsageRecorder
	var usageReporter jobs.UsageReporter
	if opts.Usage != nil {
		usageRecorder, usageReporter = opts.Usage, opts.Usage
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RateLimit(general, "general"))
		r.Use(BearerAuth(cfg.AuthToken))

		NewUploadHandler(opts.Jobs, opts.Uploads, usageRecorder, opts.Blobs,
			cfg.Limits.MaxUploadBytes, cfg.Retention.UploadTTL, log).
			Routes(r, RateLimit(uploadLimiter, "upload"))
		NewTranscriptionsHandler(opts.Jobs).Routes(r)
		NewStatsHandler(opts.Queue, usageReporter).Routes(r)
		NewFeedbackHandler(opts.Feedback).Routes(r)
		NewClientErrorsHandler().Routes(r)
		if opts.Events != nil {
			NewEventsHandler(opts.Events, cfg.CORSOrigins).Routes(r)
		}
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		handler: r,
		log:     log,
	}
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
