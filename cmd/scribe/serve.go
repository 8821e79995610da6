package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/snarg/scribe/internal/api"
	"github.com/snarg/scribe/internal/config"
	"github.com/snarg/scribe/internal/database"
	"github.com/snarg/scribe/internal/events"
	"github.com/snarg/scribe/internal/ingest"
	"github.com/snarg/scribe/internal/jobs"
	"github.com/snarg/scribe/internal/metrics"
	"github.com/snarg/scribe/internal/mqttclient"
	"github.com/snarg/scribe/internal/queue"
	"github.com/snarg/scribe/internal/ratelimit"
	"github.com/snarg/scribe/internal/retention"
	"github.com/snarg/scribe/internal/storage"
	"github.com/snarg/scribe/internal/terms"
	"github.com/snarg/scribe/internal/transcribe"
)

// metadataStore is what both the PostgreSQL and the in-memory backends
// provide.
type metadataStore interface {
	jobs.Store
	jobs.UploadStore
	jobs.UsageRecorder
	jobs.UsageReporter
	jobs.FeedbackStore
	PurgeDetachedJobs(ctx context.Context, retention time.Duration) (int64, error)
}

const eventReplayBuffer = 1000

func runServe(parent context.Context, overrides config.Overrides) error {
	startTime := time.Now()

	cfg, err := config.Load(overrides)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("scribe starting")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metadata store
	var store metadataStore
	var db *database.DB
	if cfg.DatabaseURL != "" {
		dbLog := log.With().Str("component", "database").Logger()
		db, err = database.Connect(ctx, cfg.DatabaseURL, dbLog)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()
		if err := db.InitSchema(ctx); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		store = db
	} else {
		log.Warn().Msg("DATABASE_URL not set, job and upload records are kept in memory")
		store = jobs.NewMemoryStore()
	}

	// Blob storage
	storageLog := log.With().Str("component", "storage").Logger()
	blobs, blobServices, err := storage.New(cfg.S3, cfg.StorageDir, storageLog)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	for _, bg := range blobServices {
		bg.Start()
	}
	log.Info().Str("type", blobs.Type()).Str("dir", cfg.StorageDir).Msg("blob storage ready")

	// Queue
	queueLog := log.With().Str("component", "queue").Logger()
	var queueStore queue.Store
	switch cfg.Queue.Backend {
	case "memory":
		queueStore = queue.NewMemoryStore()
	default:
		sqlite, err := queue.OpenSQLite(ctx, cfg.Queue.Path)
		if err != nil {
			return fmt.Errorf("open queue: %w", err)
		}
		queueStore = sqlite
	}
	defer queueStore.Close()

	q := queue.New(queueStore, queue.Options{
		Workers: cfg.Queue.Workers,
		Retry: queue.RetryPolicy{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BaseDelay:   cfg.Queue.BaseDelay,
		},
		HeartbeatInterval: cfg.Queue.Heartbeat,
		StallInterval:     cfg.Queue.StallInterval,
		JobTimeout:        cfg.Queue.JobTimeout,
		Log:               queueLog,
	})

	engine := newEngine(cfg.Engine)
	log.Info().Str("engine", engine.Name()).Str("model", engine.Model()).Msg("speech engine selected")

	q.Register(queue.KindTranscribe, transcribe.NewExecutor(transcribe.ExecutorOptions{
		Jobs:          store,
		Blobs:         blobs,
		Engine:        engine,
		Dictionary:    terms.Default(),
		FetchTimeout:  cfg.FetchTimeout,
		EngineTimeout: cfg.Engine.Timeout,
		Log:           log,
	}))

	// Live events
	bus := events.NewBus(eventReplayBuffer)
	q.Observe(bus)
	q.Observe(metrics.QueueObserver{})

	checks := []api.Check{
		{Name: "database", Critical: true, Probe: store.Ping},
		{Name: "queue", Probe: q.Healthy},
		{Name: "storage", Probe: blobs.Ping},
	}

	var mqttClient *mqttclient.Client
	var mqttPub *events.MQTTPublisher
	if cfg.MQTT.BrokerURL != "" {
		mqttLog := log.With().Str("component", "mqtt").Logger()
		mqttClient, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL: cfg.MQTT.BrokerURL,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			Log:       mqttLog,
		})
		if err != nil {
			// Event publishing is optional; transcription keeps running.
			mqttLog.Error().Err(err).Msg("mqtt connect failed, lifecycle events will not be published")
		} else {
			mqttPub = events.NewMQTTPublisher(mqttClient, cfg.MQTT.TopicPrefix, 0, mqttLog)
			mqttPub.Start()
			q.Observe(mqttPub)
			checks = append(checks, api.Check{Name: "mqtt", Probe: func(context.Context) error {
				if !mqttClient.IsConnected() {
					return mqttclient.ErrNotConnected
				}
				return nil
			}})
		}
	}

	var pool *pgxpool.Pool
	if db != nil {
		pool = db.Pool
	}
	prometheus.MustRegister(metrics.NewCollector(pool, q, bus))

	svc := jobs.NewService(store, q, log.With().Str("component", "jobs").Logger())

	sweeper := retention.New(retention.Options{
		Uploads:         store,
		Blobs:           blobs,
		Queue:           q,
		SweepInterval:   cfg.Retention.SweepInterval,
		PruneInterval:   cfg.Retention.PruneInterval,
		CompletedMaxAge: cfg.Retention.CompletedMaxAge,
		FailedMaxAge:    cfg.Retention.FailedMaxAge,
		DetachedMaxAge:  cfg.Retention.UploadTTL,
		Log:             log.With().Str("component", "retention").Logger(),
	})

	var watcher *ingest.FileWatcher
	if cfg.WatchDir != "" {
		watcher = ingest.NewFileWatcher(ingest.WatcherOptions{
			Dir:      cfg.WatchDir,
			Settle:   cfg.WatchSettle,
			MaxBytes: cfg.Limits.MaxUploadBytes,
			Blobs:    blobs,
			Jobs:     svc,
			Log:      log.With().Str("component", "watcher").Logger(),
		})
	}

	general := ratelimit.New(cfg.Limits.Window, cfg.Limits.Requests)
	uploads := ratelimit.New(cfg.Limits.Window, cfg.Limits.Uploads)
	go general.Run(ctx, 5*time.Minute)
	go uploads.Run(ctx, 5*time.Minute)

	opts := api.ServerOptions{
		Jobs:           svc,
		Uploads:        store,
		Usage:          store,
		Blobs:          blobs,
		Queue:          q,
		Feedback:       store,
		Events:         bus,
		Checks:         checks,
		GeneralLimiter: general,
		UploadLimiter:  uploads,
		Version:        version,
		StartTime:      startTime,
	}
	if watcher != nil {
		opts.Watcher = watcher
	}
	srv := api.NewServer(cfg, opts, log.With().Str("component", "http").Logger())

	// Workers start before intake so recovered entries run first.
	q.Start()
	sweeper.Start()
	if watcher != nil {
		if err := watcher.Start(); err != nil {
			log.Error().Err(err).Str("dir", cfg.WatchDir).Msg("watch folder disabled")
			watcher = nil
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	if watcher != nil {
		watcher.Stop()
	}
	sweeper.Stop()
	q.Stop()
	if mqttPub != nil {
		mqttPub.Stop()
	}
	if mqttClient != nil {
		mqttClient.Close()
	}
	for _, bg := range blobServices {
		bg.Stop()
	}

	log.Info().Msg("scribe stopped")
	return runErr
}

func newEngine(cfg config.EngineConfig) transcribe.Engine {
	switch cfg.ResolvedProvider() {
	case config.ProviderWhisper:
		return transcribe.NewWhisperClient(transcribe.WhisperOptions{
			URL:         cfg.URL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		})
	case config.ProviderDeepInfra:
		return transcribe.NewDeepInfraClient(cfg.URL, cfg.APIKey, cfg.Model, cfg.Timeout)
	default:
		return &transcribe.StandIn{Delay: cfg.StandInDelay}
	}
}
