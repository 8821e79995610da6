package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type Config struct {
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"60s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken   string   `env:"AUTH_TOKEN"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`

	// DatabaseURL is optional; without it job and upload records live in memory.
	DatabaseURL string `env:"DATABASE_URL"`

	StorageDir   string        `env:"STORAGE_DIR" envDefault:"./data/uploads"`
	FetchTimeout time.Duration `env:"STORAGE_FETCH_TIMEOUT" envDefault:"30s"`
	S3           S3Config      `envPrefix:"S3_"`

	Queue     QueueConfig     `envPrefix:"QUEUE_"`
	Engine    EngineConfig    `envPrefix:"ENGINE_"`
	Limits    LimitsConfig    `envPrefix:"LIMIT_"`
	Retention RetentionConfig `envPrefix:"RETENTION_"`
	MQTT      MQTTConfig      `envPrefix:"MQTT_"`

	WatchDir    string        `env:"WATCH_DIR"`
	WatchSettle time.Duration `env:"WATCH_SETTLE" envDefault:"2s"`
}

// S3Config enables S3 blob storage when Bucket is set.
type S3Config struct {
	Bucket     string `env:"BUCKET"`
	Endpoint   string `env:"ENDPOINT"`
	Region     string `env:"REGION" envDefault:"us-east-1"`
	AccessKey  string `env:"ACCESS_KEY"`
	SecretKey  string `env:"SECRET_KEY"`
	Prefix     string `env:"PREFIX"`
	LocalCache bool   `env:"LOCAL_CACHE" envDefault:"true"`
}

func (c S3Config) Enabled() bool { return c.Bucket != "" }

type QueueConfig struct {
	Backend       string        `env:"BACKEND" envDefault:"sqlite"`
	Path          string        `env:"PATH" envDefault:"./data/queue.db"`
	Workers       int           `env:"WORKERS" envDefault:"2"`
	MaxAttempts   int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	BaseDelay     time.Duration `env:"BASE_DELAY" envDefault:"2s"`
	Heartbeat     time.Duration `env:"HEARTBEAT" envDefault:"10s"`
	StallInterval time.Duration `env:"STALL_INTERVAL" envDefault:"30s"`
	JobTimeout    time.Duration `env:"JOB_TIMEOUT" envDefault:"15m"`
}

// EngineConfig selects the speech engine. An empty provider means whisper
// when an API key is configured and the stand-in otherwise.
type EngineConfig struct {
	Provider     string        `env:"PROVIDER"`
	URL          string        `env:"URL"`
	APIKey       string        `env:"API_KEY"`
	Model        string        `env:"MODEL"`
	Temperature  float64       `env:"TEMPERATURE" envDefault:"0"`
	Timeout      time.Duration `env:"TIMEOUT" envDefault:"10m"`
	StandInDelay time.Duration `env:"STANDIN_DELAY" envDefault:"2s"`
}

const (
	ProviderWhisper   = "whisper"
	ProviderDeepInfra = "deepinfra"
	ProviderStandIn   = "standin"
)

// ResolvedProvider returns the provider that will actually be used.
func (c EngineConfig) ResolvedProvider() string {
	if c.Provider != "" {
		return c.Provider
	}
	if c.APIKey != "" {
		return ProviderWhisper
	}
	return ProviderStandIn
}

type LimitsConfig struct {
	MaxUploadBytes int64         `env:"MAX_UPLOAD_BYTES" envDefault:"524288000"`
	Window         time.Duration `env:"WINDOW" envDefault:"15m"`
	Requests       int           `env:"REQUESTS" envDefault:"100"`
	Uploads        int           `env:"UPLOADS" envDefault:"10"`
}

type RetentionConfig struct {
	UploadTTL       time.Duration `env:"UPLOAD_TTL" envDefault:"24h"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	PruneInterval   time.Duration `env:"PRUNE_INTERVAL" envDefault:"6h"`
	CompletedMaxAge time.Duration `env:"COMPLETED_MAX_AGE" envDefault:"24h"`
	FailedMaxAge    time.Duration `env:"FAILED_MAX_AGE" envDefault:"168h"`
}

// MQTTConfig enables lifecycle event publishing when BrokerURL is set.
type MQTTConfig struct {
	BrokerURL   string `env:"BROKER_URL"`
	ClientID    string `env:"CLIENT_ID" envDefault:"scribe"`
	Username    string `env:"USERNAME"`
	Password    string `env:"PASSWORD"`
	TopicPrefix string `env:"TOPIC_PREFIX" envDefault:"scribe"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	StorageDir  string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.StorageDir != "" {
		cfg.StorageDir = overrides.StorageDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	switch c.Queue.Backend {
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("QUEUE_BACKEND: unknown backend %q", c.Queue.Backend))
	}
	if c.Queue.Workers < 1 {
		errs = append(errs, errors.New("QUEUE_WORKERS must be at least 1"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("QUEUE_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Queue.BaseDelay < 0 {
		errs = append(errs, errors.New("QUEUE_BASE_DELAY must not be negative"))
	}
	switch c.Engine.ResolvedProvider() {
	case ProviderWhisper, ProviderDeepInfra:
		if c.Engine.APIKey == "" && c.Engine.URL == "" {
			errs = append(errs, fmt.Errorf("ENGINE_PROVIDER %s needs ENGINE_API_KEY or ENGINE_URL", c.Engine.ResolvedProvider()))
		}
	case ProviderStandIn:
	default:
		errs = append(errs, fmt.Errorf("ENGINE_PROVIDER: unknown provider %q", c.Engine.Provider))
	}
	if c.Limits.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("LIMIT_MAX_UPLOAD_BYTES must be positive"))
	}
	if c.Limits.Window <= 0 || c.Limits.Requests < 1 || c.Limits.Uploads < 1 {
		errs = append(errs, errors.New("LIMIT_WINDOW, LIMIT_REQUESTS and LIMIT_UPLOADS must be positive"))
	}
	if c.Retention.UploadTTL <= 0 {
		errs = append(errs, errors.New("RETENTION_UPLOAD_TTL must be positive"))
	}
	return errors.Join(errs...)
}
