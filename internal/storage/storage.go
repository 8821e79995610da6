package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/scribe/internal/config"
)

// ErrNotFound is returned by Get when no blob exists under the key.
var ErrNotFound = errors.New("blob not found")

// BlobStore abstracts media storage backends. Keys are slash-separated
// relative paths as produced by NewKey.
type BlobStore interface {
	// Put stores data and returns a backend-specific locator for logging.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the blob and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Type returns "local", "s3", or "tiered".
	Type() string
}

// New creates a BlobStore based on config. Returns the store and optional
// background services (reconciler) that the caller must Start/Stop.
// Returns an error if S3 is configured but unreachable.
func New(cfg config.S3Config, dir string, log zerolog.Logger) (BlobStore, []BackgroundService, error) {
	if !cfg.Enabled() {
		return NewLocalStore(dir), nil, nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("S3 init failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.Ping(ctx); err != nil {
		return nil, nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	if !cfg.LocalCache {
		return s3store, nil, nil
	}

	local := NewLocalStore(dir)
	tiered := NewTieredStore(s3store, local, log)
	reconciler := NewUploadReconciler(dir, s3store, log)
	return tiered, []BackgroundService{reconciler}, nil
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}

// NewKey builds a unique storage key for an uploaded file:
// uploads/YYYY/MM/DD/<uuid><.ext>. The extension is lower-cased and kept
// only when it looks like one.
func NewKey(originalName string, now time.Time) string {
	return path.Join("uploads", now.UTC().Format("2006/01/02"), uuid.NewString()+keyExt(originalName))
}

func keyExt(name string) string {
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(name, "\\", "/")))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

// ContentTypeFromExt returns the MIME type for a media file extension.
func ContentTypeFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".m4a":
		return "audio/mp4"
	case ".flac":
		return "audio/flac"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".avi":
		return "video/x-msvideo"
	default:
		return "application/octet-stream"
	}
}
