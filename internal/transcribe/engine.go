package transcribe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/snarg/scribe/internal/transcript"
)

// Engine is the interface for speech-to-text backends.
type Engine interface {
	Transcribe(ctx context.Context, audio []byte, filename string, opts EngineOptions) (*EngineResult, error)
	Name() string  // "whisper", "deepinfra", "standin"
	Model() string // model identifier for logs and usage stats
}

// EngineOptions are per-request options derived from the job.
type EngineOptions struct {
	Language          string // "auto" lets the engine detect
	IncludeTimestamps bool
	SpeakerDetection  bool
	Prompt            string // vocabulary hint; empty to omit
}

// EngineResult is the common transcription result from any engine.
type EngineResult struct {
	Text       string
	Segments   []transcript.Segment
	Confidence *float64
	Language   string
}

var (
	ErrRateLimited      = errors.New("engine rate limit exceeded")
	ErrQuotaExceeded    = errors.New("engine quota exceeded")
	ErrUnsupportedMedia = errors.New("unsupported media format")
	ErrEngine           = errors.New("engine error")
)

// EngineError carries an engine failure. Kind is one of the sentinels above
// and is what errors.Is matches.
type EngineError struct {
	Kind    error
	Status  int
	Message string
}

func (e *EngineError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%v (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Kind }

// ErrorKind classifies the error for logs and queue events.
func (e *EngineError) ErrorKind() string {
	switch e.Kind {
	case ErrRateLimited:
		return "rate_limited"
	case ErrQuotaExceeded:
		return "quota_exceeded"
	case ErrUnsupportedMedia:
		return "unsupported_media"
	}
	return "engine"
}

// classifyResponse maps a non-200 engine response onto the error taxonomy.
func classifyResponse(status int, body []byte) *EngineError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	lower := strings.ToLower(msg)

	kind := ErrEngine
	switch {
	case status == http.StatusPaymentRequired:
		kind = ErrQuotaExceeded
	case status == http.StatusTooManyRequests && strings.Contains(lower, "quota"):
		kind = ErrQuotaExceeded
	case status == http.StatusTooManyRequests:
		kind = ErrRateLimited
	case status == http.StatusUnsupportedMediaType:
		kind = ErrUnsupportedMedia
	case status == http.StatusBadRequest && strings.Contains(lower, "format"):
		kind = ErrUnsupportedMedia
	}
	return &EngineError{Kind: kind, Status: status, Message: msg}
}
