// Package queue provides durable job admission and a bounded worker pool
// with retry/backoff, dead-lettering and stalled-worker recovery.
package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind identifies which registered handler executes an entry.
type Kind string

const KindTranscribe Kind = "transcribe"

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTranscribe:
		return true
	}
	return false
}

// Bucket is the queue-side lifecycle of an entry.
type Bucket string

const (
	BucketWaiting   Bucket = "waiting"
	BucketActive    Bucket = "active"
	BucketDelayed   Bucket = "delayed"
	BucketCompleted Bucket = "completed"
	BucketFailed    Bucket = "failed"
)

var (
	ErrEmpty       = errors.New("queue empty")
	ErrNotFound    = errors.New("queue entry not found")
	ErrLostClaim   = errors.New("claim no longer held")
	ErrDuplicate   = errors.New("queue entry already exists")
	ErrUnknownKind = errors.New("no handler registered for kind")
	ErrStopped     = errors.New("queue stopped")
)

// Entry is one unit of deferred work. ID equals the job id it executes.
type Entry struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Seq         int64           `json:"seq"`
	Bucket      Bucket          `json:"bucket"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	Token       string          `json:"-"`
	Heartbeat   *time.Time      `json:"heartbeat,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	FinishedAt  time.Time       `json:"finished_at,omitzero"`
}

// ready reports whether the entry may be claimed at now.
func (e *Entry) ready(now time.Time) bool {
	switch e.Bucket {
	case BucketWaiting:
		return true
	case BucketDelayed:
		return !e.RunAt.After(now)
	}
	return false
}

// RetryPolicy bounds attempts and spaces them with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy is three attempts starting at a two second delay.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second}

// Delay returns the wait before the attempt following attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Counts is the number of entries per bucket. Delayed entries whose run time
// has passed count as waiting.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

func (c *Counts) add(e *Entry, now time.Time) {
	switch e.Bucket {
	case BucketWaiting:
		c.Waiting++
	case BucketActive:
		c.Active++
	case BucketCompleted:
		c.Completed++
	case BucketFailed:
		c.Failed++
	case BucketDelayed:
		if e.ready(now) {
			c.Waiting++
		} else {
			c.Delayed++
		}
	}
}

// ErrorClassifier lets handler errors declare a kind for logs and events.
type ErrorClassifier interface {
	ErrorKind() string
}

// ErrorKind returns the classification of err, or "internal".
func ErrorKind(err error) string {
	var c ErrorClassifier
	if errors.As(err, &c) {
		return c.ErrorKind()
	}
	return "internal"
}
