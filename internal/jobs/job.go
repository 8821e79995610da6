// Package jobs owns the transcription job record: its lifecycle states, the
// store contract and the admission/status/result service used by the API.
package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/snarg/scribe/internal/transcript"
)

// State is a job lifecycle state.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further automatic transition is expected.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s State) valid() bool {
	switch s {
	case StatePending, StateProcessing, StateCompleted, StateFailed:
		return true
	}
	return false
}

var (
	ErrNotFound          = errors.New("job not found")
	ErrNotReady          = errors.New("transcription not ready")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidOptions    = errors.New("invalid options")
)

// transitions lists, for each target state, the states it may be entered from.
// failed → processing is a retry admission; completed is absorbing.
var transitions = map[State][]State{
	StateProcessing: {StatePending, StateFailed},
	StateCompleted:  {StateProcessing},
	StateFailed:     {StateProcessing},
}

// AllowedFrom returns the states from which to may be entered.
func AllowedFrom(to State) []State {
	return append([]State(nil), transitions[to]...)
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// TransitionError is returned when a store rejects an update.
type TransitionError struct {
	JobID string
	From  State
	To    State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: %s -> %s not allowed", e.JobID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Options are the caller-selected processing options of a job.
type Options struct {
	Language          string `json:"language" validate:"oneof=auto ja en"`
	IncludeTimestamps bool   `json:"include_timestamps"`
	SpeakerDetection  bool   `json:"speaker_detection"`
	TermCorrection    bool   `json:"term_correction"`
}

// DefaultOptions mirrors what an upload without explicit options receives.
func DefaultOptions() Options {
	return Options{Language: "auto", IncludeTimestamps: true, TermCorrection: true}
}

var validate = validator.New()

// Normalize lowercases the language, defaults it to auto and validates the
// result.
func (o *Options) Normalize() error {
	o.Language = strings.ToLower(strings.TrimSpace(o.Language))
	if o.Language == "" {
		o.Language = "auto"
	}
	if err := validate.Struct(o); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s must be one of auto, ja, en", ErrInvalidOptions, strings.ToLower(verrs[0].Field()))
		}
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return nil
}

// Job is the durable record of one transcription request.
type Job struct {
	ID          string             `json:"id"`
	UploadID    string             `json:"upload_id,omitempty"`
	StorageKey  string             `json:"storage_key"`
	Filename    string             `json:"filename"`
	Options     Options            `json:"options"`
	State       State              `json:"status"`
	Attempts    int                `json:"attempts"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Error       string             `json:"error,omitempty"`
	Result      *transcript.Result `json:"result,omitempty"`
	Engine      string             `json:"engine,omitempty"`
}

// Update is a requested state change. Result and Engine are kept only when
// entering completed; Error only when entering failed.
type Update struct {
	State  State
	Result *transcript.Result
	Engine string
	Error  string
}

// Apply mutates j according to u at time now. Callers must have checked the
// transition already.
func (j *Job) Apply(u Update, now time.Time) {
	j.State = u.State
	switch u.State {
	case StateProcessing:
		j.Attempts++
		j.StartedAt = &now
		j.CompletedAt = nil
	case StateCompleted:
		j.CompletedAt = &now
		j.Error = ""
		j.Result = u.Result
		j.Engine = u.Engine
	case StateFailed:
		j.CompletedAt = &now
		j.Error = u.Error
	}
}

// Payload is the queue payload of a transcription entry.
type Payload struct {
	JobID      string  `json:"job_id"`
	StorageKey string  `json:"storage_key"`
	Filename   string  `json:"filename"`
	Options    Options `json:"options"`
}
