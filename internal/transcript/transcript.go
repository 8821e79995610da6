// Package transcript holds the transcript data model and renders results
// into the supported output formats.
package transcript

import (
	"errors"
	"fmt"
	"strings"
)

// Segment is one timed span of transcript text. Offsets are in seconds.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
}

// Result is the final output of a completed job.
type Result struct {
	Text       string    `json:"text"`
	Segments   []Segment `json:"segments,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	Language   string    `json:"language,omitempty"`
}

// ErrInvalidSegment is returned by Validate for out-of-range offsets.
var ErrInvalidSegment = errors.New("invalid segment")

// Validate checks segment offsets and the confidence range.
func (r *Result) Validate() error {
	for i, s := range r.Segments {
		if s.Start < 0 || s.End < 0 {
			return fmt.Errorf("%w: segment %d has negative offset", ErrInvalidSegment, i)
		}
		if s.End < s.Start {
			return fmt.Errorf("%w: segment %d ends (%.3f) before it starts (%.3f)", ErrInvalidSegment, i, s.End, s.Start)
		}
	}
	if r.Confidence != nil && (*r.Confidence < 0 || *r.Confidence > 1) {
		return fmt.Errorf("confidence %.3f outside [0,1]", *r.Confidence)
	}
	return nil
}

// JoinSegments builds the aggregate text from segment texts.
func JoinSegments(segs []Segment) string {
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = s.Text
	}
	return strings.Join(parts, " ")
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }
