package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Format selects an output representation.
type Format string

const (
	FormatText     Format = "text"
	FormatSRT      Format = "srt"
	FormatVTT      Format = "vtt"
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
)

// ErrUnknownFormat is returned for format selectors outside the supported set.
var ErrUnknownFormat = errors.New("unknown format")

// Formats lists every supported format.
var Formats = []Format{FormatText, FormatSRT, FormatVTT, FormatMarkdown, FormatJSON}

// ParseFormat maps a selector to a Format. Empty selects plain text.
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return FormatText, nil
	}
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// ContentType returns the MIME type for rendered content.
func ContentType(f Format) string {
	switch f {
	case FormatVTT:
		return "text/vtt"
	case FormatMarkdown:
		return "text/markdown"
	case FormatJSON:
		return "application/json"
	default:
		return "text/plain"
	}
}

// Extension returns the conventional file extension for f.
func Extension(f Format) string {
	switch f {
	case FormatSRT:
		return "srt"
	case FormatVTT:
		return "vtt"
	case FormatMarkdown:
		return "md"
	case FormatJSON:
		return "json"
	default:
		return "txt"
	}
}

// Meta is caller-supplied context for formats that embed it. Passing it in
// keeps rendering a pure function of its inputs.
type Meta struct {
	SourceName  string
	GeneratedAt time.Time
}

// Render converts r into format f.
func Render(r Result, f Format, meta Meta) (string, error) {
	switch f {
	case FormatText, "":
		return r.Text, nil
	case FormatSRT:
		return renderSRT(r.Segments), nil
	case FormatVTT:
		return renderVTT(r.Segments), nil
	case FormatMarkdown:
		return renderMarkdown(r, meta), nil
	case FormatJSON:
		b, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal result: %w", err)
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, string(f))
	}
}

// ParseJSON is the inverse of Render with FormatJSON.
func ParseJSON(s string) (Result, error) {
	var r Result
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return Result{}, fmt.Errorf("decode result: %w", err)
	}
	return r, nil
}

func renderSRT(segs []Segment) string {
	blocks := make([]string, len(segs))
	for i, s := range segs {
		blocks[i] = fmt.Sprintf("%d\n%s --> %s\n%s\n", i+1,
			FormatTimestamp(s.Start, ','), FormatTimestamp(s.End, ','), s.Text)
	}
	return strings.Join(blocks, "\n")
}

func renderVTT(segs []Segment) string {
	blocks := make([]string, len(segs))
	for i, s := range segs {
		blocks[i] = fmt.Sprintf("%s --> %s\n%s\n",
			FormatTimestamp(s.Start, '.'), FormatTimestamp(s.End, '.'), s.Text)
	}
	return "WEBVTT\n\n" + strings.Join(blocks, "\n")
}

func renderMarkdown(r Result, meta Meta) string {
	var b strings.Builder
	source := meta.SourceName
	if source == "" {
		source = "untitled"
	}
	fmt.Fprintf(&b, "# Transcript: %s\n\n", source)
	fmt.Fprintf(&b, "**Processed**: %s\n", meta.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	if r.Confidence != nil {
		fmt.Fprintf(&b, "**Confidence**: %d%%\n", int(math.Round(*r.Confidence*100)))
	} else {
		b.WriteString("**Confidence**: unknown\n")
	}
	b.WriteString("\n---\n\n")
	b.WriteString(r.Text)
	return b.String()
}

// FormatTimestamp renders seconds as HH:MM:SS<sep>mmm. Hours have no upper
// bound; milliseconds are truncated.
func FormatTimestamp(seconds float64, sep byte) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	whole := math.Floor(seconds)
	total := int64(whole)
	ms := int64(math.Floor((seconds - whole) * 1000))
	if ms > 999 {
		ms = 999
	}
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms)
}
