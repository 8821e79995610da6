package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/snarg/scribe/internal/transcript"
)

// WhisperOptions configures a WhisperClient.
type WhisperOptions struct {
	URL         string // full .../v1/audio/transcriptions endpoint
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// WhisperClient calls an OpenAI-compatible /v1/audio/transcriptions endpoint.
type WhisperClient struct {
	opts   WhisperOptions
	client *http.Client
}

// whisperResponse covers both the json and verbose_json response formats.
type whisperResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []whisperSegment `json:"segments"`
}

type whisperSegment struct {
	Start        float64  `json:"start"`
	End          float64  `json:"end"`
	Text         string   `json:"text"`
	NoSpeechProb *float64 `json:"no_speech_prob"`
}

// NewWhisperClient creates a new Whisper HTTP client.
func NewWhisperClient(opts WhisperOptions) *WhisperClient {
	if opts.URL == "" {
		opts.URL = "https://api.openai.com/v1/audio/transcriptions"
	}
	if opts.Model == "" {
		opts.Model = "whisper-1"
	}
	return &WhisperClient{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
	}
}

func (wc *WhisperClient) Name() string  { return "whisper" }
func (wc *WhisperClient) Model() string { return wc.opts.Model }

// Transcribe uploads audio as multipart/form-data. verbose_json is requested
// only when segment timestamps are wanted.
func (wc *WhisperClient) Transcribe(ctx context.Context, audio []byte, filename string, opts EngineOptions) (*EngineResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}

	w.WriteField("model", wc.opts.Model)
	w.WriteField("temperature", fmt.Sprintf("%.2f", wc.opts.Temperature))

	if opts.Language != "" && opts.Language != "auto" {
		w.WriteField("language", opts.Language)
	}

	format := "json"
	if opts.IncludeTimestamps {
		format = "verbose_json"
		w.WriteField("timestamp_granularities[]", "segment")
	}
	w.WriteField("response_format", format)

	if opts.Prompt != "" {
		w.WriteField("prompt", opts.Prompt)
	}

	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.opts.URL, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if wc.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+wc.opts.APIKey)
	}

	resp, err := wc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(resp.StatusCode, body)
	}

	var result whisperResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := &EngineResult{
		Text:     strings.TrimSpace(result.Text),
		Language: result.Language,
	}
	if out.Language == "" && opts.Language != "auto" {
		out.Language = opts.Language
	}
	if len(result.Segments) > 0 {
		out.Segments = make([]transcript.Segment, len(result.Segments))
		for i, s := range result.Segments {
			out.Segments[i] = transcript.Segment{Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text)}
		}
		out.Confidence = segmentConfidence(result.Segments)
	}
	return out, nil
}

// segmentConfidence is the mean of 1 - no_speech_prob, treating a missing
// probability as zero.
func segmentConfidence(segs []whisperSegment) *float64 {
	if len(segs) == 0 {
		return nil
	}
	var sum float64
	for _, s := range segs {
		p := 0.0
		if s.NoSpeechProb != nil {
			p = *s.NoSpeechProb
		}
		sum += 1 - p
	}
	c := sum / float64(len(segs))
	return &c
}
