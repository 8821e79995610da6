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

const deepInfraBaseURL = "https://api.deepinfra.com/v1/inference/"

// DeepInfraClient calls DeepInfra's native inference API for Whisper models.
type DeepInfraClient struct {
	baseURL string
	apiKey  string
	model   string // e.g. "openai/whisper-large-v3-turbo"
	client  *http.Client
}

type deepInfraResponse struct {
	Text     string             `json:"text"`
	Language string             `json:"language"`
	Segments []deepInfraSegment `json:"segments"`
}

type deepInfraSegment struct {
	Text         string   `json:"text"`
	Start        float64  `json:"start"`
	End          float64  `json:"end"`
	NoSpeechProb *float64 `json:"no_speech_prob"`
}

// NewDeepInfraClient creates a DeepInfra inference client. An empty baseURL
// selects the public endpoint.
func NewDeepInfraClient(baseURL, apiKey, model string, timeout time.Duration) *DeepInfraClient {
	if baseURL == "" {
		baseURL = deepInfraBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if model == "" {
		model = "openai/whisper-large-v3-turbo"
	}
	return &DeepInfraClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

func (di *DeepInfraClient) Name() string  { return "deepinfra" }
func (di *DeepInfraClient) Model() string { return di.model }

// Transcribe posts audio under the "audio" form field (DeepInfra's
// convention) to {base}/{model}.
func (di *DeepInfraClient) Transcribe(ctx context.Context, audio []byte, filename string, opts EngineOptions) (*EngineResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("audio", filepath.Base(filename))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}
	if opts.Language != "" && opts.Language != "auto" {
		w.WriteField("language", opts.Language)
	}
	if opts.Prompt != "" {
		w.WriteField("initial_prompt", opts.Prompt)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, di.baseURL+di.model, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+di.apiKey)

	resp, err := di.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepinfra request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(resp.StatusCode, body)
	}

	var result deepInfraResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := &EngineResult{Text: strings.TrimSpace(result.Text), Language: result.Language}
	if out.Language == "" && opts.Language != "auto" {
		out.Language = opts.Language
	}
	// Segments always come back; they are only surfaced when requested.
	if opts.IncludeTimestamps && len(result.Segments) > 0 {
		out.Segments = make([]transcript.Segment, 0, len(result.Segments))
		probs := make([]whisperSegment, 0, len(result.Segments))
		for _, s := range result.Segments {
			text := strings.TrimSpace(s.Text)
			if text == "" {
				continue
			}
			out.Segments = append(out.Segments, transcript.Segment{Start: s.Start, End: s.End, Text: text})
			probs = append(probs, whisperSegment{NoSpeechProb: s.NoSpeechProb})
		}
		out.Confidence = segmentConfidence(probs)
	}
	return out, nil
}
