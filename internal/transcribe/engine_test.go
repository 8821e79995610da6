package transcribe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyResponse(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
		kind   string
	}{
		{"rate_limited", 429, `{"error":{"message":"Rate limit reached"}}`, ErrRateLimited, "rate_limited"},
		{"quota_on_429", 429, `{"error":{"code":"insufficient_quota","message":"You exceeded your current quota"}}`, ErrQuotaExceeded, "quota_exceeded"},
		{"payment_required", 402, `billing`, ErrQuotaExceeded, "quota_exceeded"},
		{"bad_format", 400, `Invalid file format. Supported formats: flac, mp3`, ErrUnsupportedMedia, "unsupported_media"},
		{"unsupported_media_type", 415, ``, ErrUnsupportedMedia, "unsupported_media"},
		{"other_400", 400, `missing model`, ErrEngine, "engine"},
		{"server_error", 500, `oops`, ErrEngine, "engine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyResponse(tt.status, []byte(tt.body))
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.kind, err.ErrorKind())
			assert.Equal(t, tt.status, err.Status)
		})
	}
}

func TestWhisperClient_VerboseJSON(t *testing.T) {
	var form map[string][]string
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		form = r.MultipartForm.Value
		auth = r.Header.Get("Authorization")

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "clip.mp3", hdr.Filename)
		assert.Equal(t, []byte("RIFFdata"), data)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"text": " りがくりょうほうの話です ",
			"language": "japanese",
			"segments": [
				{"start": 0, "end": 2.5, "text": " 前半 ", "no_speech_prob": 0.1},
				{"start": 2.5, "end": 4, "text": "後半", "no_speech_prob": 0.3}
			]
		}`)
	}))
	defer srv.Close()

	c := NewWhisperClient(WhisperOptions{URL: srv.URL, APIKey: "sk-test", Temperature: 0.2})
	res, err := c.Transcribe(context.Background(), []byte("RIFFdata"), "uploads/clip.mp3", EngineOptions{
		Language:          "ja",
		IncludeTimestamps: true,
		Prompt:            "語彙",
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, []string{"whisper-1"}, form["model"])
	assert.Equal(t, []string{"0.20"}, form["temperature"])
	assert.Equal(t, []string{"ja"}, form["language"])
	assert.Equal(t, []string{"verbose_json"}, form["response_format"])
	assert.Equal(t, []string{"語彙"}, form["prompt"])

	assert.Equal(t, "りがくりょうほうの話です", res.Text)
	assert.Equal(t, "japanese", res.Language)
	require.Len(t, res.Segments, 2)
	assert.Equal(t, "前半", res.Segments[0].Text)
	require.NotNil(t, res.Confidence)
	assert.InDelta(t, 0.8, *res.Confidence, 1e-9)
}

func TestWhisperClient_PlainJSONAutoLanguage(t *testing.T) {
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		form = r.MultipartForm.Value
		io.WriteString(w, `{"text":"hello"}`)
	}))
	defer srv.Close()

	c := NewWhisperClient(WhisperOptions{URL: srv.URL})
	res, err := c.Transcribe(context.Background(), []byte("x"), "a.wav", EngineOptions{Language: "auto"})
	require.NoError(t, err)

	_, hasLang := form["language"]
	assert.False(t, hasLang, "language must be omitted for auto")
	_, hasPrompt := form["prompt"]
	assert.False(t, hasPrompt)
	assert.Equal(t, []string{"json"}, form["response_format"])
	assert.Equal(t, "hello", res.Text)
	assert.Nil(t, res.Segments)
	assert.Nil(t, res.Confidence)
}

func TestWhisperClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":"Rate limit reached"}`)
	}))
	defer srv.Close()

	c := NewWhisperClient(WhisperOptions{URL: srv.URL})
	_, err := c.Transcribe(context.Background(), []byte("x"), "a.wav", EngineOptions{})
	assert.ErrorIs(t, err, ErrRateLimited)
	var ee *EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, http.StatusTooManyRequests, ee.Status)
}

func TestDeepInfraClient(t *testing.T) {
	var path string
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, r.ParseMultipartForm(1<<20))
		form = r.MultipartForm.Value
		_, _, err := r.FormFile("audio")
		require.NoError(t, err)
		io.WriteString(w, `{"text":"a b","language":"en","segments":[
			{"text":"a","start":0,"end":1,"no_speech_prob":0},
			{"text":"  ","start":1,"end":1.5},
			{"text":"b","start":1.5,"end":3,"no_speech_prob":0.5}
		]}`)
	}))
	defer srv.Close()

	c := NewDeepInfraClient(srv.URL, "key", "openai/whisper-large-v3", 0)
	res, err := c.Transcribe(context.Background(), []byte("x"), "a.wav", EngineOptions{
		Language: "en", IncludeTimestamps: true, Prompt: "terms",
	})
	require.NoError(t, err)
	assert.Equal(t, "/openai/whisper-large-v3", path)
	assert.Equal(t, []string{"terms"}, form["initial_prompt"])
	require.Len(t, res.Segments, 2)
	require.NotNil(t, res.Confidence)
	assert.InDelta(t, 0.75, *res.Confidence, 1e-9)

	res, err = c.Transcribe(context.Background(), []byte("x"), "a.wav", EngineOptions{Language: "auto"})
	require.NoError(t, err)
	assert.Nil(t, res.Segments)
}
