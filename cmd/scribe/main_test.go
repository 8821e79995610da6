package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleResult = `{
  "text": "today we review shoulder mobility",
  "segments": [
    {"start": 0, "end": 1.5, "text": "today we review"},
    {"start": 1.5, "end": 3.25, "text": "shoulder mobility", "speaker": "lecturer"}
  ],
  "confidence": 0.91,
  "language": "en"
}`

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeResult(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lecture.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRenderCommand(t *testing.T) {
	path := writeResult(t, sampleResult)

	t.Run("srt", func(t *testing.T) {
		out, err := runCLI(t, "", "render", "--format", "srt", path)
		require.NoError(t, err)
		assert.Contains(t, out, "1\n00:00:00,000 --> 00:00:01,500\ntoday we review")
		assert.Contains(t, out, "00:00:01,500 --> 00:00:03,250")
	})

	t.Run("default_text", func(t *testing.T) {
		out, err := runCLI(t, "", "render", path)
		require.NoError(t, err)
		assert.Equal(t, "today we review shoulder mobility", out)
	})

	t.Run("markdown_uses_file_name", func(t *testing.T) {
		out, err := runCLI(t, "", "render", "-f", "markdown", path)
		require.NoError(t, err)
		assert.Contains(t, out, "lecture")
	})

	t.Run("stdin", func(t *testing.T) {
		out, err := runCLI(t, sampleResult, "render", "-f", "vtt", "-")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "WEBVTT"), "got %q", out)
	})

	t.Run("output_file", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "out.srt")
		out, err := runCLI(t, "", "render", "-f", "srt", "-o", dest, path)
		require.NoError(t, err)
		assert.Empty(t, out)
		data, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Contains(t, string(data), "shoulder mobility")
	})
}

func TestRenderCommandErrors(t *testing.T) {
	t.Run("unknown_format", func(t *testing.T) {
		_, err := runCLI(t, "", "render", "-f", "docx", writeResult(t, sampleResult))
		assert.ErrorContains(t, err, "unknown format")
	})

	t.Run("missing_file", func(t *testing.T) {
		_, err := runCLI(t, "", "render", filepath.Join(t.TempDir(), "nope.json"))
		assert.ErrorContains(t, err, "read result")
	})

	t.Run("invalid_json", func(t *testing.T) {
		_, err := runCLI(t, "", "render", writeResult(t, "{not json"))
		assert.ErrorContains(t, err, "decode result")
	})

	t.Run("segment_out_of_order", func(t *testing.T) {
		body := `{"text":"x","segments":[{"start":2,"end":1,"text":"x"}]}`
		_, err := runCLI(t, "", "render", writeResult(t, body))
		assert.ErrorContains(t, err, "invalid segment")
	})

	t.Run("needs_one_arg", func(t *testing.T) {
		_, err := runCLI(t, "", "render")
		assert.Error(t, err)
	})
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"env-file", "listen", "log-level", "database-url", "storage-dir"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "missing --%s", name)
	}
	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	assert.Equal(t, "serve", serve.Name())
}
