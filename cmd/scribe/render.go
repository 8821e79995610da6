package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/snarg/scribe/internal/transcript"
)

// newRenderCommand converts a stored JSON result into another output
// format without a running service.
func newRenderCommand() *cobra.Command {
	var format string
	var output string

	cmd := &cobra.Command{
		Use:   "render <result.json|->",
		Short: "Render a JSON transcription result as text, srt, vtt, markdown or json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := transcript.ParseFormat(format)
			if err != nil {
				return err
			}

			var raw []byte
			if args[0] == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read result: %w", err)
			}

			result, err := transcript.ParseJSON(string(raw))
			if err != nil {
				return err
			}
			if err := result.Validate(); err != nil {
				return err
			}

			content, err := transcript.Render(result, f, transcript.Meta{
				SourceName:  sourceName(args[0]),
				GeneratedAt: time.Now().UTC(),
			})
			if err != nil {
				return err
			}

			if output == "" {
				_, err = io.WriteString(cmd.OutOrStdout(), content)
				return err
			}
			return os.WriteFile(output, []byte(content), 0o644)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, srt, vtt, markdown, json")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")
	return cmd
}

func sourceName(arg string) string {
	if arg == "-" {
		return "stdin"
	}
	base := filepath.Base(arg)
	return base[:len(base)-len(filepath.Ext(base))]
}
