package main

import (
	"github.com/spf13/cobra"

	"github.com/snarg/scribe/internal/config"
)

func newRootCommand() *cobra.Command {
	var overrides config.Overrides

	rootCmd := &cobra.Command{
		Use:           "scribe",
		Short:         "Media transcription service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), overrides)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flags.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flags.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flags.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL (overrides DATABASE_URL)")
	flags.StringVar(&overrides.StorageDir, "storage-dir", "", "Local media directory (overrides STORAGE_DIR)")

	rootCmd.AddCommand(newServeCommand(&overrides))
	rootCmd.AddCommand(newRenderCommand())

	return rootCmd
}

func newServeCommand(overrides *config.Overrides) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, queue workers and background sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *overrides)
		},
	}
}
