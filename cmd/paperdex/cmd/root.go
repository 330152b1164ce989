// Package cmd provides the CLI commands for paperdex.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/paperdex/paperdex/internal/config"
	"github.com/paperdex/paperdex/internal/logging"
	"github.com/paperdex/paperdex/internal/store"
	"github.com/paperdex/paperdex/pkg/version"
)

// Persistent flags shared by all subcommands.
var (
	configPath     string
	dbURL          string
	logLevel       string
	logFile        string
	loggingCleanup func()
)

// NewRootCmd creates the root command for the paperdex CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paperdex",
		Short: "Corpus indexing and hybrid retrieval for research papers",
		Long: `Paperdex indexes a directory of papers (PDF and plain text) into a
Postgres metadata store and a standalone vector artifact, then serves
hybrid queries that fuse BM25 and vector similarity.`,
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("paperdex version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default paperdex.yaml)")
	cmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "Postgres connection string (overrides config)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs to this file")

	cmd.PersistentPreRunE = setupEnvironment
	cmd.PersistentPostRun = func(_ *cobra.Command, _ []string) {
		if loggingCleanup != nil {
			loggingCleanup()
			loggingCleanup = nil
		}
	}

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// setupEnvironment loads .env and installs the default logger before any
// subcommand runs. A missing .env file is not an error.
func setupEnvironment(_ *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	cleanup, err := logging.SetupDefault(logging.Config{
		Level:         logLevel,
		FilePath:      logFile,
		WriteToStderr: true,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	loggingCleanup = cleanup
	return nil
}

// loadConfig loads the config file and applies the --db-url override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbURL != "" {
		cfg.Database.URL = dbURL
	}
	return cfg, nil
}

// openStore connects to Postgres using the loaded configuration.
func openStore(ctx context.Context, cfg *config.Config) (*store.PostgresStore, error) {
	st, err := store.NewPostgresStore(ctx, store.PostgresConfig{
		URL:           cfg.Database.URL,
		IVFFlatProbes: cfg.Search.IVFFlatProbes,
		HNSWEfSearch:  cfg.Search.HNSWEfSearch,
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("store_connected", slog.String("url", config.RedactURL(cfg.Database.URL)))
	return st, nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
