package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/seantiz/stagehand/internal/config"
	"github.com/seantiz/stagehand/internal/input"
	"github.com/seantiz/stagehand/internal/lifecycle"
	"github.com/seantiz/stagehand/internal/pipelines/digest"
	"github.com/seantiz/stagehand/internal/store"
)

var version = "v0.1.0"

// app holds what every subcommand needs once flags and config are loaded.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	configPath string
	dbPath     string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "stagehand",
		Short:         "Run task types through a timed, status-tracked lifecycle",
		Long:          `stagehand resolves task parameters into single tasks or bundles, runs them through pre-execute, execute and post-execute stages, and records statuses, timings and outputs in SQLite.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to a config file")
	rootCmd.PersistentFlags().StringVar(&a.dbPath, "db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(
		newServeCmd(a),
		newRunCmd(a),
		newRerunCmd(a),
		newShowCmd(a),
		newListCmd(a),
		newMigrateCmd(a),
		newTypesCmd(a),
	)
	return rootCmd
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("db") {
		cfg.DBPath = a.dbPath
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg
	a.logger = config.NewLogger(os.Stderr, config.ParseLogLevel(cfg.LogLevel), cfg.LogFormat)
	return nil
}

func (a *app) openStore() (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(a.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return s, nil
}

// runtime builds the lifecycle runtime over s, reading inputs from the host
// filesystem.
func (a *app) runtime(s store.Store) (*lifecycle.Runtime, error) {
	resolver, err := input.NewResolver(s, afero.NewOsFs(), a.cfg.InputCacheSize, a.logger)
	if err != nil {
		return nil, err
	}
	return &lifecycle.Runtime{
		Store:   s,
		Inputs:  resolver,
		Logger:  a.logger,
		Version: version,
	}, nil
}

func (a *app) lifecycleOptions() []lifecycle.Option {
	if a.cfg.RaiseInstrumentationErrors {
		return []lifecycle.Option{lifecycle.RaiseInstrumentationErrors()}
	}
	return nil
}

// newRegistry returns the registry of built-in task types.
func newRegistry() (*lifecycle.Registry, error) {
	reg := lifecycle.NewRegistry()
	if err := digest.Register(reg); err != nil {
		return nil, fmt.Errorf("register %s: %w", digest.TypeName, err)
	}
	return reg, nil
}
