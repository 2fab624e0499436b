package main

import (
	"context"
	"fmt"
	"io"
	"os"

	offline "github.com/always-cache/offline-cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// this is set by goreleaser
var version string

type rootOptions struct {
	ConfigFile string
	Database   string
	Origin     string
	LogFile    string
	Verbose    bool
	Trace      bool
}

func main() {
	if version == "" {
		version = "DEV"
	}
	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:     "offline-cache",
		Short:   "Offline-first HTTP proxy",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "Database file name (use 'memory' for in-memory db, overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Origin, "origin", "", "Origin URL to proxy to (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.LogFile, "log-file", "", "Log file to use (in addition to stderr)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "Verbosity: debug logging")
	cmd.PersistentFlags().BoolVar(&opts.Trace, "vv", false, "Verbosity: trace logging")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newLogCommand(opts))
	cmd.AddCommand(newStoresCommand(opts))
	cmd.AddCommand(newDiscardCommand(opts))

	return cmd
}

func setupLogging(opts *rootOptions) error {
	logLevel := zerolog.InfoLevel
	if opts.Verbose {
		logLevel = zerolog.DebugLevel
	}
	if opts.Trace {
		logLevel = zerolog.TraceLevel
	}

	// log to stderr, and to the log file if specified
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}
	if opts.LogFile != "" {
		logFileOutput, err := os.OpenFile(opts.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return nil
}

// openApp loads the config, applies the flag overrides and wires the components.
func openApp(ctx context.Context, opts *rootOptions) (*offline.App, offline.FileConfig, error) {
	config, err := offline.LoadConfig(opts.ConfigFile)
	if err != nil {
		return nil, config, err
	}
	if opts.Database != "" {
		config.Database = opts.Database
	}
	if opts.Origin != "" {
		config.Origin = opts.Origin
	}
	app, err := offline.Open(ctx, config, &log.Logger)
	if err != nil {
		return nil, config, err
	}
	return app, config, nil
}
