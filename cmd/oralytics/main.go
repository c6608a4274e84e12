package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/oralable/oralytics/internal/config"
	"github.com/oralable/oralytics/internal/engine"
	"github.com/oralable/oralytics/internal/logger"
	"github.com/oralable/oralytics/internal/metrics"
)

// Exit codes
const (
	ExitSuccess        = 0
	ExitFailure        = 1
	ExitAlreadyRunning = 2
	ExitConfigError    = 3
)

var (
	// Version info (set by ldflags)
	version = "dev"

	// Flags
	configPath string
	debug      bool
	noColor    bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Error already printed by cobra
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "oralytics",
		Short: "Historical rollups for wearable sensor data",
		Long: `oralytics ingests timestamped sensor samples (heart rate, SpO2, temperature,
battery, accelerometer, PPG, grinding events), stores them in SQLite and keeps
bucketed minute/hour/day/week/month rollups with trends current.

Ingestion:
  oralytics run --simulate             Ingest a synthetic device stream
  oralytics run --replay file.jsonl    Replay a recorded stream
  oralytics import file.jsonl.zst      Load a recording into storage

Queries:
  oralytics summary --range day        Compute one window
  oralytics export --range week --out week.csv
  oralytics status                     Show storage and writer state`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			engine.Version = version
			if noColor {
				color.NoColor = true
				pterm.DisableColor()
			}
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/oralytics/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(
		newRunCmd(),
		newSummaryCmd(),
		newExportCmd(),
		newImportCmd(),
		newPruneCmd(),
		newClearCmd(),
		newStatusCmd(),
		newServiceCmd(),
		newConfigCmd(),
	)
	return rootCmd
}

// configError marks an error as a configuration problem for the exit code.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var cfgErr *configError
	switch {
	case errors.As(err, &cfgErr):
		return ExitConfigError
	case errors.Is(err, engine.ErrAlreadyRunning):
		return ExitAlreadyRunning
	default:
		return ExitFailure
	}
}

// loadConfig loads --config or the default search path and applies --debug.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configPath != "" {
		cfg, err = config.LoadConfigFromPath(configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, &configError{err: err}
	}
	if debug {
		cfg.Debug = true
	}
	return cfg, nil
}

// initLogging routes logs to the configured file, or to stderr for "-".
func initLogging(cfg *config.Config) {
	if cfg.LogFile == "-" {
		logger.InitWriter(os.Stderr, cfg.LogLevel())
		return
	}
	logger.InitLogger(cfg.LogLevel(), cfg.LogFile)
}

// openEngine loads configuration, initialises logging and opens the engine.
// Callers must call logger.Close after Stop.
func openEngine(ctx context.Context, opts ...engine.Option) (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	initLogging(cfg)

	e, err := engine.Open(ctx, cfg, opts...)
	if err != nil {
		logger.Close()
		return nil, err
	}
	return e, nil
}

// resolveRange parses name, falling back to the configured default range.
func resolveRange(e *engine.Engine, name string) (metrics.TimeRange, error) {
	if name == "" {
		return e.DefaultRange(), nil
	}
	r, err := metrics.ParseTimeRange(name)
	if err != nil {
		return 0, err
	}
	if !e.Catalog().Supports(r) {
		return 0, fmt.Errorf("%w: %s is not in metrics.ranges", metrics.ErrUnsupportedRange, r)
	}
	return r, nil
}

// parseInstant accepts "now", an RFC 3339 time, or a duration relative to
// now such as "-2h".
func parseInstant(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return time.Time{}, nil
	case "now":
		return now, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want now, RFC 3339 or a duration like -2h", s)
	}
	return t, nil
}
