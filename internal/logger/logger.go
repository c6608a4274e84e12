package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// countingHandler wraps another handler and tallies WARN and ERROR records
// so the CLI can report them without parsing the log file.
type countingHandler struct {
	inner  slog.Handler
	counts *counters
}

type counters struct {
	warn atomic.Int64
	err  atomic.Int64
}

func (h *countingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *countingHandler) Handle(ctx context.Context, r slog.Record) error {
	switch {
	case r.Level >= slog.LevelError:
		h.counts.err.Add(1)
	case r.Level >= slog.LevelWarn:
		h.counts.warn.Add(1)
	}
	return h.inner.Handle(ctx, r)
}

func (h *countingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &countingHandler{inner: h.inner.WithAttrs(attrs), counts: h.counts}
}

func (h *countingHandler) WithGroup(name string) slog.Handler {
	return &countingHandler{inner: h.inner.WithGroup(name), counts: h.counts}
}

var (
	// Log is the global structured logger
	Log *slog.Logger
	// LogPath is the path to the current log file
	LogPath string

	logWriter *lumberjack.Logger
	tally     = &counters{}
	debugMode bool
)

// LogLevel represents the logging level
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitLogger initializes the global logger with the specified level and optional path.
// If logPath is empty, defaults to ~/.config/oralytics/oralytics.log
func InitLogger(level LogLevel, logPath string) {
	debugMode = level == LevelDebug

	if logPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = os.TempDir()
		}
		logDir := filepath.Join(homeDir, ".config", "oralytics")
		_ = os.MkdirAll(logDir, 0755)
		logPath = filepath.Join(logDir, "oralytics.log")
	}
	LogPath = logPath

	if logWriter != nil {
		_ = logWriter.Close()
	}
	logWriter = &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     7, // days
		Compress:   true,
	}

	install(logWriter, level)
}

// InitWriter routes logs to w instead of a rotating file. Used by tests and
// by the CLI when --log-file=- is given.
func InitWriter(w io.Writer, level LogLevel) {
	debugMode = level == LevelDebug
	LogPath = ""
	install(w, level)
}

func install(w io.Writer, level LogLevel) {
	handler := &countingHandler{
		inner:  slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level.slogLevel()}),
		counts: tally,
	}
	Log = slog.New(handler)
	slog.SetDefault(Log)
}

// Close closes the log file
func Close() {
	if logWriter != nil {
		logWriter.Close()
		logWriter = nil
	}
}

func getLogger() *slog.Logger {
	if Log != nil {
		return Log
	}
	return slog.Default()
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	getLogger().Debug(msg, args...)
}

// Info logs an info message
func Info(msg string, args ...any) {
	getLogger().Info(msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	getLogger().Warn(msg, args...)
}

// Error logs an error message
func Error(msg string, args ...any) {
	getLogger().Error(msg, args...)
}

// With creates a new logger with additional attributes
func With(args ...any) *slog.Logger {
	return getLogger().With(args...)
}

// Component returns a logger tagged with a component name.
func Component(name string) *slog.Logger {
	return With("component", name)
}

// GetCounts returns the warning and error counts since the last ClearCounts.
func GetCounts() (warn, err int64) {
	return tally.warn.Load(), tally.err.Load()
}

// ClearCounts resets the warning and error counters.
func ClearCounts() {
	tally.warn.Store(0)
	tally.err.Store(0)
}

// IsDebugEnabled returns true if debug mode is active.
func IsDebugEnabled() bool {
	return debugMode
}
