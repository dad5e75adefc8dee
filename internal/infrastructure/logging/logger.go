package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
)

// Logger wraps slog.Logger with sensor reporter functionality.
//
// It provides structured logging with default fields and level-based
// filtering. Child loggers created with Named filter at their own level,
// so one noisy device can log at debug while the rest stay at info.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger

	// base is the unfiltered handler shared by every child logger.
	base slog.Handler
	// closer releases the log file, if any.
	closer io.Closer
}

// New creates a new Logger with the specified configuration.
//
// Parameters:
//   - cfg: Logging section of the configuration file
//   - version: Application version for default field
//
// Returns:
//   - *Logger: Configured logger ready for use
//   - error: If the log file cannot be opened
func New(cfg config.LoggingConfig, version string) (*Logger, error) {
	var (
		output io.Writer
		closer io.Closer
	)
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	case "file":
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			return nil, err
		}
		output, closer = f, f
	default:
		output = os.Stdout
	}

	return newLogger(output, closer, cfg, version), nil
}

// NewWriter creates a Logger that writes to w. The caller owns w.
func NewWriter(w io.Writer, cfg config.LoggingConfig, version string) *Logger {
	return newLogger(w, nil, cfg, version)
}

// newLogger builds the handler chain over output.
func newLogger(output io.Writer, closer io.Closer, cfg config.LoggingConfig, version string) *Logger {
	// The base handler accepts everything; levelHandler does the filtering.
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "sensor-reporter"),
		slog.String("version", version),
	})

	return &Logger{
		Logger: slog.New(&levelHandler{min: parseLevel(cfg.Level), next: handler}),
		base:   handler,
		closer: closer,
	}
}

// openLogFile opens path for appending, creating its directory if needed.
func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

// parseLevel converts a string log level to slog.Level.
//
// Unknown levels fall back to info.
func parseLevel(level string) slog.Level {
	canonical, _ := config.ParseLevel(level)
	switch canonical {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a new Logger with additional default attributes.
//
// Example:
//
//	mqttLogger := logger.With("component", "mqtt")
//	mqttLogger.Info("connected") // Includes component=mqtt
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		base:   l.base,
	}
}

// Named returns a child logger tagged with name that filters at level.
// An empty level inherits the parent's current filter.
//
// Example:
//
//	devLog := logger.Named("SensorGarage", "debug")
func (l *Logger) Named(name, level string) *Logger {
	if level == "" {
		return l.With("name", name)
	}
	base := l.base
	if base == nil {
		base = l.Handler()
	}
	child := base.WithAttrs([]slog.Attr{slog.String("name", name)})
	return &Logger{
		Logger: slog.New(&levelHandler{min: parseLevel(level), next: child}),
		base:   base,
	}
}

// Close releases the log file when Output is "file". Safe to call on any Logger.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Default creates a default logger for use before configuration is loaded.
//
// This logger outputs to stdout in text format at info level.
func Default() *Logger {
	l, _ := New(config.LoggingConfig{ //nolint:errcheck // stdout output cannot fail
		Level:  "info",
		Format: "text",
		Output: "stdout",
	}, "dev")
	return l
}

// levelHandler drops records below min before they reach next.
type levelHandler struct {
	min  slog.Level
	next slog.Handler
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.min && h.next.Enabled(ctx, level)
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{min: h.min, next: h.next.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{min: h.min, next: h.next.WithGroup(name)}
}
