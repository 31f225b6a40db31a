package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Setup initializes the global logger writing JSON to stderr.
// logic: default to INFO. If level is invalid, fallback to INFO.
// stdout is left alone: a host orchestrator may be reading it.
func Setup(level string) {
	SetupWithFormat(level, "json")
}

// SetupWithFormat is Setup with an explicit handler format ("json" or "text").
func SetupWithFormat(level, format string) {
	once.Do(func() {
		logger = newLogger(os.Stderr, level, format)
		slog.SetDefault(logger)
	})
}

// SetupWithFile is SetupWithFormat that also appends to a size-rotated file
// at path. An empty path logs to stderr only.
func SetupWithFile(level, format, path string) {
	once.Do(func() {
		var w io.Writer = os.Stderr
		if path != "" {
			w = io.MultiWriter(os.Stderr, rotatingFile(path))
		}
		logger = newLogger(w, level, format)
		slog.SetDefault(logger)
	})
}

func rotatingFile(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // MB
		MaxBackups: 3,
		MaxAge:     7, // days
	}
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a config string onto a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithHandler returns a logger with the handler identifier field set.
func WithHandler(identifier string) *slog.Logger {
	return Get().With(slog.String("handler", identifier))
}

// WithRequest returns a logger with the request_id field set.
func WithRequest(id string) *slog.Logger {
	return Get().With(slog.String("request_id", id))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
