package logger

import (
	"io"
	"log/slog"
	"os"
)

// Logger is the common logging interface for the generation runtime. It wraps
// slog.Logger so handlers can be injected per generator instead of living in
// module-level state.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// SlogLogger is a Logger implementation that wraps slog.Logger.
type SlogLogger struct {
	logger *slog.Logger
}

// New creates a new Logger with the given handler.
func New(handler slog.Handler) Logger {
	return &SlogLogger{logger: slog.New(handler)}
}

// Default creates a Logger with a text handler writing to stderr.
func Default() Logger {
	return New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// JSON creates a Logger with a JSON handler for production use.
func JSON(w io.Writer, level slog.Level) Logger {
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// Discard creates a Logger that drops everything. Used as the default for
// generators constructed without an explicit logger.
func Discard() Logger {
	return New(slog.NewTextHandler(io.Discard, nil))
}

func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{logger: l.logger.With(args...)}
}
