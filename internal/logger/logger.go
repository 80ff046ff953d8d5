// Package logger wraps log/slog behind a small interface that is passed through
// context to every stage of a conversion.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var (
	ErrUnknownLevel  = errors.New("unknown log level")
	ErrUnknownFormat = errors.New("unknown log format")
)

// Logger is the logging surface used across ggufq.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
	Enabled(level slog.Level) bool
}

// Format selects a handler.
type Format string

const (
	// FormatAuto picks FormatPretty on a terminal and FormatText otherwise.
	FormatAuto   Format = "auto"
	FormatText   Format = "text"
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Options configures New. The zero value logs text at info to stderr.
type Options struct {
	Writer io.Writer
	Level  slog.Level
	Format Format
	// Source adds the caller location to every record.
	Source bool
}

type SlogLogger struct {
	logger *slog.Logger
}

// New builds a Logger from opts.
func New(opts Options) Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: opts.Level, AddSource: opts.Source}

	var h slog.Handler
	switch opts.Format {
	case FormatJSON:
		h = slog.NewJSONHandler(w, hopts)
	case FormatPretty:
		h = NewPrettyHandler(w, hopts, isTerminal(w))
	case FormatAuto:
		if isTerminal(w) {
			h = NewPrettyHandler(w, hopts, true)
		} else {
			h = slog.NewTextHandler(w, hopts)
		}
	default:
		h = slog.NewTextHandler(w, hopts)
	}
	return FromHandler(h)
}

func FromHandler(h slog.Handler) Logger { return &SlogLogger{logger: slog.New(h)} }

// Default logs text at info to stderr.
func Default() Logger { return New(Options{}) }

// Discard drops every record.
func Discard() Logger { return FromHandler(slog.DiscardHandler) }

// FromContext returns the logger stored in ctx, or Default.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	return Default()
}

func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

type loggerKey struct{}

func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{logger: l.logger.With(args...)}
}

func (l *SlogLogger) WithGroup(name string) Logger {
	return &SlogLogger{logger: l.logger.WithGroup(name)}
}

func (l *SlogLogger) Enabled(level slog.Level) bool {
	return l.logger.Enabled(context.Background(), level)
}

// ParseLevel accepts debug, info, warn (or warning) and error in any case.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
	}
}

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatAuto, nil
	case FormatAuto, FormatText, FormatJSON, FormatPretty:
		return f, nil
	default:
		return FormatAuto, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}
