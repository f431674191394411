// Package logging is the leveled slog wrapper shared by the stream client,
// the dispatcher and the reference backend.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Level represents the logging level.
type Level int

const (
	// LevelDebug logs stream internals: batches, retries, finalization.
	LevelDebug Level = iota
	// LevelInfo logs request lifecycle messages.
	LevelInfo
	// LevelWarn logs skipped lines and recoverable failures.
	LevelWarn
	// LevelError logs surfaced errors only.
	LevelError
	// LevelOff disables all logging.
	LevelOff
)

// ParseLevel maps a level name to a Level. Unknown names map to LevelOff.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelOff
	}
}

// Logger wraps slog with a level gate. The zero value and nil are both
// valid and log nothing.
type Logger struct {
	slog  *slog.Logger
	level Level
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{level: LevelOff}
}

// New creates a logger writing text records to w.
func New(level Level, w io.Writer) *Logger {
	if level == LevelOff {
		return Nop()
	}
	if w == nil {
		w = os.Stderr
	}

	var slogLevel slog.Level
	switch level {
	case LevelDebug:
		slogLevel = slog.LevelDebug
	case LevelWarn:
		slogLevel = slog.LevelWarn
	case LevelError:
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time()
				a.Value = slog.StringValue(t.Format("15:04:05.000"))
			}
			return a
		},
	}

	return &Logger{
		slog:  slog.New(slog.NewTextHandler(w, opts)),
		level: level,
	}
}

// NewFromEnv creates a logger based on the LOG_LEVEL environment variable.
// Defaults to LevelOff if not set.
func NewFromEnv() *Logger {
	return New(ParseLevel(os.Getenv("LOG_LEVEL")), os.Stderr)
}

// IsEnabled returns true if logging is enabled at any level.
func (l *Logger) IsEnabled() bool {
	return l != nil && l.level != LevelOff && l.slog != nil
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...any) {
	if l.IsEnabled() && l.level <= LevelDebug {
		l.slog.Debug(msg, args...)
	}
}

// Info logs an info message.
func (l *Logger) Info(msg string, args ...any) {
	if l.IsEnabled() && l.level <= LevelInfo {
		l.slog.Info(msg, args...)
	}
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...any) {
	if l.IsEnabled() && l.level <= LevelWarn {
		l.slog.Warn(msg, args...)
	}
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...any) {
	if l.IsEnabled() && l.level <= LevelError {
		l.slog.Error(msg, args...)
	}
}

// With returns a new logger with the given attributes.
func (l *Logger) With(args ...any) *Logger {
	if !l.IsEnabled() {
		return l
	}
	return &Logger{
		slog:  l.slog.With(args...),
		level: l.level,
	}
}

// RequestLogger times a single HTTP request.
type RequestLogger struct {
	logger    *Logger
	method    string
	url       string
	startTime time.Time
}

// StartRequest begins timing an HTTP request.
func (l *Logger) StartRequest(method, url string) *RequestLogger {
	if !l.IsEnabled() {
		return &RequestLogger{logger: l}
	}
	l.Debug("request started", "method", method, "url", url)
	return &RequestLogger{
		logger:    l,
		method:    method,
		url:       url,
		startTime: time.Now(),
	}
}

// Success logs a completed request.
func (r *RequestLogger) Success(statusCode int) {
	if !r.logger.IsEnabled() {
		return
	}
	r.logger.Info("request completed",
		"method", r.method,
		"url", r.url,
		"status", statusCode,
		"duration_ms", time.Since(r.startTime).Milliseconds(),
	)
}

// Error logs a failed request.
func (r *RequestLogger) Error(err error) {
	if !r.logger.IsEnabled() {
		return
	}
	r.logger.Error("request failed",
		"method", r.method,
		"url", r.url,
		"error", err.Error(),
		"duration_ms", time.Since(r.startTime).Milliseconds(),
	)
}
