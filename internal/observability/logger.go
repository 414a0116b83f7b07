package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LoggerConfig contains configuration for the logger.
type LoggerConfig struct {
	Level     string `yaml:"level"`  // debug, info, warn or error
	Format    string `yaml:"format"` // json or text
	AddSource bool   `yaml:"add_source"`
	// MaxContentChars bounds memory content written to debug logs. Zero
	// keeps the default of 80.
	MaxContentChars int `yaml:"max_content_chars"`

	Output io.Writer `yaml:"-"`
}

// DefaultLoggerConfig logs JSON at info level to stdout.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{Level: "info", Format: "json", MaxContentChars: 80}
}

// ParseLevel maps a level name to a slog level.
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
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Logger wraps slog.Logger with redaction and request ID support.
type Logger struct {
	*slog.Logger
	redactor   *Redactor
	maxContent int
}

// NewLogger creates a logger. A nil redactor disables the Redacted methods'
// masking.
func NewLogger(cfg LoggerConfig, redactor *Redactor) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		handler = slog.NewJSONHandler(out, opts)
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	maxContent := cfg.MaxContentChars
	if maxContent <= 0 {
		maxContent = 80
	}
	return &Logger{
		Logger:     slog.New(handler),
		redactor:   redactor,
		maxContent: maxContent,
	}, nil
}

func (l *Logger) with(sl *slog.Logger) *Logger {
	return &Logger{Logger: sl, redactor: l.redactor, maxContent: l.maxContent}
}

// WithRequestID returns a logger with the request ID from context.
func (l *Logger) WithRequestID(ctx context.Context) *Logger {
	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		return l
	}
	return l.with(l.Logger.With("request_id", requestID))
}

// WithMemoryKey returns a logger tagged with a memory key.
func (l *Logger) WithMemoryKey(key string) *Logger {
	return l.with(l.Logger.With("memory_key", key))
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(args ...any) *Logger {
	return l.with(l.Logger.With(args...))
}

// Content shortens memory text for logging and masks secrets in it.
func (l *Logger) Content(text string) string {
	if l.redactor != nil {
		text = l.redactor.Redact(text)
	}
	return Truncate(text, l.maxContent)
}

// RedactedInfo logs at INFO level with redacted message and arguments.
func (l *Logger) RedactedInfo(msg string, args ...any) {
	l.redacted(slog.LevelInfo, msg, args)
}

// RedactedWarn logs at WARN level with redacted message and arguments.
func (l *Logger) RedactedWarn(msg string, args ...any) {
	l.redacted(slog.LevelWarn, msg, args)
}

// RedactedError logs at ERROR level with redacted message and arguments.
func (l *Logger) RedactedError(msg string, args ...any) {
	l.redacted(slog.LevelError, msg, args)
}

// RedactedDebug logs at DEBUG level with redacted message and arguments.
func (l *Logger) RedactedDebug(msg string, args ...any) {
	l.redacted(slog.LevelDebug, msg, args)
}

func (l *Logger) redacted(level slog.Level, msg string, args []any) {
	if l.redactor != nil {
		msg = l.redactor.Redact(msg)
		args = l.redactArgs(args)
	}
	l.Logger.Log(context.Background(), level, msg, args...)
}

func (l *Logger) redactArgs(args []any) []any {
	result := make([]any, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			result[i] = l.redactor.Redact(v)
		case error:
			result[i] = l.redactor.Redact(v.Error())
		default:
			result[i] = arg
		}
	}
	return result
}

// Slog returns the underlying slog.Logger for components that take one.
func (l *Logger) Slog() *slog.Logger {
	return l.Logger
}
