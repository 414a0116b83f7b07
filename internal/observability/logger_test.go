package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, level string, redactor *Redactor) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewLogger(LoggerConfig{Level: level, Format: "json", Output: &buf}, redactor)
	require.NoError(t, err)
	return logger, &buf
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNewLogger_RejectsUnknownFormat(t *testing.T) {
	_, err := NewLogger(LoggerConfig{Format: "xml"}, nil)
	assert.Error(t, err)
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LoggerConfig{Format: "text", Output: &buf}, nil)
	require.NoError(t, err)

	logger.Info("test message")
	assert.NotContains(t, buf.String(), "{")
	assert.Contains(t, buf.String(), `msg="test message"`)
}

func TestLogger_WithRequestID(t *testing.T) {
	logger, buf := newTestLogger(t, "info", nil)
	ctx := ContextWithRequestID(context.Background(), "test-req-123")

	logger.WithRequestID(ctx).Info("test message")
	assert.Contains(t, buf.String(), `"request_id":"test-req-123"`)

	assert.Same(t, logger, logger.WithRequestID(context.Background()), "no request id keeps the logger")
}

func TestLogger_WithMemoryKeyAndFields(t *testing.T) {
	logger, buf := newTestLogger(t, "info", nil)

	logger.WithMemoryKey("user-1").WithFields("tier", "hot").Info("retrieved")
	out := buf.String()
	assert.Contains(t, out, `"memory_key":"user-1"`)
	assert.Contains(t, out, `"tier":"hot"`)
}

func TestLogger_RedactedLevels(t *testing.T) {
	logger, buf := newTestLogger(t, "debug", NewRedactor())

	logger.RedactedInfo("API key is sk-1234567890abcdefghijklmnop")
	logger.RedactedWarn("warning: phone +1-555-123-4567")
	logger.RedactedDebug("debug: email test@example.com")
	logger.RedactedError("operation failed", "error", errors.New("dial postgres://mr:hunter2@db:5432/mr"))

	out := buf.String()
	assert.NotContains(t, out, "sk-1234567890")
	assert.Contains(t, out, "[REDACTED_OPENAI_KEY]")
	assert.NotContains(t, out, "555-123-4567")
	assert.NotContains(t, out, "test@example.com")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, `"level":"DEBUG"`)
}

func TestLogger_NoRedactor(t *testing.T) {
	logger, buf := newTestLogger(t, "info", nil)

	logger.RedactedInfo("API key is sk-1234567890abcdefghijklmnop")
	assert.Contains(t, buf.String(), "sk-1234567890")
}

func TestLogger_ContentIsTruncatedAndMasked(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LoggerConfig{Output: &buf, MaxContentChars: 40}, NewRedactor())
	require.NoError(t, err)

	got := logger.Content("user: reach me at test@example.com whenever you like")
	assert.Equal(t, "user: reach me at [REDACTED_EMAIL] whene…", got)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "héllo", Truncate("héllo", 5))
	assert.Equal(t, "hé…", Truncate("héllo", 2))
	assert.Equal(t, "héllo", Truncate("héllo", 0))
}
