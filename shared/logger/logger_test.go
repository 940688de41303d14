package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, level, format string) (*Logger, *bytes.Buffer) {
	t.Helper()

	output := &bytes.Buffer{}
	logger, err := New(&Config{
		Level:      level,
		Format:     format,
		TimeFormat: time.RFC3339,
		writer:     output,
	})
	require.NoError(t, err)
	require.NotNil(t, logger)

	return logger, output
}

func TestNew(t *testing.T) {
	t.Run("json format with debug level", func(t *testing.T) {
		logger, output := newTestLogger(t, "debug", "json")
		logger.Debug("test debug message", slog.String("key", "value"))

		var logEntry map[string]interface{}
		require.NoError(t, json.Unmarshal(output.Bytes(), &logEntry))

		assert.Equal(t, "DEBUG", logEntry["level"])
		assert.Equal(t, "test debug message", logEntry["msg"])
		assert.Equal(t, "value", logEntry["key"])
		assert.Contains(t, logEntry, "time")
	})

	t.Run("info level filters debug", func(t *testing.T) {
		logger, output := newTestLogger(t, "info", "json")
		logger.Debug("debug message")
		logger.Info("info message", slog.String("job_id", "abc"))

		lines := strings.Split(strings.TrimSpace(output.String()), "\n")
		assert.Len(t, lines, 1)

		var logEntry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &logEntry))

		assert.Equal(t, "INFO", logEntry["level"])
		assert.Equal(t, "abc", logEntry["job_id"])
	})

	t.Run("error level filters warn", func(t *testing.T) {
		logger, output := newTestLogger(t, "error", "json")
		logger.Warn("warn message")
		logger.Error("error message", slog.String("code", "500"))

		lines := strings.Split(strings.TrimSpace(output.String()), "\n")
		assert.Len(t, lines, 1)
		assert.Contains(t, lines[0], "error message")
	})

	t.Run("console format", func(t *testing.T) {
		logger, output := newTestLogger(t, "info", "console")
		logger.Info("console test")

		// tint abbreviates the level to "INF"
		assert.Contains(t, output.String(), "INF")
		assert.Contains(t, output.String(), "console test")
	})
}

func TestNewDefault(t *testing.T) {
	logger := NewDefault()
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Logger)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{level: "debug", expected: slog.LevelDebug},
		{level: "info", expected: slog.LevelInfo},
		{level: "warn", expected: slog.LevelWarn},
		{level: "warning", expected: slog.LevelWarn},
		{level: "error", expected: slog.LevelError},
		{level: "invalid", expected: slog.LevelInfo},
		{level: "", expected: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run("level "+tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.level))
		})
	}
}

func TestLogger_With(t *testing.T) {
	logger, output := newTestLogger(t, "info", "json")

	contextLogger := logger.With(
		slog.String("service", "worker"),
		slog.Int("version", 1),
	)
	require.NotNil(t, contextLogger)

	contextLogger.Info("operation complete")

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(output.Bytes(), &logEntry))

	assert.Equal(t, "worker", logEntry["service"])
	assert.Equal(t, float64(1), logEntry["version"])
}

func TestLogger_WithGroup(t *testing.T) {
	logger, output := newTestLogger(t, "info", "json")

	groupLogger := logger.WithGroup("store")
	groupLogger.Info("test message", slog.String("key", "value"))

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(output.Bytes(), &logEntry))

	require.Contains(t, logEntry, "store")
	group := logEntry["store"].(map[string]interface{})
	assert.Equal(t, "value", group["key"])
}
