package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"garbage", slog.LevelWarn},
		{"", slog.LevelWarn},
	}
	for _, tt := range tests {
		got, _ := ParseLevel(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func logToFile(t *testing.T, format string, level slog.Level, emit func()) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.log")
	file, err := os.Create(path)
	require.NoError(t, err)
	defer file.Close()

	Init(level, file, format)
	emit()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestSimpleFormat(t *testing.T) {
	out := logToFile(t, "simple", slog.LevelInfo, func() {
		slog.Info("fleet started", "servers", 3)
	})
	assert.Contains(t, out, "INFO fleet started servers=3")
	// Simple format carries no timestamp prefix.
	assert.NotContains(t, out, "/")
}

func TestVerboseFormatHasTimestamp(t *testing.T) {
	out := logToFile(t, "verbose", slog.LevelInfo, func() {
		slog.Info("hello")
	})
	assert.Contains(t, out, "INFO hello")
	assert.Regexp(t, `\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}`, out)
}

func TestWarnRenamed(t *testing.T) {
	out := logToFile(t, "simple", slog.LevelInfo, func() {
		slog.Warn("careful")
	})
	assert.Contains(t, out, "WARN careful")
	assert.NotContains(t, out, "WARNING")
}

func TestLevelFiltering(t *testing.T) {
	out := logToFile(t, "simple", slog.LevelWarn, func() {
		slog.Debug("hidden")
		slog.Info("also hidden")
		slog.Error("shown")
	})
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "ERROR shown")
}

func TestOpenLogFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	file, cleanup, err := OpenLogFile(path)
	require.NoError(t, err)
	_, err = file.WriteString("first\n")
	require.NoError(t, err)
	cleanup()

	file, cleanup, err = OpenLogFile(path)
	require.NoError(t, err)
	_, err = file.WriteString("second\n")
	require.NoError(t, err)
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))
}

func TestGetLoggerLazyInit(t *testing.T) {
	defaultLogger = nil
	assert.NotNil(t, GetLogger())
}
