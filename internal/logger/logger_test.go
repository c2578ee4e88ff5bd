package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetGlobalLevel(t *testing.T) {
	t.Helper()
	previous := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(previous) })
}

func TestNewConsoleOutput(t *testing.T) {
	resetGlobalLevel(t)
	var buf bytes.Buffer

	logger, err := New(Config{Level: "info", Console: true, Output: &buf})
	require.NoError(t, err)
	defer logger.Close()

	zl := logger.Zerolog()
	zl.Info().Str("session_id", "abc").Msg("Session started")
	zl.Debug().Msg("hidden")

	out := buf.String()
	assert.Contains(t, out, `"session_id":"abc"`)
	assert.Contains(t, out, "Session started")
	assert.NotContains(t, out, "hidden")
}

func TestNewInstallsGlobalLogger(t *testing.T) {
	resetGlobalLevel(t)
	var buf bytes.Buffer

	logger, err := New(Config{Level: "debug", Console: true, Output: &buf})
	require.NoError(t, err)
	defer logger.Close()

	log.Debug().Msg("through global")
	assert.Contains(t, buf.String(), "through global")
}

func TestNewFileOutputWithRedaction(t *testing.T) {
	resetGlobalLevel(t)
	logFile := filepath.Join(t.TempDir(), "logs", "convo.log")

	logger, err := New(Config{Level: "info", File: logFile, Redaction: true, MaxSize: 1})
	require.NoError(t, err)
	require.NotNil(t, logger.redactor)

	zl := logger.Zerolog()
	zl.Warn().Str("key", "gsk_abcdefghijklmnopqrstuvwxyz0123").Msg("Model call failed")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Model call failed")
	assert.Contains(t, string(data), "[REDACTED]")
	assert.NotContains(t, string(data), "gsk_")
}

func TestNewFileError(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	_, err := New(Config{File: filepath.Join(blocker, "convo.log")})
	assert.Error(t, err)
}

func TestSetLevel(t *testing.T) {
	resetGlobalLevel(t)
	var buf bytes.Buffer

	logger, err := New(Config{Level: "warn", Console: true, Output: &buf})
	require.NoError(t, err)
	defer logger.Close()

	child := logger.Component("chat")
	child.Info().Msg("before")
	require.NoError(t, logger.SetLevel("debug"))
	child.Info().Msg("after")

	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), "after")
	assert.Contains(t, buf.String(), `"component":"chat"`)

	assert.Error(t, logger.SetLevel("loud"))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zerolog.Level
		wantErr bool
	}{
		{"", zerolog.InfoLevel, false},
		{"debug", zerolog.DebugLevel, false},
		{"error", zerolog.ErrorLevel, false},
		{"nope", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.wantErr, err != nil, tt.in)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Pretty)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 50, cfg.MaxSize)
	assert.Equal(t, 14, cfg.MaxAge)
	assert.True(t, cfg.Compress)
}
