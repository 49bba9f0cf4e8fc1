package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]LogLevel{
		"error":   LogLevelError,
		"WARN":    LogLevelWarn,
		"warning": LogLevelWarn,
		"info":    LogLevelInfo,
		"Debug":   LogLevelDebug,
	} {
		got, err := parseLogLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := parseLogLevel("trace")
	require.Error(t, err)
}

func TestNewLogger_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, LogLevelWarn)

	logger.Info("quiet")
	logger.Warn("loud", "device", "/dev/ttyACM0")

	require.NotContains(t, buf.String(), "quiet")
	require.Contains(t, buf.String(), "device=/dev/ttyACM0")
	require.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestSetupLoggerFromConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motorlink.log")
	logger, closer, err := setupLoggerFromConfig(LoggingConfig{Level: "debug", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Debug("serial port open", "device", "/dev/ttyACM0")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), "serial port open")

	_, _, err = setupLoggerFromConfig(LoggingConfig{Level: "nope"})
	require.Error(t, err)
}
