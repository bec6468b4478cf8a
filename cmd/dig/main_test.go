package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	for level, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		logger, err := newLogger(level)
		require.NoError(t, err, level)
		assert.True(t, logger.Enabled(context.Background(), want), level)
		assert.False(t, logger.Enabled(context.Background(), want-1), level)
	}

	_, err := newLogger("verbose")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DIG_LOG_LEVEL")
}
