package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn", slog.LevelInfo))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR", slog.LevelInfo))
	assert.Equal(t, slog.LevelInfo, ParseLevel("loud", slog.LevelInfo))
}

func TestWithAttempt(t *testing.T) {
	logger := WithAttempt(WithRequest("req-1", "org-1", "user-1"), "gpt-4o", 2, true)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))
}
