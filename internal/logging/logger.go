package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger. Production (ENVIRONMENT=production)
// logs JSON at info; everything else logs text at debug. LOG_LEVEL overrides
// the level in either case.
func Init() {
	production := strings.EqualFold(os.Getenv("ENVIRONMENT"), "production")

	level := slog.LevelDebug
	if production {
		level = slog.LevelInfo
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level = ParseLevel(v, level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if production {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// ParseLevel maps debug/info/warn/error to a slog level, returning fallback
// for anything else.
func ParseLevel(s string, fallback slog.Level) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return fallback
	}
	return level
}

// WithRequest returns a logger with request context fields attached.
// Use this for all logging within one routed request.
func WithRequest(requestID, orgID, userID string) *slog.Logger {
	return slog.With(
		"request_id", requestID,
		"org_id", orgID,
		"user_id", userID,
	)
}

// WithAttempt returns a logger scoped to one model invocation attempt.
func WithAttempt(logger *slog.Logger, tierID string, attempt int, fallback bool) *slog.Logger {
	return logger.With(
		"tier", tierID,
		"attempt", attempt,
		"fallback", fallback,
	)
}
