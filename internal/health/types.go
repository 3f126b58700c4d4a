package health

import (
	"context"
	"time"
)

// HealthStatus represents the health state of a model tier
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusCooldown  HealthStatus = "cooldown"
	StatusUnknown   HealthStatus = "unknown"
)

// TierHealth tracks the health of a single model tier
type TierHealth struct {
	TierID        string       `json:"tier_id"`
	Provider      string       `json:"provider"`
	Status        HealthStatus `json:"status"`
	LastChecked   time.Time    `json:"last_checked"`
	LastSuccessAt time.Time    `json:"last_success_at"`
	FailureCount  int          `json:"failure_count"`
	LastError     string       `json:"last_error,omitempty"`
	CooldownUntil time.Time    `json:"cooldown_until"`
	LastLatencyMs int64        `json:"last_latency_ms"`
}

// ProbeFunc performs a minimal live call against a tier
type ProbeFunc func(ctx context.Context, tierID string) error
