package health

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_FailureThreshold(t *testing.T) {
	s := NewService(2, time.Hour)
	s.RegisterTier("claude-sonnet", "anthropic")

	assert.True(t, s.IsHealthy("claude-sonnet"), "unknown status counts as healthy")

	s.MarkUnhealthy("claude-sonnet", "connection reset", 0)
	assert.True(t, s.IsHealthy("claude-sonnet"), "one failure is below threshold")

	s.MarkUnhealthy("claude-sonnet", "connection reset", 0)
	assert.False(t, s.IsHealthy("claude-sonnet"))

	s.MarkHealthy("claude-sonnet", 120*time.Millisecond)
	assert.True(t, s.IsHealthy("claude-sonnet"))

	all := s.GetAll()
	require.Len(t, all, 1)
	assert.Equal(t, StatusHealthy, all[0].Status)
	assert.Equal(t, 0, all[0].FailureCount)
	assert.Equal(t, int64(120), all[0].LastLatencyMs)
}

func TestService_QuotaCooldown(t *testing.T) {
	s := NewService(3, time.Hour)
	s.RegisterTier("gpt-mini", "openai")

	s.MarkUnhealthy("gpt-mini", "Rate limit reached", http.StatusTooManyRequests)
	assert.False(t, s.IsHealthy("gpt-mini"))

	all := s.GetAll()
	require.Len(t, all, 1)
	assert.Equal(t, StatusCooldown, all[0].Status)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), all[0].CooldownUntil, 5*time.Second)

	status := s.GetStatus()
	assert.Equal(t, 1, status["total"])
	assert.Equal(t, 1, status["status"].(map[string]int)["cooldown"])
}

func TestService_CooldownCappedByConfig(t *testing.T) {
	s := NewService(3, 10*time.Minute)
	s.RegisterTier("gpt-mini", "openai")

	s.MarkUnhealthy("gpt-mini", "insufficient_quota: check your billing", 0)
	all := s.GetAll()
	require.Len(t, all, 1)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), all[0].CooldownUntil, 5*time.Second)
}

func TestService_UnregisteredTiersIgnored(t *testing.T) {
	s := NewService(0, 0)
	s.MarkUnhealthy("ghost", "boom", 500)
	s.MarkHealthy("ghost", time.Second)

	assert.True(t, s.IsHealthy("ghost"))
	assert.Empty(t, s.GetAll())
}

func TestService_CheckTier(t *testing.T) {
	s := NewService(1, time.Hour)
	s.RegisterTier("a", "openai")
	s.RegisterTier("b", "openai")

	assert.Error(t, s.CheckTier(context.Background(), "a"), "no probe configured")
	assert.Error(t, s.CheckTier(context.Background(), "missing"))

	s.SetProbe(func(_ context.Context, tierID string) error {
		if tierID == "b" {
			return errors.New("upstream 500")
		}
		return nil
	})

	require.NoError(t, s.CheckTier(context.Background(), "a"))
	require.Error(t, s.CheckTier(context.Background(), "b"))

	assert.True(t, s.IsHealthy("a"))
	assert.False(t, s.IsHealthy("b"))

	all := s.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].TierID)
	assert.Equal(t, "upstream 500", all[1].LastError)
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
		want FailureKind
	}{
		{"429", http.StatusTooManyRequests, "", FailureRateLimited},
		{"per minute body", 400, "Rate limit reached for tokens per minute", FailureRateLimited},
		{"quota body", 400, "You exceeded your current quota: insufficient_quota", FailureQuotaExhausted},
		{"quota wins over 429", http.StatusTooManyRequests, "daily limit reached", FailureQuotaExhausted},
		{"plain 500", 500, "internal error", FailureTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyFailure(tt.code, tt.body))
		})
	}

	assert.Zero(t, CooldownFor(FailureTransient))
	assert.Equal(t, 5*time.Minute, CooldownFor(FailureRateLimited))
	assert.Equal(t, 24*time.Hour, CooldownFor(FailureQuotaExhausted))
}
