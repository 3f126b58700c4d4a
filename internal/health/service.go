package health

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

const (
	defaultFailureThreshold = 3
	defaultCooldownDuration = 1 * time.Hour
)

// Service tracks the health of every model tier. It is informational:
// routing never consults it, but attempts feed it and /health reports it.
type Service struct {
	mu               sync.RWMutex
	tiers            map[string]*TierHealth
	probe            ProbeFunc
	failureThreshold int
	cooldownDuration time.Duration
}

// NewService creates a new health service
func NewService(failureThreshold int, cooldownDuration time.Duration) *Service {
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	if cooldownDuration <= 0 {
		cooldownDuration = defaultCooldownDuration
	}

	return &Service{
		tiers:            make(map[string]*TierHealth),
		failureThreshold: failureThreshold,
		cooldownDuration: cooldownDuration,
	}
}

// SetProbe registers the active check used by CheckTier
func (s *Service) SetProbe(probe ProbeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probe = probe
}

// RegisterTier adds a tier to the health table
func (s *Service) RegisterTier(tierID, provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tiers[tierID]; !exists {
		s.tiers[tierID] = &TierHealth{
			TierID:   tierID,
			Provider: provider,
			Status:   StatusUnknown,
		}
		log.Printf("[HEALTH] Registered tier %s (%s)", tierID, provider)
	}
}

// GetAll returns every registered tier sorted by id
func (s *Service) GetAll() []TierHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]TierHealth, 0, len(s.tiers))
	for _, h := range s.tiers {
		result = append(result, *h)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TierID < result[j].TierID })
	return result
}

// IsHealthy reports whether a tier is considered healthy.
// Unknown tiers are assumed healthy.
func (s *Service) IsHealthy(tierID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, exists := s.tiers[tierID]
	if !exists {
		return true
	}

	switch h.Status {
	case StatusUnhealthy:
		return false
	case StatusCooldown:
		return time.Now().After(h.CooldownUntil)
	default:
		return true
	}
}

// MarkHealthy records a successful call
func (s *Service) MarkHealthy(tierID string, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, exists := s.tiers[tierID]
	if !exists {
		return
	}

	wasUnhealthy := h.Status == StatusUnhealthy || h.Status == StatusCooldown
	now := time.Now()
	h.Status = StatusHealthy
	h.FailureCount = 0
	h.LastError = ""
	h.LastSuccessAt = now
	h.LastChecked = now
	h.LastLatencyMs = latency.Milliseconds()
	h.CooldownUntil = time.Time{}

	if wasUnhealthy {
		log.Printf("[HEALTH] Tier %s recovered - now healthy", tierID)
	}
}

// MarkUnhealthy records a failure. Quota errors put the tier in cooldown;
// other failures mark it unhealthy once the threshold is reached.
func (s *Service) MarkUnhealthy(tierID string, errMsg string, httpCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, exists := s.tiers[tierID]
	if !exists {
		return
	}

	h.FailureCount++
	h.LastError = errMsg
	h.LastChecked = time.Now()

	if kind := ClassifyFailure(httpCode, errMsg); kind != FailureTransient {
		cooldown := min(CooldownFor(kind), s.cooldownDuration)
		h.Status = StatusCooldown
		h.CooldownUntil = time.Now().Add(cooldown)
		log.Printf("[HEALTH] Tier %s in COOLDOWN (%s) until %s: %s",
			tierID, kind, h.CooldownUntil.Format(time.RFC3339), truncateStr(errMsg, 100))
		return
	}

	if h.FailureCount >= s.failureThreshold {
		h.Status = StatusUnhealthy
		log.Printf("[HEALTH] Tier %s marked UNHEALTHY after %d failures: %s",
			tierID, h.FailureCount, truncateStr(errMsg, 200))
	} else {
		log.Printf("[HEALTH] Tier %s failure %d/%d: %s",
			tierID, h.FailureCount, s.failureThreshold, truncateStr(errMsg, 200))
	}
}

// CheckTier runs the registered probe against one tier
func (s *Service) CheckTier(ctx context.Context, tierID string) error {
	s.mu.RLock()
	probe := s.probe
	_, exists := s.tiers[tierID]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("tier not registered: %s", tierID)
	}
	if probe == nil {
		return fmt.Errorf("no health probe configured")
	}

	start := time.Now()
	if err := probe(ctx, tierID); err != nil {
		s.MarkUnhealthy(tierID, err.Error(), 0)
		return err
	}
	s.MarkHealthy(tierID, time.Since(start))
	return nil
}

// GetStatus returns a health summary
func (s *Service) GetStatus() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[string]int{"healthy": 0, "unhealthy": 0, "cooldown": 0, "unknown": 0}
	for _, h := range s.tiers {
		switch h.Status {
		case StatusHealthy:
			counts["healthy"]++
		case StatusUnhealthy:
			counts["unhealthy"]++
		case StatusCooldown:
			if time.Now().After(h.CooldownUntil) {
				counts["unknown"]++
			} else {
				counts["cooldown"]++
			}
		default:
			counts["unknown"]++
		}
	}

	return map[string]interface{}{
		"total":  len(s.tiers),
		"status": counts,
	}
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
