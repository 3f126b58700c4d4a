package jobs

import (
	"context"
	"log"
	"time"
)

// TierChecker probes one model tier
type TierChecker interface {
	CheckTier(ctx context.Context, tierID string) error
}

// TierHealthChecker performs periodic health probes on model tiers
type TierHealthChecker struct {
	checker  TierChecker
	tiers    []string
	schedule string
	delay    time.Duration
}

// NewTierHealthChecker creates a new tier health checker job
func NewTierHealthChecker(checker TierChecker, tiers []string, schedule string) *TierHealthChecker {
	return &TierHealthChecker{
		checker:  checker,
		tiers:    tiers,
		schedule: schedule,
		delay:    2 * time.Second,
	}
}

func (p *TierHealthChecker) Name() string     { return "tier_health_check" }
func (p *TierHealthChecker) Schedule() string { return p.schedule }

// Run probes every tier. Failures are recorded by the checker, not returned.
func (p *TierHealthChecker) Run(ctx context.Context) error {
	log.Printf("[HEALTH-JOB] Checking %d tier(s)...", len(p.tiers))

	healthy, failed := 0, 0
	for i, tierID := range p.tiers {
		if i > 0 && p.delay > 0 {
			// Small delay between checks to avoid rate limiting
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.delay):
			}
		}

		if err := p.checker.CheckTier(ctx, tierID); err != nil {
			failed++
			log.Printf("[HEALTH-JOB] %s: FAILED (%v)", tierID, err)
			continue
		}
		healthy++
	}

	log.Printf("[HEALTH-JOB] Health checks complete: %d healthy, %d failed", healthy, failed)
	return nil
}
