package budget

import (
	"context"
	"fmt"
	"log"
	"time"

	"taskpilot/internal/models"
)

// counterTTL keeps a month's counter a little past the month's end
const counterTTL = 40 * 24 * time.Hour

// Ledger enforces per-organization monthly spend. CheckBudget reserves the
// estimated cost in one atomic step; RecordUsage settles the reservation to
// the actual cost; Release returns a reservation that was never spent.
type Ledger struct {
	counter Counter
	limits  LimitResolver
	usage   UsageSink
	now     func() time.Time
}

// NewLedger creates a ledger. usage may be nil (no audit trail).
func NewLedger(counter Counter, limits LimitResolver, usage UsageSink) *Ledger {
	return &Ledger{
		counter: counter,
		limits:  limits,
		usage:   usage,
		now:     time.Now,
	}
}

// Period returns the ledger period for t (calendar month, UTC)
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// CounterKey returns the counter key of an organization's period
func CounterKey(orgID, period string) string {
	return fmt.Sprintf("budget:%s:%s", orgID, period)
}

// CheckBudget reserves estimatedUSD for orgID. When the reservation would
// take the organization over its limit nothing is reserved and the decision
// is not allowed.
func (l *Ledger) CheckBudget(ctx context.Context, orgID string, tier models.ModelTier, estimatedUSD float64) (models.BudgetDecision, error) {
	period := Period(l.now())
	limitUSD := l.limits.MonthlyLimitUSD(ctx, orgID)
	limit := int64(-1)
	if limitUSD >= 0 {
		limit = int64(limitUSD * models.MicrosPerUSD)
	}
	amount := models.USDToMicros(estimatedUSD)

	decision := models.BudgetDecision{
		OrgID:       orgID,
		TierID:      tier.ID,
		Period:      period,
		LimitMicros: limit,
	}

	ok, spent, err := l.counter.Reserve(ctx, CounterKey(orgID, period), amount, limit, counterTTL)
	if err != nil {
		return decision, err
	}
	decision.SpentMicros = spent
	if !ok {
		decision.Reason = fmt.Sprintf("monthly budget of $%.2f reached ($%.4f spent, $%.4f needed for %s)",
			limitUSD, float64(spent)/models.MicrosPerUSD, estimatedUSD, tier.ID)
		log.Printf("🚫 [BUDGET] Org %s over budget for %s: %s", orgID, tier.ID, decision.Reason)
		return decision, nil
	}

	decision.Allowed = true
	decision.ReservedMicros = amount
	return decision, nil
}

// RecordUsage settles the reservation to the actual cost and appends an audit row
func (l *Ledger) RecordUsage(ctx context.Context, decision models.BudgetDecision, rec models.UsageRecord) error {
	actual := models.USDToMicros(rec.CostUSD)
	period := decision.Period
	if period == "" {
		// Fail-open decisions reserved nothing; the spend still counts
		period = Period(l.now())
	}
	if delta := actual - decision.ReservedMicros; delta != 0 {
		if _, err := l.counter.Adjust(ctx, CounterKey(decision.OrgID, period), delta); err != nil {
			return fmt.Errorf("failed to settle budget reservation: %w", err)
		}
	}

	if l.usage == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now()
	}
	return l.usage.SaveUsage(ctx, rec)
}

// Release returns an unused reservation
func (l *Ledger) Release(ctx context.Context, decision models.BudgetDecision) error {
	if decision.ReservedMicros == 0 || decision.Period == "" {
		return nil
	}
	_, err := l.counter.Adjust(ctx, CounterKey(decision.OrgID, decision.Period), -decision.ReservedMicros)
	if err != nil {
		return fmt.Errorf("failed to release budget reservation: %w", err)
	}
	return nil
}

// Spent returns an organization's spend in the current period
func (l *Ledger) Spent(ctx context.Context, orgID string) (float64, error) {
	micros, err := l.counter.Spent(ctx, CounterKey(orgID, Period(l.now())))
	if err != nil {
		return 0, err
	}
	return float64(micros) / models.MicrosPerUSD, nil
}
