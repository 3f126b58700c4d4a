package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"taskpilot/internal/database"
	"taskpilot/internal/models"
)

// UsageSink receives one audit row per completed call
type UsageSink interface {
	SaveUsage(ctx context.Context, rec models.UsageRecord) error
}

// UsageStore writes usage records to MySQL
type UsageStore struct {
	db *database.DB
}

// NewUsageStore creates a MySQL usage store
func NewUsageStore(db *database.DB) *UsageStore {
	return &UsageStore{db: db}
}

// SaveUsage appends an audit row
func (s *UsageStore) SaveUsage(ctx context.Context, rec models.UsageRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_usage_records
			(org_id, user_id, tier_id, requested_tier_id, prompt_tokens, completion_tokens,
			 cost_micros, task_type, method, fallback_used, memory_session_id, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.OrgID, rec.UserID, rec.TierID, rec.RequestedTierID, rec.PromptTokens, rec.CompletionTokens,
		models.USDToMicros(rec.CostUSD), string(rec.TaskType), rec.Method, rec.FallbackUsed,
		nullString(rec.MemorySessionID), rec.LatencyMs, createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save usage record: %w", err)
	}
	return nil
}

// TierSpend is the aggregated spend of one tier within a period
type TierSpend struct {
	TierID     string  `json:"tier_id"`
	Calls      int64   `json:"calls"`
	CostUSD    float64 `json:"cost_usd"`
	TokensUsed int64   `json:"tokens_used"`
}

// SpendByTier aggregates an organization's usage between from and to
func (s *UsageStore) SpendByTier(ctx context.Context, orgID string, from, to time.Time) ([]TierSpend, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tier_id, COUNT(*), COALESCE(SUM(cost_micros), 0), COALESCE(SUM(prompt_tokens + completion_tokens), 0)
		FROM ai_usage_records
		WHERE org_id = ? AND created_at >= ? AND created_at < ?
		GROUP BY tier_id
		ORDER BY tier_id`,
		orgID, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var out []TierSpend
	for rows.Next() {
		var ts TierSpend
		var micros int64
		if err := rows.Scan(&ts.TierID, &ts.Calls, &micros, &ts.TokensUsed); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		ts.CostUSD = float64(micros) / models.MicrosPerUSD
		out = append(out, ts)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
