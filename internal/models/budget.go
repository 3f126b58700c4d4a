package models

import "time"

// BudgetDecision is the result of an atomic budget check. When Allowed is true
// the estimated cost has already been reserved against the ledger.
type BudgetDecision struct {
	Allowed        bool   `json:"allowed"`
	Reason         string `json:"reason,omitempty"`
	OrgID          string `json:"org_id"`
	TierID         string `json:"tier_id"`
	Period         string `json:"period"`
	ReservedMicros int64  `json:"reserved_micros"`
	SpentMicros    int64  `json:"spent_micros"`
	LimitMicros    int64  `json:"limit_micros"` // negative = unlimited
}

// UsageRecord is written to the ledger after a call completes
type UsageRecord struct {
	OrgID            string    `json:"org_id"`
	UserID           string    `json:"user_id"`
	TierID           string    `json:"tier_id"`
	RequestedTierID  string    `json:"requested_tier_id"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	TaskType         TaskType  `json:"task_type"`
	Method           string    `json:"method"`
	FallbackUsed     bool      `json:"fallback_used"`
	MemorySessionID  string    `json:"memory_session_id,omitempty"`
	LatencyMs        int64     `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// MicrosPerUSD converts dollars to integer ledger units
const MicrosPerUSD = 1_000_000

// USDToMicros rounds a dollar amount up to whole micro-dollars
func USDToMicros(usd float64) int64 {
	if usd <= 0 {
		return 0
	}
	m := int64(usd * MicrosPerUSD)
	if float64(m) < usd*MicrosPerUSD {
		m++
	}
	return m
}

// OrgSettings is per-organization configuration resolved by the settings service
type OrgSettings struct {
	OrgID              string             `bson:"orgId" json:"org_id"`
	Name               string             `bson:"name,omitempty" json:"name,omitempty"`
	ClassificationMode ClassificationMode `bson:"classificationMode" json:"classification_mode"`
	MonthlyBudgetUSD   float64            `bson:"monthlyBudgetUsd" json:"monthly_budget_usd"` // negative = unlimited
	UpdatedAt          time.Time          `bson:"updatedAt" json:"updated_at"`
}
