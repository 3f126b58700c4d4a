package models

import "time"

// RouteRequest is the inbound orchestration request
type RouteRequest struct {
	Prompt         string          `json:"prompt" validate:"required,max=100000"`
	OrgID          string          `json:"orgId" validate:"required"`
	UserID         string          `json:"userId" validate:"required"`
	Context        *RequestContext `json:"context,omitempty"`
	MemoryKeywords []string        `json:"memoryKeywords,omitempty" validate:"omitempty,max=50,dive,max=100"`
	MemoryLevels   LevelRefs       `json:"memoryLevels,omitempty"`
	MaxTokens      int             `json:"maxTokens,omitempty" validate:"omitempty,min=1,max=200000"`
	Temperature    *float64        `json:"temperature,omitempty" validate:"omitempty,min=0,max=2"`
	ForceModel     string          `json:"forceModel,omitempty"`
	RequestID      string          `json:"-"`
}

// TokenUsage splits token counts by direction
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// CostInfo is the computed cost of a call
type CostInfo struct {
	USD       float64 `json:"usd"`
	Breakdown string  `json:"breakdown"`
}

// RouteResponse carries the model output with full provenance
type RouteResponse struct {
	Content         string               `json:"content"`
	Model           string               `json:"model"`
	TokensUsed      TokenUsage           `json:"tokensUsed"`
	Cost            CostInfo             `json:"cost"`
	Classification  ClassificationResult `json:"classification"`
	MemorySessionID string               `json:"memorySessionId,omitempty"`
	Cached          bool                 `json:"cached"`
	LatencyMs       int64                `json:"latencyMs"`
	FallbackUsed    bool                 `json:"fallbackUsed"`
}

// ClassificationPreview is the read-only result of previewClassification
type ClassificationPreview struct {
	Classification  ClassificationResult `json:"classification"`
	EstimatedTokens TokenUsage           `json:"estimatedTokens"`
	EstimatedCost   CostInfo             `json:"estimatedCost"`
	Tier            ModelTier            `json:"tier"`
}

// InvocationRequest is what the router hands the model-provider collaborator
type InvocationRequest struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
	JSONMode    bool
}

// InvocationResult is the provider's answer. Token counts are zero when the
// provider does not report them.
type InvocationResult struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	Duration         time.Duration
}
