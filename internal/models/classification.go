package models

// TaskType is the kind of work a request asks for
type TaskType string

const (
	TaskWriteCode TaskType = "write_code"
	TaskRefactor  TaskType = "refactor"
	TaskDebug     TaskType = "debug"
	TaskExplain   TaskType = "explain"
	TaskSummarize TaskType = "summarize"
	TaskClassify  TaskType = "classify"
	TaskAnalyze   TaskType = "analyze"
	TaskReview    TaskType = "review"
	TaskOther     TaskType = "other"
)

// ParseTaskType maps a free-form label (as returned by a model) to a TaskType
func ParseTaskType(s string) TaskType {
	switch TaskType(s) {
	case TaskWriteCode, TaskRefactor, TaskDebug, TaskExplain, TaskSummarize,
		TaskClassify, TaskAnalyze, TaskReview, TaskOther:
		return TaskType(s)
	}
	switch s {
	case "write", "code", "writecode", "write-code", "implement":
		return TaskWriteCode
	case "summary":
		return TaskSummarize
	case "analysis":
		return TaskAnalyze
	}
	return TaskOther
}

// ClassificationMethod records how a classification was produced
type ClassificationMethod string

const (
	MethodPattern       ClassificationMethod = "pattern"
	MethodModelAssisted ClassificationMethod = "model-assisted"
	MethodForced        ClassificationMethod = "forced"
)

// ClassificationMode is the per-organization strategy setting
type ClassificationMode string

const (
	ModeAccuracy ClassificationMode = "accuracy"
	ModeCost     ClassificationMode = "cost"
	ModeHybrid   ClassificationMode = "hybrid"
)

// ParseClassificationMode returns the mode for s, defaulting to hybrid
func ParseClassificationMode(s string) ClassificationMode {
	switch ClassificationMode(s) {
	case ModeAccuracy, ModeCost, ModeHybrid:
		return ClassificationMode(s)
	}
	return ModeHybrid
}

// Output shapes
const (
	ShapeCode  = "code"
	ShapeProse = "prose"
)

// Complexity levels
const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
)

// ClassificationSignals explains which cues drove a classification
type ClassificationSignals struct {
	MatchedVerb    string   `json:"matched_verb,omitempty"`
	OutputShape    string   `json:"output_shape"`
	EntityType     string   `json:"entity_type,omitempty"`
	Complexity     string   `json:"complexity"`
	MatchedContext []string `json:"matched_context,omitempty"` // e.g. "file_extension:.ts", "pull_request"
	CodeScore      int      `json:"code_score"`
	ProseScore     int      `json:"prose_score"`
}

// ClassificationResult is created fresh per request and never persisted
type ClassificationResult struct {
	TaskType         TaskType              `json:"task_type"`
	CodePercentage   int                   `json:"code_percentage"`
	RecommendedModel string                `json:"recommended_model"`
	FallbackModel    string                `json:"fallback_model"`
	Confidence       float64               `json:"confidence"`
	Reasoning        string                `json:"reasoning"`
	Method           ClassificationMethod  `json:"method"`
	Signals          ClassificationSignals `json:"signals"`
}

// RequestContext is the optional structural context supplied by the caller
type RequestContext struct {
	EntityType      string                 `json:"entityType,omitempty"`
	EntityData      map[string]interface{} `json:"entityData,omitempty"`
	UserPreferences map[string]interface{} `json:"userPreferences,omitempty"`
}

// EntityString returns a string field from EntityData
func (c *RequestContext) EntityString(keys ...string) string {
	if c == nil || c.EntityData == nil {
		return ""
	}
	for _, k := range keys {
		if v, ok := c.EntityData[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
