package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"taskpilot/internal/models"
	"taskpilot/internal/registry"
)

// MaxAssistedRequestChars bounds the request text sent to the classifier
// model, in runes and including the ellipsis
const MaxAssistedRequestChars = 500

// DefaultAssistedTimeout bounds the classifier model call
const DefaultAssistedTimeout = 8 * time.Second

// Classification system prompt
const AssistedSystemPrompt = `You are a request classifier for a project-management assistant. Decide how much of an ideal answer is source code and which model should answer.

RULES:
- Output JSON only, matching the schema exactly
- code_percentage is an integer 0-100
- task_type is one of: write_code, refactor, debug, explain, summarize, classify, analyze, review, other
- complexity is one of: low, medium, high
- recommended_model must be one of the model ids listed in the request
- confidence is a number between 0 and 1`

// classificationSchema defines structured output for classification
var classificationSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"code_percentage":   map[string]interface{}{"type": "integer"},
		"task_type":         map[string]interface{}{"type": "string"},
		"complexity":        map[string]interface{}{"type": "string"},
		"recommended_model": map[string]interface{}{"type": "string"},
		"confidence":        map[string]interface{}{"type": "number"},
		"reasoning":         map[string]interface{}{"type": "string"},
	},
	"required":             []string{"code_percentage", "task_type", "complexity", "recommended_model", "confidence", "reasoning"},
	"additionalProperties": false,
}

// assistedResponse is the structured output from the classifier model
type assistedResponse struct {
	CodePercentage   *int     `json:"code_percentage"`
	TaskType         string   `json:"task_type"`
	Complexity       string   `json:"complexity"`
	RecommendedModel string   `json:"recommended_model"`
	Confidence       *float64 `json:"confidence"`
	Reasoning        string   `json:"reasoning"`
}

// AssistedStrategy asks a low-cost reasoning model to classify the request.
// Any failure degrades to pattern scoring; the call is never retried.
type AssistedStrategy struct {
	registry *registry.Registry
	invoker  ModelInvoker
	pattern  *PatternStrategy
	timeout  time.Duration
}

// NewAssistedStrategy creates a model-assisted strategy
func NewAssistedStrategy(reg *registry.Registry, invoker ModelInvoker, timeout time.Duration) *AssistedStrategy {
	if timeout <= 0 {
		timeout = DefaultAssistedTimeout
	}
	return &AssistedStrategy{
		registry: reg,
		invoker:  invoker,
		pattern:  NewPatternStrategy(reg),
		timeout:  timeout,
	}
}

// Classify implements Strategy
func (a *AssistedStrategy) Classify(ctx context.Context, in Input) Outcome {
	if a.invoker == nil {
		return a.degrade(in, DegradeNoInvoker, errors.New("no model invoker configured"))
	}

	tier, err := a.registry.Get(a.registry.ClassifierTier())
	if err != nil {
		return a.degrade(in, DegradeCallFailed, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	temperature := 0.0
	resp, err := a.invoker.Invoke(callCtx, tier, models.InvocationRequest{
		System:      AssistedSystemPrompt,
		Prompt:      a.buildPrompt(in),
		MaxTokens:   300,
		Temperature: &temperature,
		JSONMode:    true,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return a.degrade(in, DegradeTimeout, err)
		}
		return a.degrade(in, DegradeCallFailed, err)
	}

	result, err := a.parse(resp.Content, in)
	if err != nil {
		return a.degrade(in, DegradeParseFailed, err)
	}

	return Assisted{
		Classification: result,
		ModelTier:      tier.ID,
		Duration:       time.Since(start),
	}
}

func (a *AssistedStrategy) degrade(in Input, reason DegradeReason, err error) Degraded {
	scored := a.pattern.Score(in)
	scored.Classification.Reasoning = fmt.Sprintf("%s (model-assisted classification degraded: %s)",
		scored.Classification.Reasoning, reason)
	return Degraded{Classification: scored.Classification, Reason: reason, Err: err}
}

func (a *AssistedStrategy) buildPrompt(in Input) string {
	text := in.Text
	if utf8.RuneCountInString(text) > MaxAssistedRequestChars {
		text = truncateRunes(text, MaxAssistedRequestChars-3) + "..."
	}

	contextJSON := "{}"
	if in.Context != nil {
		summary := map[string]interface{}{
			"entity_type": in.Context.EntityType,
		}
		if in.Context.EntityData != nil {
			for _, k := range []string{"ticketType", "type", "priority", "status", "title"} {
				if v, ok := in.Context.EntityData[k]; ok {
					summary[k] = v
				}
			}
		}
		if b, err := json.Marshal(summary); err == nil {
			contextJSON = string(b)
		}
	}

	schemaJSON, _ := json.Marshal(classificationSchema)

	return fmt.Sprintf(`REQUEST:
%q

STRUCTURAL CONTEXT:
%s

AVAILABLE MODELS:
- %s: code-capable, for answers that are mostly code
- %s: low-cost reasoning, for prose answers

Return JSON matching this schema:
%s`, text, contextJSON, a.registry.CodeTier(), a.registry.ReasoningTier(), string(schemaJSON))
}

func (a *AssistedStrategy) parse(content string, in Input) (models.ClassificationResult, error) {
	var resp assistedResponse
	raw := extractJSON(content)
	if raw == "" {
		return models.ClassificationResult{}, fmt.Errorf("no JSON object in classifier response")
	}
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		// SECURITY: Don't log request content - only log length
		log.Printf("⚠️ [CLASSIFIER] Failed to parse classification: %v (response length: %d bytes)", err, len(content))
		return models.ClassificationResult{}, fmt.Errorf("failed to parse classification: %w", err)
	}
	if resp.CodePercentage == nil || resp.Confidence == nil || resp.TaskType == "" {
		return models.ClassificationResult{}, fmt.Errorf("classification response missing required fields")
	}

	codePct := clampInt(*resp.CodePercentage, 0, 100)
	confidence := clampFloat(*resp.Confidence, 0, 1)

	recommended := resp.RecommendedModel
	if !a.registry.Has(recommended) {
		if codePct >= 50 {
			recommended = a.registry.CodeTier()
		} else {
			recommended = a.registry.ReasoningTier()
		}
	}

	shape := models.ShapeProse
	if codePct >= 50 {
		shape = models.ShapeCode
	}

	complexity := strings.ToLower(resp.Complexity)
	switch complexity {
	case models.ComplexityLow, models.ComplexityMedium, models.ComplexityHigh:
	default:
		complexity = models.ComplexityMedium
	}

	// Keep the cheap pattern cues for observability
	cues := scoreSignals(in)
	_, verb := deriveTaskType(in.Text)

	return models.ClassificationResult{
		TaskType:         models.ParseTaskType(strings.ToLower(resp.TaskType)),
		CodePercentage:   codePct,
		RecommendedModel: recommended,
		FallbackModel:    a.registry.FallbackFor(recommended),
		Confidence:       confidence,
		Reasoning:        resp.Reasoning,
		Method:           models.MethodModelAssisted,
		Signals: models.ClassificationSignals{
			MatchedVerb:    verb,
			OutputShape:    shape,
			EntityType:     cues.entityType,
			Complexity:     complexity,
			MatchedContext: cues.matchedContext,
			CodeScore:      cues.code,
			ProseScore:     cues.prose,
		},
	}, nil
}

// extractJSON pulls the first JSON object out of a model response, tolerating code fences
func extractJSON(s string) string {
	if idx := strings.Index(s, "```json"); idx >= 0 {
		start := idx + 7
		if end := strings.Index(s[start:], "```"); end >= 0 {
			return strings.TrimSpace(s[start : start+end])
		}
	}

	idx := strings.Index(s, "{")
	if idx < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := idx; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[idx : i+1]
			}
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
