package router

import (
	"fmt"

	"taskpilot/internal/models"
	"taskpilot/internal/services"
)

// DefaultCompletionEstimate is the completion size assumed for estimates when
// the request does not set maxTokens
const DefaultCompletionEstimate = 1024

// ComputeCost prices a call at the tier's per-1K rates
func ComputeCost(tier models.ModelTier, promptTokens, completionTokens int) models.CostInfo {
	promptCost := float64(promptTokens) / 1000 * tier.CostPer1KInput
	completionCost := float64(completionTokens) / 1000 * tier.CostPer1KOutput
	total := promptCost + completionCost

	return models.CostInfo{
		USD: total,
		Breakdown: fmt.Sprintf("%s: %d prompt tokens @ $%g/1K = $%.6f + %d completion tokens @ $%g/1K = $%.6f; total $%.6f",
			tier.ID, promptTokens, tier.CostPer1KInput, promptCost,
			completionTokens, tier.CostPer1KOutput, completionCost, total),
	}
}

// usageOf fills token counts the provider did not report
func usageOf(res *models.InvocationResult, system, prompt string) models.TokenUsage {
	usage := models.TokenUsage{
		Prompt:     res.PromptTokens,
		Completion: res.CompletionTokens,
	}
	if usage.Prompt == 0 {
		usage.Prompt = services.EstimatePromptTokens(system, prompt)
	}
	if usage.Completion == 0 {
		usage.Completion = services.EstimateTokens(res.Content)
	}
	usage.Total = usage.Prompt + usage.Completion
	return usage
}

// estimate prices a request before it runs. Memory context is assumed to fill
// its whole ceiling when keywords are present.
func (r *Router) estimate(req models.RouteRequest, tier models.ModelTier) (models.TokenUsage, models.CostInfo) {
	prompt := services.EstimatePromptTokens("", req.Prompt)
	if len(req.MemoryKeywords) > 0 && r.memory != nil {
		prompt += r.cfg.MemoryMaxTokens
	}

	completion := req.MaxTokens
	if completion <= 0 {
		completion = DefaultCompletionEstimate
	}
	if tier.MaxOutputTokens > 0 && completion > tier.MaxOutputTokens {
		completion = tier.MaxOutputTokens
	}

	tokens := models.TokenUsage{Prompt: prompt, Completion: completion, Total: prompt + completion}
	return tokens, ComputeCost(tier, prompt, completion)
}
