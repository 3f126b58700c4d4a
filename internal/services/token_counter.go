package services

import "strings"

// CharsPerToken is the fixed divisor used when a provider does not report token counts
const CharsPerToken = 4

// EstimateTokens returns an approximate token count using the ~4 chars/token heuristic.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// EstimatePromptTokens estimates the tokens of a system prompt plus user prompt.
// Accounts for role overhead (~4 tokens per message for role, separators).
func EstimatePromptTokens(system, prompt string) int {
	total := 4 + EstimateTokens(prompt)
	if strings.TrimSpace(system) != "" {
		total += 4 + EstimateTokens(system)
	}
	return total
}

// TruncateToTokens cuts text so that it fits within maxTokens, on a rune boundary.
func TruncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	limit := maxTokens * CharsPerToken
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
