package classifier

import (
	"context"
	"regexp"
)

// Hybrid thresholds
const (
	HybridAcceptConfidence   = 0.7
	HybridEscalateConfidence = 0.5
)

// ambiguityMarkers are phrasings that hide intent behind politeness
var ambiguityMarkers = regexp.MustCompile(`(?i)\b(can\s+you|could\s+you|would\s+you|help\s+me(\s+with)?|please|i\s+need\s+help|not\s+sure)\b`)

// HybridStrategy runs pattern scoring first and escalates to the assisted
// strategy only when the pattern result is ambiguous.
type HybridStrategy struct {
	pattern  *PatternStrategy
	assisted Strategy
}

// NewHybridStrategy creates a hybrid strategy. assisted is usually an
// *AssistedStrategy; tests pass a counting fake.
func NewHybridStrategy(pattern *PatternStrategy, assisted Strategy) *HybridStrategy {
	return &HybridStrategy{pattern: pattern, assisted: assisted}
}

// Classify implements Strategy
func (h *HybridStrategy) Classify(ctx context.Context, in Input) Outcome {
	scored := h.pattern.Score(in)
	if !ShouldEscalate(in.Text, scored.Classification.Confidence) || h.assisted == nil {
		return scored
	}
	return h.assisted.Classify(ctx, in)
}

// ShouldEscalate reports whether a pattern result with the given confidence
// needs the model-assisted path.
func ShouldEscalate(text string, confidence float64) bool {
	if confidence >= HybridAcceptConfidence {
		return false
	}
	if confidence < HybridEscalateConfidence {
		return true
	}
	return HasAmbiguityMarker(text)
}

// HasAmbiguityMarker reports whether text contains an ambiguous phrasing marker
func HasAmbiguityMarker(text string) bool {
	return ambiguityMarkers.MatchString(text)
}
