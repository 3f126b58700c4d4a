package classifier

import (
	"context"
	"log"
	"time"

	"taskpilot/internal/models"
	"taskpilot/internal/registry"
)

// Classifier selects a strategy per organization mode and turns requests into
// classification outcomes.
type Classifier struct {
	registry   *registry.Registry
	modes      ModeResolver
	strategies map[models.ClassificationMode]Strategy
	metrics    MetricsRecorder
}

// NewClassifier wires the three strategies. invoker may be nil, in which case
// the assisted path always degrades to pattern scoring.
func NewClassifier(reg *registry.Registry, invoker ModelInvoker, modes ModeResolver, assistedTimeout time.Duration) *Classifier {
	if modes == nil {
		modes = StaticMode(models.ModeHybrid)
	}
	pattern := NewPatternStrategy(reg)
	assisted := NewAssistedStrategy(reg, invoker, assistedTimeout)

	return &Classifier{
		registry: reg,
		modes:    modes,
		strategies: map[models.ClassificationMode]Strategy{
			models.ModeCost:     pattern,
			models.ModeAccuracy: assisted,
			models.ModeHybrid:   NewHybridStrategy(pattern, assisted),
		},
	}
}

// SetMetrics attaches a metrics recorder
func (c *Classifier) SetMetrics(m MetricsRecorder) {
	c.metrics = m
}

// SetStrategy replaces the strategy used for a mode
func (c *Classifier) SetStrategy(mode models.ClassificationMode, s Strategy) {
	c.strategies[mode] = s
}

// Classify returns the classification for in. It never fails.
func (c *Classifier) Classify(ctx context.Context, in Input) models.ClassificationResult {
	return c.Decide(ctx, in).Result()
}

// Decide returns the tagged outcome for in. A forced model short-circuits
// before any scoring.
func (c *Classifier) Decide(ctx context.Context, in Input) Outcome {
	if in.ForceModel != "" {
		out := c.forced(in.ForceModel)
		c.observe(out, "forced")
		return out
	}

	mode := c.modes.ClassificationMode(ctx, in.OrgID)
	strategy, ok := c.strategies[mode]
	if !ok {
		mode = models.ModeHybrid
		strategy = c.strategies[mode]
	}

	out := strategy.Classify(ctx, in)
	c.observe(out, string(mode))
	return out
}

func (c *Classifier) forced(tier string) Forced {
	return Forced{Classification: models.ClassificationResult{
		TaskType:         models.TaskOther,
		CodePercentage:   0,
		RecommendedModel: tier,
		FallbackModel:    c.registry.FallbackFor(tier),
		Confidence:       1.0,
		Reasoning:        "model forced by caller: " + tier,
		Method:           models.MethodForced,
	}}
}

func (c *Classifier) observe(out Outcome, mode string) {
	degraded := false
	switch o := out.(type) {
	case Scored, Forced:
	case Assisted:
		log.Printf("🧠 [CLASSIFIER] Model-assisted classification via %s in %v: %s (confidence %.2f)",
			o.ModelTier, o.Duration, o.Classification.TaskType, o.Classification.Confidence)
	case Degraded:
		degraded = true
		log.Printf("⚠️ [CLASSIFIER] Model-assisted classification degraded to pattern scoring (%s): %v", o.Reason, o.Err)
	default:
		log.Printf("⚠️ [CLASSIFIER] Unexpected outcome type %T", out)
	}

	if c.metrics != nil {
		c.metrics.RecordClassification(string(out.Result().Method), mode, degraded)
	}
}
