package classifier

import (
	"context"
	"time"

	"taskpilot/internal/models"
)

// Input is everything a strategy may look at
type Input struct {
	Text       string
	OrgID      string
	Context    *models.RequestContext
	ForceModel string
}

// Strategy produces a classification outcome for an input.
// Implementations never fail: problems degrade to a pattern-scored result.
type Strategy interface {
	Classify(ctx context.Context, in Input) Outcome
}

// ModelInvoker is the model-provider collaborator used by the assisted strategy
type ModelInvoker interface {
	Invoke(ctx context.Context, tier models.ModelTier, req models.InvocationRequest) (*models.InvocationResult, error)
}

// ModeResolver returns the classification mode configured for an organization
type ModeResolver interface {
	ClassificationMode(ctx context.Context, orgID string) models.ClassificationMode
}

// ModeFunc adapts a function to ModeResolver
type ModeFunc func(ctx context.Context, orgID string) models.ClassificationMode

// ClassificationMode implements ModeResolver
func (f ModeFunc) ClassificationMode(ctx context.Context, orgID string) models.ClassificationMode {
	return f(ctx, orgID)
}

// StaticMode returns a resolver that always answers mode
func StaticMode(mode models.ClassificationMode) ModeResolver {
	return ModeFunc(func(context.Context, string) models.ClassificationMode { return mode })
}

// MetricsRecorder receives one observation per classification
type MetricsRecorder interface {
	RecordClassification(method string, mode string, degraded bool)
}

// DegradeReason says why the assisted path fell back to pattern scoring
type DegradeReason string

const (
	DegradeCallFailed  DegradeReason = "call_failed"
	DegradeTimeout     DegradeReason = "timeout"
	DegradeParseFailed DegradeReason = "parse_failed"
	DegradeNoInvoker   DegradeReason = "no_invoker"
)

// Outcome is a closed set of classification results. Switch over
// Scored, Assisted, Forced and Degraded.
type Outcome interface {
	Result() models.ClassificationResult
	isOutcome()
}

// Scored is a pattern-only classification
type Scored struct {
	Classification models.ClassificationResult
}

// Assisted is a classification produced by the cheap reasoning model
type Assisted struct {
	Classification models.ClassificationResult
	ModelTier      string
	Duration       time.Duration
}

// Forced is the synthetic result for an explicit model override
type Forced struct {
	Classification models.ClassificationResult
}

// Degraded is a pattern-scored result returned after the assisted path failed
type Degraded struct {
	Classification models.ClassificationResult
	Reason         DegradeReason
	Err            error
}

func (o Scored) Result() models.ClassificationResult   { return o.Classification }
func (o Assisted) Result() models.ClassificationResult { return o.Classification }
func (o Forced) Result() models.ClassificationResult   { return o.Classification }
func (o Degraded) Result() models.ClassificationResult { return o.Classification }

func (Scored) isOutcome()   {}
func (Assisted) isOutcome() {}
func (Forced) isOutcome()   {}
func (Degraded) isOutcome() {}
