package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"taskpilot/internal/classifier"
	"taskpilot/internal/logging"
	"taskpilot/internal/memory"
	"taskpilot/internal/models"
	"taskpilot/internal/registry"
	"taskpilot/internal/services"
)

// DefaultMemoryMaxTokens is the memory context ceiling on the routing path
const DefaultMemoryMaxTokens = 2000

// DefaultAttemptTimeout bounds each model attempt
const DefaultAttemptTimeout = 60 * time.Second

const (
	memoryHeader = "=== ORGANIZATION CONTEXT ==="
	memoryFooter = "=== END ORGANIZATION CONTEXT ==="
)

// Classifier turns a request into a classification
type Classifier interface {
	Classify(ctx context.Context, in classifier.Input) models.ClassificationResult
}

// BudgetLedger reserves, settles and releases per-organization spend
type BudgetLedger interface {
	CheckBudget(ctx context.Context, orgID string, tier models.ModelTier, estimatedUSD float64) (models.BudgetDecision, error)
	RecordUsage(ctx context.Context, decision models.BudgetDecision, rec models.UsageRecord) error
	Release(ctx context.Context, decision models.BudgetDecision) error
}

// MemoryProvider opens a retrieval session scoped to one call
type MemoryProvider interface {
	WithSession(ctx context.Context, req memory.InitialContextRequest, fn func(*models.InitialContext) error) error
}

// HealthTracker receives the outcome of every model attempt
type HealthTracker interface {
	MarkHealthy(tierID string, latency time.Duration)
	MarkUnhealthy(tierID string, errMsg string, httpCode int)
}

// Metrics receives routing observations
type Metrics interface {
	RecordRoute(tier, outcome string, seconds, costUSD float64)
	RecordFallback(primary, fallback string, succeeded bool)
	RecordBudgetDenied()
	RecordCacheLookup(hit bool)
}

// Config tunes the router
type Config struct {
	MemoryMaxTokens int
	AttemptTimeout  time.Duration
	CacheTTL        time.Duration // 0 disables the response cache
}

// Router is the orchestration entry point: classify, reserve budget, fetch
// memory, invoke with a single fallback, record usage.
type Router struct {
	registry   *registry.Registry
	classifier Classifier
	invoker    classifier.ModelInvoker
	budget     BudgetLedger
	memory     MemoryProvider
	health     HealthTracker
	metrics    Metrics
	cfg        Config
	cache      *cache.Cache
	now        func() time.Time
}

// New creates a router. mem may be nil, in which case memory keywords are ignored.
func New(reg *registry.Registry, cls Classifier, invoker classifier.ModelInvoker, budget BudgetLedger, mem MemoryProvider, cfg Config) *Router {
	if cfg.MemoryMaxTokens <= 0 {
		cfg.MemoryMaxTokens = DefaultMemoryMaxTokens
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}

	r := &Router{
		registry:   reg,
		classifier: cls,
		invoker:    invoker,
		budget:     budget,
		memory:     mem,
		cfg:        cfg,
		now:        time.Now,
	}
	if cfg.CacheTTL > 0 {
		r.cache = cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return r
}

// SetHealth attaches a tier health tracker
func (r *Router) SetHealth(h HealthTracker) {
	r.health = h
}

// SetMetrics attaches a metrics recorder
func (r *Router) SetMetrics(m Metrics) {
	r.metrics = m
}

// attemptResult is the answer of whichever tier succeeded
type attemptResult struct {
	result       *models.InvocationResult
	tier         models.ModelTier
	fallbackUsed bool
	usage        models.TokenUsage
	cost         models.CostInfo
}

// Route runs one request through the full pipeline
func (r *Router) Route(ctx context.Context, req models.RouteRequest) (*models.RouteResponse, error) {
	start := r.now()
	if strings.TrimSpace(req.Prompt) == "" || req.OrgID == "" || req.UserID == "" {
		return nil, fmt.Errorf("%w: prompt, orgId and userId are required", ErrInvalidRequest)
	}
	logger := logging.WithRequest(req.RequestID, req.OrgID, req.UserID)

	// 1. Classify
	classification := r.classify(ctx, req)

	// 2. Both tiers must exist
	primary, fallback, err := r.resolveTiers(classification)
	if err != nil {
		return nil, err
	}

	// Deterministic requests may be answered from cache without any spend
	var key string
	if r.cache != nil && cacheable(req) {
		key = cacheKey(req, primary.ID)
		if hit, ok := r.cachedResponse(key); ok {
			hit.Classification = classification
			hit.Cached = true
			hit.Cost = models.CostInfo{USD: 0, Breakdown: "cached response, no model call"}
			hit.LatencyMs = r.now().Sub(start).Milliseconds()
			hit.MemorySessionID = ""
			logger.Info("route served from cache", "tier", hit.Model)
			return &hit, nil
		}
	}

	// 3. Reserve the estimated cost
	_, estimate := r.estimate(req, primary)
	decision, err := r.budget.CheckBudget(ctx, req.OrgID, primary, estimate.USD)
	if err != nil {
		// Fail open: the ledger being down must not take routing down with it
		log.Printf("⚠️ [ROUTER] Budget check failed for org %s, allowing request: %v", req.OrgID, err)
		decision = models.BudgetDecision{Allowed: true, OrgID: req.OrgID, TierID: primary.ID, Period: decision.Period}
	}
	if !decision.Allowed {
		if r.metrics != nil {
			r.metrics.RecordBudgetDenied()
		}
		return nil, &BudgetExceededError{OrgID: req.OrgID, TierID: primary.ID, Reason: decision.Reason}
	}

	invReq := models.InvocationRequest{
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	var (
		answer    *attemptResult
		sessionID string
	)
	run := func(ctx context.Context, ireq models.InvocationRequest) error {
		res, err := r.dispatch(ctx, logger, primary, fallback, ireq)
		if err != nil {
			return err
		}
		answer = res
		r.recordUsage(ctx, req, classification, decision, primary, res, ireq, sessionID, start)
		return nil
	}

	// 4-6. Memory context, invoke with fallback, record usage, close session
	if len(req.MemoryKeywords) > 0 && r.memory != nil {
		opened := false
		err = r.memory.WithSession(ctx, memory.InitialContextRequest{
			OrgID:       req.OrgID,
			UserID:      req.UserID,
			Levels:      req.MemoryLevels,
			SessionType: string(classification.TaskType),
			Keywords:    req.MemoryKeywords,
			MaxTokens:   r.cfg.MemoryMaxTokens,
		}, func(ic *models.InitialContext) error {
			opened = true
			sessionID = ic.SessionID
			withCtx := invReq
			withCtx.Prompt = withMemory(req.Prompt, ic)
			return run(ctx, withCtx)
		})
		if err != nil && !opened {
			log.Printf("⚠️ [ROUTER] Memory context unavailable for org %s, continuing without: %v", req.OrgID, err)
			err = run(ctx, invReq)
		}
	} else {
		err = run(ctx, invReq)
	}

	if err != nil {
		if rerr := r.budget.Release(context.WithoutCancel(ctx), decision); rerr != nil {
			log.Printf("⚠️ [ROUTER] Failed to release reservation for org %s: %v", req.OrgID, rerr)
		}
		if r.metrics != nil {
			r.metrics.RecordRoute(primary.ID, "failed", r.now().Sub(start).Seconds(), 0)
		}
		return nil, err
	}

	// 7. Response with provenance
	resp := r.buildResponse(answer, classification, sessionID, start)

	if key != "" {
		r.storeResponse(key, *resp)
	}

	outcome := "primary"
	if resp.FallbackUsed {
		outcome = "fallback"
	}
	if r.metrics != nil {
		r.metrics.RecordRoute(resp.Model, outcome, float64(resp.LatencyMs)/1000, resp.Cost.USD)
	}
	logger.Info("route completed",
		"tier", resp.Model,
		"fallback", resp.FallbackUsed,
		"tokens", resp.TokensUsed.Total,
		"cost_usd", resp.Cost.USD,
		"latency_ms", resp.LatencyMs,
		"memory_session", resp.MemorySessionID,
	)
	return resp, nil
}

// PreviewClassification classifies and prices a request without reserving
// budget, opening memory sessions or calling the answering model.
func (r *Router) PreviewClassification(ctx context.Context, req models.RouteRequest) (*models.ClassificationPreview, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}

	classification := r.classify(ctx, req)
	tier, err := r.registry.Get(classification.RecommendedModel)
	if err != nil {
		return nil, err
	}

	tokens, cost := r.estimate(req, tier)
	return &models.ClassificationPreview{
		Classification:  classification,
		EstimatedTokens: tokens,
		EstimatedCost:   cost,
		Tier:            tier,
	}, nil
}

func (r *Router) classify(ctx context.Context, req models.RouteRequest) models.ClassificationResult {
	return r.classifier.Classify(ctx, classifier.Input{
		Text:       req.Prompt,
		OrgID:      req.OrgID,
		Context:    req.Context,
		ForceModel: req.ForceModel,
	})
}

// resolveTiers looks up the recommended and fallback tiers. A missing
// fallback id means the primary has no fallback.
func (r *Router) resolveTiers(c models.ClassificationResult) (models.ModelTier, *models.ModelTier, error) {
	primary, err := r.registry.Get(c.RecommendedModel)
	if err != nil {
		return models.ModelTier{}, nil, err
	}
	if c.FallbackModel == "" {
		return primary, nil, nil
	}
	fallback, err := r.registry.Get(c.FallbackModel)
	if err != nil {
		return models.ModelTier{}, nil, err
	}
	return primary, &fallback, nil
}

// dispatch invokes the primary tier and, on any failure, the fallback tier
// exactly once.
func (r *Router) dispatch(ctx context.Context, logger *slog.Logger, primary models.ModelTier, fallback *models.ModelTier, req models.InvocationRequest) (*attemptResult, error) {
	res, primaryErr := r.attempt(ctx, logging.WithAttempt(logger, primary.ID, 1, false), primary, req)
	if primaryErr == nil {
		return &attemptResult{result: res, tier: primary}, nil
	}

	if fallback == nil {
		return nil, &ModelUnavailableError{Primary: primary.ID, PrimaryErr: primaryErr}
	}

	log.Printf("🔄 [ROUTER] %s failed, falling back to %s: %v", primary.ID, fallback.ID, primaryErr)
	res, fallbackErr := r.attempt(ctx, logging.WithAttempt(logger, fallback.ID, 2, true), *fallback, req)
	if r.metrics != nil {
		r.metrics.RecordFallback(primary.ID, fallback.ID, fallbackErr == nil)
	}
	if fallbackErr != nil {
		log.Printf("❌ [ROUTER] Fallback %s also failed: %v", fallback.ID, fallbackErr)
		return nil, &ModelUnavailableError{
			Primary:     primary.ID,
			Fallback:    fallback.ID,
			PrimaryErr:  primaryErr,
			FallbackErr: fallbackErr,
		}
	}
	return &attemptResult{result: res, tier: *fallback, fallbackUsed: true}, nil
}

func (r *Router) attempt(ctx context.Context, logger *slog.Logger, tier models.ModelTier, req models.InvocationRequest) (*models.InvocationResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	res, err := r.invoker.Invoke(attemptCtx, tier, req)
	if err == nil && res == nil {
		err = errors.New("provider returned no result")
	}
	if err != nil {
		if r.health != nil {
			r.health.MarkUnhealthy(tier.ID, err.Error(), services.StatusCode(err))
		}
		logger.Warn("model attempt failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return nil, err
	}

	if r.health != nil {
		r.health.MarkHealthy(tier.ID, time.Since(start))
	}
	logger.Debug("model attempt succeeded", "duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (r *Router) recordUsage(ctx context.Context, req models.RouteRequest, c models.ClassificationResult, decision models.BudgetDecision, primary models.ModelTier, res *attemptResult, ireq models.InvocationRequest, sessionID string, start time.Time) {
	usage := usageOf(res.result, ireq.System, ireq.Prompt)
	cost := ComputeCost(res.tier, usage.Prompt, usage.Completion)

	err := r.budget.RecordUsage(context.WithoutCancel(ctx), decision, models.UsageRecord{
		OrgID:            req.OrgID,
		UserID:           req.UserID,
		TierID:           res.tier.ID,
		RequestedTierID:  primary.ID,
		PromptTokens:     usage.Prompt,
		CompletionTokens: usage.Completion,
		CostUSD:          cost.USD,
		TaskType:         c.TaskType,
		Method:           string(c.Method),
		FallbackUsed:     res.fallbackUsed,
		MemorySessionID:  sessionID,
		LatencyMs:        r.now().Sub(start).Milliseconds(),
	})
	if err != nil {
		log.Printf("⚠️ [ROUTER] Failed to record usage for org %s: %v", req.OrgID, err)
	}

	res.usage = usage
	res.cost = cost
}

func (r *Router) buildResponse(res *attemptResult, c models.ClassificationResult, sessionID string, start time.Time) *models.RouteResponse {
	return &models.RouteResponse{
		Content:         res.result.Content,
		Model:           res.tier.ID,
		TokensUsed:      res.usage,
		Cost:            res.cost,
		Classification:  c,
		MemorySessionID: sessionID,
		Cached:          false,
		LatencyMs:       r.now().Sub(start).Milliseconds(),
		FallbackUsed:    res.fallbackUsed,
	}
}

// withMemory prepends retrieved chunks to the prompt between delimiters
func withMemory(prompt string, ic *models.InitialContext) string {
	if ic == nil || len(ic.Chunks) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString(memoryHeader)
	b.WriteString("\n")
	for _, chunk := range ic.Chunks {
		title := chunk.SectionTitle
		if title == "" {
			title = chunk.SectionID
		}
		fmt.Fprintf(&b, "\n[%s] %s\n%s\n", chunk.Level, title, chunk.Content)
	}
	b.WriteString("\n")
	b.WriteString(memoryFooter)
	b.WriteString("\n\n")
	b.WriteString(prompt)
	return b.String()
}
