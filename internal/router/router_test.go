package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/budget"
	"taskpilot/internal/classifier"
	"taskpilot/internal/health"
	"taskpilot/internal/memory"
	"taskpilot/internal/models"
	"taskpilot/internal/registry"
)

const (
	testOrg  = "org-acme"
	testUser = "user-1"
)

type fakeInvoker struct {
	mu      sync.Mutex
	calls   []string
	prompts []string
	respond func(tier models.ModelTier, req models.InvocationRequest) (*models.InvocationResult, error)
	hang    map[string]bool // tiers that never answer until ctx is done
}

func (f *fakeInvoker) Invoke(ctx context.Context, tier models.ModelTier, req models.InvocationRequest) (*models.InvocationResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tier.ID)
	f.prompts = append(f.prompts, req.Prompt)
	f.mu.Unlock()
	if f.hang[tier.ID] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.respond == nil {
		return &models.InvocationResult{Content: "ok from " + tier.ID, PromptTokens: 100, CompletionTokens: 50}, nil
	}
	return f.respond(tier, req)
}

func (f *fakeInvoker) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func failing(ids ...string) func(models.ModelTier, models.InvocationRequest) (*models.InvocationResult, error) {
	return func(tier models.ModelTier, _ models.InvocationRequest) (*models.InvocationResult, error) {
		for _, id := range ids {
			if tier.ID == id {
				return nil, errors.New(tier.ID + " exploded")
			}
		}
		return &models.InvocationResult{Content: "ok from " + tier.ID, PromptTokens: 100, CompletionTokens: 50}, nil
	}
}

type harness struct {
	router  *Router
	invoker *fakeInvoker
	ledger  *budget.Ledger
	memory  *memory.Service
}

func newHarness(t *testing.T, limitUSD float64, cfg Config) *harness {
	t.Helper()
	reg := registry.Default()
	cls := classifier.NewClassifier(reg, nil, classifier.StaticMode(models.ModeCost), time.Second)
	inv := &fakeInvoker{}
	ledger := budget.NewLedger(budget.NewMemoryCounter(), budget.StaticLimit(limitUSD), nil)
	mem := memory.NewService(memory.NewInMemoryStore(), nil, memory.Config{})

	return &harness{
		router:  New(reg, cls, inv, ledger, mem, cfg),
		invoker: inv,
		ledger:  ledger,
		memory:  mem,
	}
}

func (h *harness) spent(t *testing.T) float64 {
	t.Helper()
	usd, err := h.ledger.Spent(context.Background(), testOrg)
	require.NoError(t, err)
	return usd
}

func request(prompt string) models.RouteRequest {
	return models.RouteRequest{Prompt: prompt, OrgID: testOrg, UserID: testUser, RequestID: "req-1"}
}

func TestRoute_CodeRequestUsesCodeTier(t *testing.T) {
	h := newHarness(t, 10, Config{})

	resp, err := h.router.Route(context.Background(), request("Write a function to fix the login bug in auth.ts"))
	require.NoError(t, err)

	assert.Equal(t, registry.TierClaudeSonnet, resp.Model)
	assert.Equal(t, "ok from claude-sonnet", resp.Content)
	assert.Equal(t, models.TokenUsage{Prompt: 100, Completion: 50, Total: 150}, resp.TokensUsed)
	assert.InDelta(t, 0.00105, resp.Cost.USD, 1e-9)
	assert.Contains(t, resp.Cost.Breakdown, "100 prompt tokens")
	assert.False(t, resp.FallbackUsed)
	assert.False(t, resp.Cached)
	assert.Empty(t, resp.MemorySessionID)
	assert.Equal(t, models.MethodPattern, resp.Classification.Method)
	assert.Equal(t, []string{registry.TierClaudeSonnet}, h.invoker.Calls())

	assert.InDelta(t, 0.00105, h.spent(t), 1e-6, "reservation settled to actual cost")
}

func TestRoute_FallbackAnswersOnPrimaryFailure(t *testing.T) {
	h := newHarness(t, 10, Config{})
	h.invoker.respond = failing(registry.TierClaudeSonnet)
	tracker := health.NewService(1, time.Hour)
	tracker.RegisterTier(registry.TierClaudeSonnet, "anthropic")
	tracker.RegisterTier(registry.TierGPT4o, "openai")
	h.router.SetHealth(tracker)

	resp, err := h.router.Route(context.Background(), request("Refactor the payment handler in billing.go"))
	require.NoError(t, err)

	assert.Equal(t, registry.TierGPT4o, resp.Model)
	assert.True(t, resp.FallbackUsed)
	assert.Equal(t, registry.TierClaudeSonnet, resp.Classification.RecommendedModel)
	assert.InDelta(t, 0.00075, resp.Cost.USD, 1e-9, "priced at the answering tier's rates")
	assert.Equal(t, []string{registry.TierClaudeSonnet, registry.TierGPT4o}, h.invoker.Calls())

	assert.False(t, tracker.IsHealthy(registry.TierClaudeSonnet))
	assert.True(t, tracker.IsHealthy(registry.TierGPT4o))
	assert.InDelta(t, 0.00075, h.spent(t), 1e-6)
}

func TestRoute_BothTiersFail(t *testing.T) {
	h := newHarness(t, 10, Config{})
	h.invoker.respond = failing(registry.TierClaudeSonnet, registry.TierGPT4o)

	_, err := h.router.Route(context.Background(), request("Refactor the payment handler in billing.go"))
	require.Error(t, err)

	var unavailable *ModelUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, registry.TierClaudeSonnet, unavailable.Primary)
	assert.Equal(t, registry.TierGPT4o, unavailable.Fallback)
	assert.Contains(t, err.Error(), registry.TierClaudeSonnet)
	assert.Contains(t, err.Error(), registry.TierGPT4o)

	assert.Len(t, h.invoker.Calls(), 2, "exactly one fallback attempt")
	assert.Zero(t, h.spent(t), "reservation released on total failure")
}

func TestRoute_BudgetExceededBeforeAnySpend(t *testing.T) {
	h := newHarness(t, 0, Config{})

	_, err := h.router.Route(context.Background(), request("Write a function to parse invoices"))

	var exceeded *BudgetExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, testOrg, exceeded.OrgID)
	assert.Equal(t, registry.TierClaudeSonnet, exceeded.TierID)
	assert.Empty(t, h.invoker.Calls(), "no model call after a budget denial")
}

func TestRoute_ConcurrentRequestsOverBudget(t *testing.T) {
	// Each request reserves ~$0.0011 against a $0.0015 limit
	h := newHarness(t, 0.0015, Config{})
	release := make(chan struct{})
	h.invoker.respond = func(tier models.ModelTier, _ models.InvocationRequest) (*models.InvocationResult, error) {
		<-release
		return &models.InvocationResult{Content: "done", PromptTokens: 10, CompletionTokens: 10}, nil
	}

	req := request("Explain the retro")
	req.ForceModel = registry.TierDeepSeek
	req.MaxTokens = 1000

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := h.router.Route(context.Background(), req)
			results <- err
		}()
	}

	var first error
	select {
	case first = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("no request finished")
	}
	var exceeded *BudgetExceededError
	require.ErrorAs(t, first, &exceeded, "the request that could not reserve fails fast")

	close(release)
	select {
	case second := <-results:
		require.NoError(t, second)
	case <-time.After(5 * time.Second):
		t.Fatal("allowed request did not finish")
	}
	assert.Len(t, h.invoker.Calls(), 1)
}

func TestRoute_ForcedModel(t *testing.T) {
	h := newHarness(t, 10, Config{})

	req := request("Write a function to fix the login bug in auth.ts")
	req.ForceModel = registry.TierGPT4oMini
	resp, err := h.router.Route(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, registry.TierGPT4oMini, resp.Model)
	assert.Equal(t, models.MethodForced, resp.Classification.Method)
	assert.Equal(t, 1.0, resp.Classification.Confidence)
}

func TestRoute_UnknownForcedTierIsFatal(t *testing.T) {
	h := newHarness(t, 10, Config{})

	req := request("anything")
	req.ForceModel = "gpt-9000"
	_, err := h.router.Route(context.Background(), req)

	var unknown *registry.UnknownModelTierError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "gpt-9000", unknown.TierID)
	assert.Empty(t, h.invoker.Calls())
	assert.Zero(t, h.spent(t))
}

func TestRoute_InvalidRequest(t *testing.T) {
	h := newHarness(t, 10, Config{})

	_, err := h.router.Route(context.Background(), models.RouteRequest{Prompt: "  ", OrgID: testOrg, UserID: testUser})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.router.Route(context.Background(), models.RouteRequest{Prompt: "hi", UserID: testUser})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRoute_EstimatesTokensWhenProviderOmitsThem(t *testing.T) {
	h := newHarness(t, 10, Config{})
	h.invoker.respond = func(models.ModelTier, models.InvocationRequest) (*models.InvocationResult, error) {
		return &models.InvocationResult{Content: "abcdefgh"}, nil
	}

	prompt := "Summarize the sprint status" // 27 chars -> 7 tokens + 4 overhead
	resp, err := h.router.Route(context.Background(), request(prompt))
	require.NoError(t, err)

	assert.Equal(t, 11, resp.TokensUsed.Prompt)
	assert.Equal(t, 2, resp.TokensUsed.Completion)
	assert.Equal(t, 13, resp.TokensUsed.Total)
}

const orgMemory = `# Acme engineering

Shared knowledge.

## Security

Rotate API keys every 90 days. Secrets live in Vault.

## Deployment

Deploys run through Argo. Canary first.
`

func seedMemory(t *testing.T, svc *memory.Service) {
	t.Helper()
	ctx := context.Background()
	doc, err := svc.EnsureDocument(ctx, testOrg, models.LevelOrg, "", nil)
	require.NoError(t, err)
	require.NoError(t, svc.ReplaceContent(ctx, doc, orgMemory))
}

func TestRoute_MemoryContextPrependedAndSessionCompleted(t *testing.T) {
	h := newHarness(t, 10, Config{})
	seedMemory(t, h.memory)

	req := request("How often should we rotate credentials?")
	req.MemoryKeywords = []string{"Security"}
	resp, err := h.router.Route(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, resp.MemorySessionID)

	h.invoker.mu.Lock()
	prompt := h.invoker.prompts[0]
	h.invoker.mu.Unlock()
	assert.True(t, strings.HasPrefix(prompt, memoryHeader))
	assert.Contains(t, prompt, "Rotate API keys every 90 days")
	assert.NotContains(t, prompt, "Argo")
	assert.True(t, strings.HasSuffix(prompt, memoryFooter+"\n\n"+req.Prompt))

	session, err := h.memory.Session(context.Background(), resp.MemorySessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionSucceeded, session.Status)
}

func TestRoute_MemorySessionFailsWithModels(t *testing.T) {
	h := newHarness(t, 10, Config{})
	seedMemory(t, h.memory)
	h.invoker.respond = failing(registry.TierDeepSeek, registry.TierGPT4oMini)

	req := request("Explain our deployment process")
	req.MemoryKeywords = []string{"deployment"}
	_, err := h.router.Route(context.Background(), req)
	require.Error(t, err)

	sessions, err := h.memory.Store().ListStaleSessions(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, sessions, "no session is left open")
}

func TestRoute_ResponseCache(t *testing.T) {
	h := newHarness(t, 10, Config{CacheTTL: time.Minute})
	zero := 0.0

	req := request("Summarize the sprint status")
	req.Temperature = &zero

	first, err := h.router.Route(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	spentAfterFirst := h.spent(t)

	second, err := h.router.Route(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Zero(t, second.Cost.USD)
	assert.Equal(t, first.Content, second.Content)
	assert.Len(t, h.invoker.Calls(), 1)
	assert.Equal(t, spentAfterFirst, h.spent(t), "cache hits are not billed")

	other := request("Summarize the sprint status")
	_, err = h.router.Route(context.Background(), other)
	require.NoError(t, err)
	assert.Len(t, h.invoker.Calls(), 2, "non-deterministic requests bypass the cache")
}

func TestPreviewClassification_IsSideEffectFree(t *testing.T) {
	h := newHarness(t, 10, Config{})
	seedMemory(t, h.memory)

	req := request("Write a function to fix the login bug in auth.ts")
	req.MemoryKeywords = []string{"security"}
	req.MaxTokens = 500

	preview, err := h.router.PreviewClassification(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, registry.TierClaudeSonnet, preview.Tier.ID)
	assert.Equal(t, 500, preview.EstimatedTokens.Completion)
	assert.Greater(t, preview.EstimatedTokens.Prompt, DefaultMemoryMaxTokens)
	assert.Greater(t, preview.EstimatedCost.USD, 0.0)

	assert.Empty(t, h.invoker.Calls())
	assert.Zero(t, h.spent(t))
	sessions, err := h.memory.Store().ListStaleSessions(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

type brokenLedger struct{ released int }

func (b *brokenLedger) CheckBudget(context.Context, string, models.ModelTier, float64) (models.BudgetDecision, error) {
	return models.BudgetDecision{}, errors.New("redis: connection refused")
}

func (b *brokenLedger) RecordUsage(context.Context, models.BudgetDecision, models.UsageRecord) error {
	return errors.New("redis: connection refused")
}

func (b *brokenLedger) Release(context.Context, models.BudgetDecision) error {
	b.released++
	return nil
}

func TestRoute_LedgerOutageFailsOpen(t *testing.T) {
	reg := registry.Default()
	inv := &fakeInvoker{}
	r := New(reg, classifier.NewClassifier(reg, nil, classifier.StaticMode(models.ModeCost), time.Second),
		inv, &brokenLedger{}, nil, Config{})

	resp, err := r.Route(context.Background(), request("Summarize the sprint status"))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Content)
}

// checkOutageLedger fails every reservation but settles normally
type checkOutageLedger struct{ *budget.Ledger }

func (checkOutageLedger) CheckBudget(context.Context, string, models.ModelTier, float64) (models.BudgetDecision, error) {
	return models.BudgetDecision{}, errors.New("redis: i/o timeout")
}

func TestRoute_FailOpenSpendIsCharged(t *testing.T) {
	reg := registry.Default()
	ledger := budget.NewLedger(budget.NewMemoryCounter(), budget.StaticLimit(10), nil)
	r := New(reg, classifier.NewClassifier(reg, nil, classifier.StaticMode(models.ModeCost), time.Second),
		&fakeInvoker{}, checkOutageLedger{ledger}, nil, Config{})

	resp, err := r.Route(context.Background(), request("Write a function to fix the login bug in auth.ts"))
	require.NoError(t, err)

	spent, err := ledger.Spent(context.Background(), testOrg)
	require.NoError(t, err)
	assert.Positive(t, spent)
	assert.InDelta(t, resp.Cost.USD, spent, 1e-6)
}

func TestRoute_HungPrimaryTimesOutToFallback(t *testing.T) {
	h := newHarness(t, 10, Config{AttemptTimeout: 20 * time.Millisecond})
	h.invoker.hang = map[string]bool{registry.TierClaudeSonnet: true}

	start := time.Now()
	resp, err := h.router.Route(context.Background(), request("Refactor the payment handler in billing.go"))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, registry.TierGPT4o, resp.Model)
	assert.Equal(t, "ok from gpt-4o", resp.Content)
	assert.True(t, resp.FallbackUsed)
	assert.Equal(t, []string{registry.TierClaudeSonnet, registry.TierGPT4o}, h.invoker.Calls())
}

func TestRoute_BothTiersHang(t *testing.T) {
	h := newHarness(t, 10, Config{AttemptTimeout: 20 * time.Millisecond})
	h.invoker.hang = map[string]bool{registry.TierClaudeSonnet: true, registry.TierGPT4o: true}

	_, err := h.router.Route(context.Background(), request("Refactor the payment handler in billing.go"))

	var unavailable *ModelUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, registry.TierClaudeSonnet, unavailable.Primary)
	assert.Equal(t, registry.TierGPT4o, unavailable.Fallback)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), registry.TierClaudeSonnet)
	assert.Contains(t, err.Error(), registry.TierGPT4o)
	assert.Zero(t, h.spent(t), "reservation released")
}

func TestComputeCost(t *testing.T) {
	tier := models.ModelTier{ID: "t", CostPer1KInput: 0.01, CostPer1KOutput: 0.03}
	cost := ComputeCost(tier, 2000, 500)
	assert.InDelta(t, 0.035, cost.USD, 1e-12)
	assert.Contains(t, cost.Breakdown, "2000 prompt tokens")
	assert.Contains(t, cost.Breakdown, "500 completion tokens")
}

func TestWithMemory_EmptyContextLeavesPrompt(t *testing.T) {
	assert.Equal(t, "hello", withMemory("hello", &models.InitialContext{}))
	assert.Equal(t, "hello", withMemory("hello", nil))
}
