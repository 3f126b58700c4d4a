package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/models"
)

const testOrg = "org-acme"

func orgFixture() string {
	return strings.Join([]string{
		"# Acme engineering",
		"",
		"Shared knowledge.",
		"",
		"## Coding conventions",
		"",
		"Use gofmt. Handlers return fiber.Map errors. Payments code lives in the billing service.",
		"",
		"## Payments architecture",
		"",
		"The payments service talks to Stripe through the billing gateway. Retries use exponential backoff.",
		"",
		"```go",
		"func Charge(ctx context.Context) error { return nil }",
		"```",
		"",
		"## Security",
		"",
		"Rotate API keys every 90 days. Secrets live in Vault.",
		"",
		"## Deployment",
		"",
		"Deploys run through Argo. Canary first.",
	}, "\n")
}

func newTestService(t *testing.T) (*Service, *InMemoryStore) {
	t.Helper()
	store := NewInMemoryStore()
	return NewService(store, nil, Config{}), store
}

// seedOrg replaces the templated org document with content
func seedOrg(t *testing.T, svc *Service, content string) *models.MemoryDocument {
	t.Helper()
	ctx := context.Background()
	doc, err := svc.EnsureDocument(ctx, testOrg, models.LevelOrg, "", nil)
	require.NoError(t, err)
	require.NoError(t, svc.ReplaceContent(ctx, doc, content))
	doc, err = svc.Store().GetDocument(ctx, testOrg, models.LevelOrg, "")
	require.NoError(t, err)
	return doc
}

func currentChunks(t *testing.T, svc *Service, doc *models.MemoryDocument) map[string]models.ContextChunk {
	t.Helper()
	chunks, err := svc.Store().CurrentChunks(context.Background(), []models.MemoryDocument{*doc})
	require.NoError(t, err)
	out := make(map[string]models.ContextChunk, len(chunks))
	for _, c := range chunks {
		out[c.SectionID] = c
	}
	return out
}

func TestGetInitialContext_KeywordMatch(t *testing.T) {
	svc, _ := newTestService(t)
	seedOrg(t, svc, orgFixture())

	ic, err := svc.GetInitialContext(context.Background(), InitialContextRequest{
		OrgID:     testOrg,
		Keywords:  []string{"Security"},
		MaxTokens: 2000,
	})
	require.NoError(t, err)

	require.Len(t, ic.Chunks, 1)
	assert.Equal(t, "security", ic.Chunks[0].SectionID)
	assert.Equal(t, []string{"security"}, ic.MatchedKeywords)
	assert.Equal(t, []models.MemoryLevel{models.LevelOrg}, ic.LevelsIncluded)
	assert.Equal(t, ic.Chunks[0].TokenCount, ic.TotalTokens)
	assert.NotEmpty(t, ic.SessionID)
}

func TestGetInitialContext_RanksByMatchQuality(t *testing.T) {
	svc, _ := newTestService(t)
	seedOrg(t, svc, orgFixture())

	ic, err := svc.GetInitialContext(context.Background(), InitialContextRequest{
		OrgID:     testOrg,
		Keywords:  []string{"payments", "stripe"},
		MaxTokens: 2000,
	})
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(ic.Chunks), 2)
	assert.Equal(t, "payments-architecture", ic.Chunks[0].SectionID, "matches both keywords and carries code")
}

func TestGetInitialContext_NeverExceedsMaxTokens(t *testing.T) {
	svc, _ := newTestService(t)
	seedOrg(t, svc, orgFixture())

	for _, maxTokens := range []int{1, 10, 20, 30, 45, 60, 100, 1000} {
		ic, err := svc.GetInitialContext(context.Background(), InitialContextRequest{
			OrgID:     testOrg,
			MaxTokens: maxTokens,
		})
		require.NoError(t, err)

		sum := 0
		for _, c := range ic.Chunks {
			sum += c.TokenCount
		}
		assert.LessOrEqual(t, sum, maxTokens, "maxTokens=%d", maxTokens)
		assert.Equal(t, sum, ic.TotalTokens)
	}
}

func TestGetInitialContext_SkipsInsteadOfTruncating(t *testing.T) {
	svc, _ := newTestService(t)
	doc := seedOrg(t, svc, orgFixture())
	stored := currentChunks(t, svc, doc)

	// Payments ranks first but does not fit; smaller chunks still do
	payments := stored["payments-architecture"]
	ic, err := svc.GetInitialContext(context.Background(), InitialContextRequest{
		OrgID:     testOrg,
		MaxTokens: payments.TokenCount - 1,
	})
	require.NoError(t, err)

	require.NotEmpty(t, ic.Chunks)
	for _, c := range ic.Chunks {
		assert.NotEqual(t, "payments-architecture", c.SectionID)
		assert.Equal(t, stored[c.SectionID].Content, c.Content, "chunks are returned whole")
	}
}

func TestGetInitialContext_UnionOfLevels(t *testing.T) {
	svc, _ := newTestService(t)
	seedOrg(t, svc, orgFixture())

	ic, err := svc.GetInitialContext(context.Background(), InitialContextRequest{
		OrgID:     testOrg,
		Levels:    models.LevelRefs{ProjectID: "proj-1", UserID: "user-1"},
		MaxTokens: 4000,
	})
	require.NoError(t, err)

	assert.Equal(t, []models.MemoryLevel{models.LevelOrg, models.LevelProject, models.LevelUser}, ic.LevelsIncluded)

	levels := map[models.MemoryLevel]bool{}
	for _, c := range ic.Chunks {
		levels[c.Level] = true
	}
	assert.True(t, levels[models.LevelOrg], "org conventions stay visible next to narrower levels")
	assert.True(t, levels[models.LevelProject])
}

func TestGetInitialContext_IncrementsRetrieved(t *testing.T) {
	svc, _ := newTestService(t)
	doc := seedOrg(t, svc, orgFixture())

	_, err := svc.GetInitialContext(context.Background(), InitialContextRequest{
		OrgID: testOrg, Keywords: []string{"security"}, MaxTokens: 2000,
	})
	require.NoError(t, err)

	chunks := currentChunks(t, svc, doc)
	assert.Equal(t, int64(1), chunks["security"].Stats.Retrieved)
	assert.Zero(t, chunks["deployment"].Stats.Retrieved)
}

func TestGetInitialContext_ContextRules(t *testing.T) {
	svc, store := newTestService(t)
	seedOrg(t, svc, orgFixture())
	require.NoError(t, store.SaveContextRule(context.Background(), &models.ContextRule{
		ID:              "rule-1",
		OrgID:           testOrg,
		ExcludeSections: []string{"security"},
		BoostKeywords:   []string{"argo"},
		MaxChunks:       2,
	}))

	ic, err := svc.GetInitialContext(context.Background(), InitialContextRequest{OrgID: testOrg, MaxTokens: 4000})
	require.NoError(t, err)

	require.Len(t, ic.Chunks, 2)
	assert.Equal(t, "deployment", ic.Chunks[0].SectionID, "boosted keyword moves to the front")
	for _, c := range ic.Chunks {
		assert.NotEqual(t, "security", c.SectionID)
	}
}

func TestHandleIterativeRequest_NeverReServes(t *testing.T) {
	svc, _ := newTestService(t)
	seedOrg(t, svc, orgFixture())
	ctx := context.Background()

	ic, err := svc.GetInitialContext(ctx, InitialContextRequest{OrgID: testOrg, Keywords: []string{"security"}, MaxTokens: 2000})
	require.NoError(t, err)
	served := map[string]bool{}
	for _, c := range ic.Chunks {
		served[c.ID] = true
	}

	res, err := svc.HandleIterativeRequest(ctx, ic.SessionID, IterativeRequest{Keywords: []string{"payments", "security"}})
	require.NoError(t, err)
	require.True(t, res.WasFound)
	for _, c := range res.AdditionalChunks {
		assert.False(t, served[c.ID], "chunk %s served twice", c.SectionID)
		served[c.ID] = true
	}

	res, err = svc.HandleIterativeRequest(ctx, ic.SessionID, IterativeRequest{Keywords: []string{"payments", "security"}})
	require.NoError(t, err)
	for _, c := range res.AdditionalChunks {
		assert.False(t, served[c.ID], "chunk %s served twice", c.SectionID)
	}

	session, err := svc.Session(ctx, ic.SessionID)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, key := range session.ServedSections {
		assert.False(t, seen[key], "session lists section %s twice", key)
		seen[key] = true
	}
}

func TestHandleIterativeRequest_ExtractsKeywordsFromText(t *testing.T) {
	svc, _ := newTestService(t)
	seedOrg(t, svc, orgFixture())
	ctx := context.Background()

	ic, err := svc.GetInitialContext(ctx, InitialContextRequest{OrgID: testOrg, Keywords: []string{"security"}, MaxTokens: 2000})
	require.NoError(t, err)

	res, err := svc.HandleIterativeRequest(ctx, ic.SessionID, IterativeRequest{
		Text: "I need more about the deployment pipeline before answering",
	})
	require.NoError(t, err)

	require.True(t, res.WasFound)
	assert.Contains(t, res.SearchedKeywords, "deployment")
	var sections []string
	for _, c := range res.AdditionalChunks {
		sections = append(sections, c.SectionID)
	}
	assert.Contains(t, sections, "deployment")
}

func TestHandleIterativeRequest_NotFoundSuggestion(t *testing.T) {
	svc, _ := newTestService(t)
	seedOrg(t, svc, orgFixture())
	ctx := context.Background()

	ic, err := svc.GetInitialContext(ctx, InitialContextRequest{
		OrgID: testOrg, Levels: models.LevelRefs{ProjectID: "proj-1"}, Keywords: []string{"security"}, MaxTokens: 2000,
	})
	require.NoError(t, err)

	res, err := svc.HandleIterativeRequest(ctx, ic.SessionID, IterativeRequest{Keywords: []string{"kubernetes"}})
	require.NoError(t, err)

	assert.False(t, res.WasFound)
	assert.Empty(t, res.AdditionalChunks)
	assert.Contains(t, res.Suggestion, `"kubernetes"`)
	assert.Contains(t, res.Suggestion, "project")
}

func TestHandleIterativeRequest_Examples(t *testing.T) {
	svc, _ := newTestService(t)
	seedOrg(t, svc, orgFixture())
	ctx := context.Background()

	ic, err := svc.GetInitialContext(ctx, InitialContextRequest{OrgID: testOrg, Keywords: []string{"deployment"}, MaxTokens: 2000})
	require.NoError(t, err)

	res, err := svc.HandleIterativeRequest(ctx, ic.SessionID, IterativeRequest{
		Keywords:    []string{"billing"},
		RequestType: models.RequestExamples,
	})
	require.NoError(t, err)

	require.True(t, res.WasFound)
	assert.True(t, res.AdditionalChunks[0].HasCode, "examples prefer chunks with code")
}

func TestHandleIterativeRequest_ClosedSession(t *testing.T) {
	svc, _ := newTestService(t)
	seedOrg(t, svc, orgFixture())
	ctx := context.Background()

	ic, err := svc.GetInitialContext(ctx, InitialContextRequest{OrgID: testOrg, MaxTokens: 100})
	require.NoError(t, err)
	require.NoError(t, svc.CompleteSession(ctx, ic.SessionID, true, ""))

	_, err = svc.HandleIterativeRequest(ctx, ic.SessionID, IterativeRequest{Keywords: []string{"payments"}})
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = svc.HandleIterativeRequest(ctx, "missing", IterativeRequest{Keywords: []string{"payments"}})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCompleteSession_ExactlyOnce(t *testing.T) {
	svc, _ := newTestService(t)
	doc := seedOrg(t, svc, orgFixture())
	ctx := context.Background()

	ic, err := svc.GetInitialContext(ctx, InitialContextRequest{OrgID: testOrg, Keywords: []string{"security"}, MaxTokens: 2000})
	require.NoError(t, err)

	require.NoError(t, svc.CompleteSession(ctx, ic.SessionID, true, "answered"))
	err = svc.CompleteSession(ctx, ic.SessionID, true, "again")
	assert.ErrorIs(t, err, ErrSessionClosed)
	err = svc.CompleteSession(ctx, ic.SessionID, false, "flip")
	assert.ErrorIs(t, err, ErrSessionClosed)

	stats := currentChunks(t, svc, doc)["security"].Stats
	assert.Equal(t, int64(1), stats.Helpful, "second completion must not double-count")
	assert.Zero(t, stats.Insufficient)

	session, err := svc.Session(ctx, ic.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionSucceeded, session.Status)
	assert.Equal(t, "answered", session.Notes)
}

func TestCompleteSession_ConcurrentCallersCountOnce(t *testing.T) {
	svc, _ := newTestService(t)
	doc := seedOrg(t, svc, orgFixture())
	ctx := context.Background()

	ic, err := svc.GetInitialContext(ctx, InitialContextRequest{OrgID: testOrg, Keywords: []string{"security"}, MaxTokens: 2000})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc.CompleteSession(ctx, ic.SessionID, false, "") == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, int64(1), currentChunks(t, svc, doc)["security"].Stats.Insufficient)
}

func TestHandleIterativeRequest_RewriteDoesNotReserveSection(t *testing.T) {
	svc, _ := newTestService(t)
	doc := seedOrg(t, svc, orgFixture())
	ctx := context.Background()

	ic, err := svc.GetInitialContext(ctx, InitialContextRequest{OrgID: testOrg, Keywords: []string{"security"}, MaxTokens: 2000})
	require.NoError(t, err)
	session, err := svc.Session(ctx, ic.SessionID)
	require.NoError(t, err)
	require.Contains(t, session.ServedSections, models.SectionKey(doc.ID, "security"))

	// The document is rewritten while the session is open, giving every
	// section a new chunk id
	rewritten := strings.Replace(orgFixture(), "Secrets live in Vault.", "Secrets live in Vault. MFA is required.", 1)
	require.NoError(t, svc.ReplaceContent(ctx, doc, rewritten+"\n\n## Oncall\n\nPager rotation weekly.\n"))

	res, err := svc.HandleIterativeRequest(ctx, ic.SessionID, IterativeRequest{Keywords: []string{"security"}})
	require.NoError(t, err)
	for _, c := range res.AdditionalChunks {
		assert.NotEqual(t, "security", c.SectionID, "section served again after rewrite")
	}

	res, err = svc.HandleIterativeRequest(ctx, ic.SessionID, IterativeRequest{Keywords: []string{"pager"}})
	require.NoError(t, err)
	require.True(t, res.WasFound, "sections added by the rewrite are still reachable")
	assert.Equal(t, "oncall", res.AdditionalChunks[0].SectionID)
}

func TestCompleteSession_StatsFollowRewrite(t *testing.T) {
	svc, _ := newTestService(t)
	doc := seedOrg(t, svc, orgFixture())
	ctx := context.Background()

	ic, err := svc.GetInitialContext(ctx, InitialContextRequest{OrgID: testOrg, Keywords: []string{"security"}, MaxTokens: 2000})
	require.NoError(t, err)

	require.NoError(t, svc.ReplaceContent(ctx, doc, strings.Replace(orgFixture(), "Canary first.", "Canary first. Then full rollout.", 1)))
	require.NoError(t, svc.CompleteSession(ctx, ic.SessionID, true, ""))

	doc, err = svc.Store().GetDocument(ctx, testOrg, models.LevelOrg, "")
	require.NoError(t, err)
	stats := currentChunks(t, svc, doc)["security"].Stats
	assert.Equal(t, int64(1), stats.Helpful, "completion lands on the generation readers see")
	assert.Equal(t, int64(1), stats.Retrieved)
}

func TestWithSession(t *testing.T) {
	svc, _ := newTestService(t)
	seedOrg(t, svc, orgFixture())
	ctx := context.Background()
	req := InitialContextRequest{OrgID: testOrg, Keywords: []string{"security"}, MaxTokens: 2000}

	var sessionID string
	err := svc.WithSession(ctx, req, func(ic *models.InitialContext) error {
		sessionID = ic.SessionID
		return nil
	})
	require.NoError(t, err)
	session, err := svc.Session(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionSucceeded, session.Status)

	boom := errors.New("model failed")
	err = svc.WithSession(ctx, req, func(ic *models.InitialContext) error {
		sessionID = ic.SessionID
		return boom
	})
	assert.ErrorIs(t, err, boom)
	session, err = svc.Session(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, session.Status)

	assert.Panics(t, func() {
		_ = svc.WithSession(ctx, req, func(ic *models.InitialContext) error {
			sessionID = ic.SessionID
			panic("provider exploded")
		})
	})
	session, err = svc.Session(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, session.Status)
}

func TestExpireStaleSessions(t *testing.T) {
	svc, _ := newTestService(t)
	seedOrg(t, svc, orgFixture())
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	stale, err := svc.GetInitialContext(ctx, InitialContextRequest{OrgID: testOrg, MaxTokens: 100})
	require.NoError(t, err)

	now = now.Add(DefaultSessionTTL + time.Minute)
	fresh, err := svc.GetInitialContext(ctx, InitialContextRequest{OrgID: testOrg, MaxTokens: 100})
	require.NoError(t, err)

	expired, err := svc.ExpireStaleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	session, err := svc.Session(ctx, stale.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, session.Status)
	assert.ErrorIs(t, svc.CompleteSession(ctx, stale.SessionID, true, ""), ErrSessionClosed)

	session, err = svc.Session(ctx, fresh.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionOpen, session.Status)
}

func TestInitialContextRequestValidation(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GetInitialContext(context.Background(), InitialContextRequest{})
	assert.Error(t, err)

	_, err = svc.HandleIterativeRequest(context.Background(), "s", IterativeRequest{RequestType: "everything"})
	assert.Error(t, err)
}
