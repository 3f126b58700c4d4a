package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"taskpilot/internal/models"
)

// Defaults used when Config leaves a field zero
const (
	DefaultMaxTokens          = 4000
	DefaultIterativeMaxTokens = 1500
	DefaultSessionTTL         = 30 * time.Minute
	DefaultChunkRetention     = 10 * time.Minute
	MaxUpdateAttempts         = 3
)

// Config tunes the memory service
type Config struct {
	DefaultMaxTokens   int
	IterativeMaxTokens int
	SessionTTL         time.Duration
	ChunkRetention     time.Duration
}

// Metrics receives memory observations
type Metrics interface {
	RecordMemoryRetrieval(kind string, chunks, tokens int, found bool)
	RecordMemorySessionClosed(status string)
}

// InitialContextRequest opens a retrieval session
type InitialContextRequest struct {
	OrgID       string           `json:"orgId" validate:"required"`
	UserID      string           `json:"userId"`
	Levels      models.LevelRefs `json:"levels"`
	SessionType string           `json:"sessionType"`
	Keywords    []string         `json:"keywords" validate:"omitempty,max=50,dive,max=100"`
	MaxTokens   int              `json:"maxTokens" validate:"omitempty,min=1,max=100000"`
}

// IterativeRequest asks for more context within an open session
type IterativeRequest struct {
	Text        string   `json:"text"`
	RequestType string   `json:"requestType" validate:"omitempty,oneof=more_context specific_section examples"`
	Keywords    []string `json:"keywords" validate:"omitempty,max=50,dive,max=100"`
	MaxTokens   int      `json:"maxTokens" validate:"omitempty,min=1,max=100000"`
}

// Service is the hierarchical memory service
type Service struct {
	store     Store
	templates *Templates
	cfg       Config
	metrics   Metrics
	validate  *validator.Validate
	now       func() time.Time

	creating     singleflight.Group
	sessionLocks sync.Map // session id -> *sync.Mutex
}

// NewService creates a memory service
func NewService(store Store, templates *Templates, cfg Config) *Service {
	if templates == nil {
		templates = DefaultTemplates()
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = DefaultMaxTokens
	}
	if cfg.IterativeMaxTokens <= 0 {
		cfg.IterativeMaxTokens = DefaultIterativeMaxTokens
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.ChunkRetention <= 0 {
		cfg.ChunkRetention = DefaultChunkRetention
	}
	return &Service{
		store:     store,
		templates: templates,
		cfg:       cfg,
		validate:  validator.New(),
		now:       time.Now,
	}
}

// SetMetrics attaches a metrics recorder
func (s *Service) SetMetrics(m Metrics) {
	s.metrics = m
}

// Store exposes the underlying store
func (s *Service) Store() Store {
	return s.store
}

// GetInitialContext resolves every applicable document, selects the best
// matching chunks within MaxTokens and opens a retrieval session. The caller
// must complete the session exactly once.
func (s *Service) GetInitialContext(ctx context.Context, req InitialContextRequest) (*models.InitialContext, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid context request: %w", err)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.cfg.DefaultMaxTokens
	}
	keywords := NormalizeKeywords(req.Keywords)

	docs, err := s.resolveDocuments(ctx, req.OrgID, req.Levels)
	if err != nil {
		return nil, err
	}

	chunks, err := s.store.CurrentChunks(ctx, docs)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}

	selected, _ := fillBudget(rankInitial(chunks, keywords), maxTokens)

	rules, err := s.store.ContextRules(ctx, req.OrgID, req.SessionType)
	if err != nil {
		log.Printf("⚠️  [MEMORY] Failed to load context rules for org %s: %v", req.OrgID, err)
	}
	selected = applyContextRules(selected, rules)

	total := 0
	for _, c := range selected {
		total += c.chunk.TokenCount
	}
	matched := matchedInOrder(selected, keywords)

	levels := make([]models.MemoryLevel, 0, len(docs))
	for _, d := range docs {
		levels = append(levels, d.Level)
	}

	session := &models.RetrievalSession{
		ID:              uuid.New().String(),
		OrgID:           req.OrgID,
		UserID:          req.UserID,
		SessionType:     req.SessionType,
		Levels:          req.Levels,
		Keywords:        keywords,
		MatchedKeywords: matched,
		ServedSections:  sectionKeys(selected),
		TotalTokens:     total,
		Status:          models.SessionOpen,
		CreatedAt:       s.now(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to open retrieval session: %w", err)
	}

	s.bumpStats(ctx, session.ServedSections, StatRetrieved)
	if s.metrics != nil {
		s.metrics.RecordMemoryRetrieval("initial", len(selected), total, len(selected) > 0)
	}

	log.Printf("🧠 [MEMORY] Session %s opened for org %s: %d chunks, %d tokens, levels %v",
		session.ID, req.OrgID, len(selected), total, levels)

	return &models.InitialContext{
		SessionID:       session.ID,
		Chunks:          chunksOf(selected),
		TotalTokens:     total,
		LevelsIncluded:  levels,
		MatchedKeywords: matched,
	}, nil
}

// resolveDocuments returns the union of documents applicable to refs, broadest
// first. Missing documents are created from templates.
func (s *Service) resolveDocuments(ctx context.Context, orgID string, refs models.LevelRefs) ([]models.MemoryDocument, error) {
	applicable := refs.Applicable()
	docs := make([]models.MemoryDocument, len(applicable))

	g, gctx := errgroup.WithContext(ctx)
	for i, le := range applicable {
		g.Go(func() error {
			doc, err := s.EnsureDocument(gctx, orgID, le.Level, le.EntityID, nil)
			if err != nil {
				return fmt.Errorf("failed to resolve %s memory: %w", le.Level, err)
			}
			docs[i] = *doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

// existingDocuments loads applicable documents without creating missing ones
func (s *Service) existingDocuments(ctx context.Context, orgID string, refs models.LevelRefs) ([]models.MemoryDocument, error) {
	var docs []models.MemoryDocument
	for _, le := range refs.Applicable() {
		doc, err := s.store.GetDocument(ctx, orgID, le.Level, le.EntityID)
		if errors.Is(err, ErrDocumentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}

// HandleIterativeRequest serves chunks the downstream model asked for. Chunks
// already served in the session are never returned again.
func (s *Service) HandleIterativeRequest(ctx context.Context, sessionID string, req IterativeRequest) (*models.IterativeResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid iterative request: %w", err)
	}

	unlock := s.lockSession(sessionID)
	defer unlock()

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionOpen {
		return nil, ErrSessionClosed
	}

	requestType := req.RequestType
	if requestType == "" {
		requestType = models.RequestMoreContext
	}
	keywords := NormalizeKeywords(req.Keywords)
	if len(keywords) == 0 {
		keywords = ExtractRequestKeywords(req.Text)
	}
	if len(keywords) == 0 {
		return &models.IterativeResult{
			WasFound:         false,
			Suggestion:       "Could not tell what information is missing. Ask again naming the topic, identifier or section needed.",
			SearchedKeywords: []string{},
		}, nil
	}

	maxTokens := s.cfg.IterativeMaxTokens
	if req.MaxTokens > 0 && req.MaxTokens < maxTokens {
		maxTokens = req.MaxTokens
	}

	docs, err := s.existingDocuments(ctx, session.OrgID, session.Levels)
	if err != nil {
		return nil, fmt.Errorf("failed to load memory documents: %w", err)
	}
	chunks, err := s.store.CurrentChunks(ctx, docs)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}

	// Chunk ids change when the document is rewritten mid-session, so
	// exclusion is by section
	served := make(map[string]bool, len(session.ServedSections))
	for _, key := range session.ServedSections {
		served[key] = true
	}

	var cands []candidate
	for _, c := range chunks {
		if served[c.SectionKey()] {
			continue
		}
		matched, titleHit := matchIterative(c, keywords, requestType)
		if len(matched) == 0 {
			continue
		}
		score := compositeScore(c, len(matched), len(keywords))
		switch {
		case requestType == models.RequestExamples && c.HasCode:
			score += preferenceBonus
		case requestType == models.RequestSpecificSection && titleHit:
			score += preferenceBonus
		}
		cands = append(cands, candidate{chunk: c, matched: matched, score: score})
	}
	sortCandidates(cands)
	selected, total := fillBudget(cands, maxTokens)

	if len(selected) == 0 {
		if s.metrics != nil {
			s.metrics.RecordMemoryRetrieval("iterative", 0, 0, false)
		}
		return &models.IterativeResult{
			WasFound:         false,
			Suggestion:       suggestion(keywords, cands, session.Levels),
			SearchedKeywords: keywords,
		}, nil
	}

	keys := sectionKeys(selected)
	if err := s.store.AppendServed(ctx, sessionID, keys, matchedInOrder(selected, keywords), total); err != nil {
		return nil, err
	}
	s.bumpStats(ctx, keys, StatRetrieved)
	if s.metrics != nil {
		s.metrics.RecordMemoryRetrieval("iterative", len(selected), total, true)
	}

	log.Printf("🔍 [MEMORY] Session %s: served %d more chunks (%d tokens) for %v", sessionID, len(selected), total, keywords)

	return &models.IterativeResult{
		AdditionalChunks: chunksOf(selected),
		TotalNewTokens:   total,
		WasFound:         true,
		SearchedKeywords: keywords,
	}, nil
}

func suggestion(keywords []string, matchedButTooLarge []candidate, refs models.LevelRefs) string {
	if len(matchedButTooLarge) > 0 {
		return fmt.Sprintf("Sections about %s exist but exceed the remaining token budget for this session.",
			quoteAll(keywords))
	}
	applicable := refs.Applicable()
	narrowest := applicable[len(applicable)-1].Level
	return fmt.Sprintf("No memory covers %s. Consider documenting it in the %s memory so future requests can use it.",
		quoteAll(keywords), narrowest)
}

func quoteAll(words []string) string {
	q := make([]string, len(words))
	for i, w := range words {
		q[i] = "\"" + w + "\""
	}
	return strings.Join(q, ", ")
}

// CompleteSession closes the session exactly once and records feedback on
// every served section. A second call returns ErrSessionClosed and changes nothing.
func (s *Service) CompleteSession(ctx context.Context, sessionID string, success bool, notes string) error {
	status := models.SessionFailed
	if success {
		status = models.SessionSucceeded
	}
	return s.closeSession(ctx, sessionID, status, notes)
}

func (s *Service) closeSession(ctx context.Context, sessionID string, status models.SessionStatus, notes string) error {
	unlock := s.lockSession(sessionID)
	session, err := s.store.CloseSession(ctx, sessionID, status, notes, s.now())
	unlock()
	s.sessionLocks.Delete(sessionID)
	if err != nil {
		return err
	}

	field := StatInsufficient
	if status == models.SessionSucceeded {
		field = StatHelpful
	}
	s.bumpStats(ctx, session.ServedSections, field)

	if s.metrics != nil {
		s.metrics.RecordMemorySessionClosed(string(status))
	}
	log.Printf("✅ [MEMORY] Session %s closed as %s (%d chunks)", sessionID, status, len(session.ServedSections))
	return nil
}

// WithSession opens a session, runs fn and always completes the session:
// success when fn returns nil, failure on error or panic.
func (s *Service) WithSession(ctx context.Context, req InitialContextRequest, fn func(*models.InitialContext) error) (err error) {
	ic, err := s.GetInitialContext(ctx, req)
	if err != nil {
		return err
	}

	success := false
	defer func() {
		// Completion must happen even when the request context is gone
		cctx := context.WithoutCancel(ctx)
		if r := recover(); r != nil {
			_ = s.CompleteSession(cctx, ic.SessionID, false, fmt.Sprintf("panic: %v", r))
			panic(r)
		}
		if cerr := s.CompleteSession(cctx, ic.SessionID, success, ""); cerr != nil && !errors.Is(cerr, ErrSessionClosed) {
			log.Printf("⚠️  [MEMORY] Failed to complete session %s: %v", ic.SessionID, cerr)
		}
	}()

	err = fn(ic)
	success = err == nil
	return err
}

// ExpireStaleSessions closes sessions left open longer than the session TTL
// with a failure outcome.
func (s *Service) ExpireStaleSessions(ctx context.Context) (int, error) {
	ids, err := s.store.ListStaleSessions(ctx, s.now().Add(-s.cfg.SessionTTL), 500)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale sessions: %w", err)
	}
	expired := 0
	for _, id := range ids {
		err := s.closeSession(ctx, id, models.SessionExpired, "expired by reaper")
		switch {
		case err == nil:
			expired++
		case errors.Is(err, ErrSessionClosed):
			// completed concurrently
		default:
			log.Printf("⚠️  [MEMORY] Failed to expire session %s: %v", id, err)
		}
	}
	return expired, nil
}

// CollectGarbage deletes chunk generations superseded longer than the retention window
func (s *Service) CollectGarbage(ctx context.Context) (int64, error) {
	return s.store.DeleteSupersededChunks(ctx, s.now().Add(-s.cfg.ChunkRetention))
}

// Session returns a retrieval session
func (s *Service) Session(ctx context.Context, sessionID string) (*models.RetrievalSession, error) {
	return s.store.GetSession(ctx, sessionID)
}

func (s *Service) lockSession(sessionID string) func() {
	v, _ := s.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// bumpStats applies feedback counters. Counters only affect future ranking,
// so failures are logged and not returned.
func (s *Service) bumpStats(ctx context.Context, keys []string, field StatField) {
	if len(keys) == 0 {
		return
	}
	if err := s.store.IncrementSectionStats(ctx, keys, field); err != nil {
		log.Printf("⚠️  [MEMORY] Failed to increment %s on %d sections: %v", field, len(keys), err)
	}
}
