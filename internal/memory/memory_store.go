package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"taskpilot/internal/models"
)

// InMemoryStore is a Store for dev mode and tests. All state lives behind one
// lock, so every method is atomic.
type InMemoryStore struct {
	mu       sync.RWMutex
	docs     map[string]*models.MemoryDocument
	chunks   map[string]*models.ContextChunk
	sessions map[string]*models.RetrievalSession
	updates  []*models.MemoryUpdate
	rules    map[string]*models.ContextRule
}

// NewInMemoryStore creates an empty store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		docs:     make(map[string]*models.MemoryDocument),
		chunks:   make(map[string]*models.ContextChunk),
		sessions: make(map[string]*models.RetrievalSession),
		rules:    make(map[string]*models.ContextRule),
	}
}

func (s *InMemoryStore) GetDocument(_ context.Context, orgID string, level models.MemoryLevel, entityID string) (*models.MemoryDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.docs {
		if d.OrgID == orgID && d.Level == level && d.EntityID == entityID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDocumentNotFound
}

func (s *InMemoryStore) ListDocuments(_ context.Context, orgID string) ([]models.MemoryDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MemoryDocument
	for _, d := range s.docs {
		if d.OrgID == orgID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level.Rank() != out[j].Level.Rank() {
			return out[i].Level.Rank() < out[j].Level.Rank()
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out, nil
}

func (s *InMemoryStore) CreateDocument(_ context.Context, doc *models.MemoryDocument, chunks []models.ContextChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.docs {
		if d.OrgID == doc.OrgID && d.Level == doc.Level && d.EntityID == doc.EntityID {
			return ErrDocumentExists
		}
	}
	cp := *doc
	s.docs[doc.ID] = &cp
	s.putChunks(chunks)
	return nil
}

func (s *InMemoryStore) ReplaceDocument(_ context.Context, docID string, expectedVersion int64, content string, chunks []models.ContextChunk, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	if !ok {
		return ErrDocumentNotFound
	}
	if d.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.putChunks(chunks)
	d.Content = content
	d.Version = expectedVersion + 1
	d.UpdatedAt = at
	return nil
}

func (s *InMemoryStore) putChunks(chunks []models.ContextChunk) {
	for i := range chunks {
		c := chunks[i]
		c.Keywords = append([]string(nil), c.Keywords...)
		s.chunks[c.ID] = &c
	}
}

func (s *InMemoryStore) CurrentChunks(_ context.Context, docs []models.MemoryDocument) ([]models.ContextChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Readers get the generation matching their copy of the document
	current := make(map[string]int64, len(docs))
	for _, d := range docs {
		current[d.ID] = d.Version
	}

	var out []models.ContextChunk
	for _, c := range s.chunks {
		if v, ok := current[c.DocumentID]; ok && c.DocVersion == v {
			cp := *c
			cp.Keywords = append([]string(nil), c.Keywords...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].Ordinal < out[j].Ordinal
	})
	return out, nil
}

func (s *InMemoryStore) IncrementSectionStats(_ context.Context, sectionKeys []string, field StatField) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make(map[string]int, len(sectionKeys))
	for _, k := range sectionKeys {
		keys[k]++
	}
	for _, c := range s.chunks {
		n := int64(keys[c.SectionKey()])
		if n == 0 {
			continue
		}
		switch field {
		case StatRetrieved:
			c.Stats.Retrieved += n
		case StatHelpful:
			c.Stats.Helpful += n
		case StatInsufficient:
			c.Stats.Insufficient += n
		}
	}
	return nil
}

func (s *InMemoryStore) DeleteSupersededChunks(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.chunks {
		d, ok := s.docs[c.DocumentID]
		if !ok || collectable(c, d, cutoff) {
			delete(s.chunks, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) CreateSession(_ context.Context, session *models.RetrievalSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copySession(session)
	s.sessions[session.ID] = cp
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, sessionID string) (*models.RetrievalSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(sess), nil
}

func (s *InMemoryStore) AppendServed(_ context.Context, sessionID string, sectionKeys, matchedKeywords []string, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Status != models.SessionOpen {
		return ErrSessionClosed
	}
	sess.ServedSections = append(sess.ServedSections, sectionKeys...)
	sess.MatchedKeywords = mergeKeywords(sess.MatchedKeywords, matchedKeywords)
	sess.TotalTokens += tokens
	sess.Iterations++
	return nil
}

func (s *InMemoryStore) CloseSession(_ context.Context, sessionID string, status models.SessionStatus, notes string, at time.Time) (*models.RetrievalSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.Status != models.SessionOpen {
		return nil, ErrSessionClosed
	}
	sess.Status = status
	sess.Notes = notes
	completed := at
	sess.CompletedAt = &completed
	return copySession(sess), nil
}

func (s *InMemoryStore) ListStaleSessions(_ context.Context, openedBefore time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, sess := range s.sessions {
		if sess.Status == models.SessionOpen && sess.CreatedAt.Before(openedBefore) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *InMemoryStore) EnqueueUpdate(_ context.Context, update *models.MemoryUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *update
	s.updates = append(s.updates, &cp)
	return nil
}

func (s *InMemoryStore) ClaimNextUpdate(_ context.Context) (*models.MemoryUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.updates {
		if u.Status == models.UpdateStatusPending {
			u.Status = models.UpdateStatusProcessing
			u.AttemptCount++
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) FinishUpdate(_ context.Context, updateID, status, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.updates {
		if u.ID == updateID {
			u.Status = status
			u.ErrorMessage = errMsg
			processed := at
			u.ProcessedAt = &processed
			return nil
		}
	}
	return nil
}

// Updates returns a snapshot of the queue
func (s *InMemoryStore) Updates() []models.MemoryUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.MemoryUpdate, 0, len(s.updates))
	for _, u := range s.updates {
		out = append(out, *u)
	}
	return out
}

func (s *InMemoryStore) ContextRules(_ context.Context, orgID, sessionType string) ([]models.ContextRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ContextRule
	for _, r := range s.rules {
		if r.OrgID != orgID {
			continue
		}
		if r.SessionType != "" && r.SessionType != sessionType {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) SaveContextRule(_ context.Context, rule *models.ContextRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rule
	s.rules[rule.ID] = &cp
	return nil
}

func copySession(s *models.RetrievalSession) *models.RetrievalSession {
	cp := *s
	cp.Keywords = append([]string(nil), s.Keywords...)
	cp.MatchedKeywords = append([]string(nil), s.MatchedKeywords...)
	cp.ServedSections = append([]string(nil), s.ServedSections...)
	return &cp
}

func mergeKeywords(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, k := range existing {
		seen[k] = true
	}
	for _, k := range add {
		if !seen[k] {
			seen[k] = true
			existing = append(existing, k)
		}
	}
	return existing
}
