package memory

import (
	"context"
	"errors"
	"time"

	"taskpilot/internal/models"
)

var (
	ErrSessionNotFound  = errors.New("retrieval session not found")
	ErrSessionClosed    = errors.New("retrieval session already completed")
	ErrDocumentNotFound = errors.New("memory document not found")
	ErrDocumentExists   = errors.New("memory document already exists")
	ErrVersionConflict  = errors.New("memory document was modified concurrently")
	ErrInvalidUpdate    = errors.New("invalid memory update")
)

// StatField names a chunk feedback counter
type StatField string

const (
	StatRetrieved    StatField = "retrieved"
	StatHelpful      StatField = "helpful"
	StatInsufficient StatField = "insufficient"
)

// Store persists documents, chunks, retrieval sessions, the update queue and
// context rules.
//
// Readers load a document and then only the chunks whose DocVersion equals the
// document's Version. ReplaceDocument writes the new chunk generation before it
// flips the document version, so a reader never sees new content with old
// chunks or a partial chunk set.
type Store interface {
	GetDocument(ctx context.Context, orgID string, level models.MemoryLevel, entityID string) (*models.MemoryDocument, error)
	ListDocuments(ctx context.Context, orgID string) ([]models.MemoryDocument, error)
	CreateDocument(ctx context.Context, doc *models.MemoryDocument, chunks []models.ContextChunk) error
	// ReplaceDocument swaps content and chunks iff the stored version equals
	// expectedVersion. chunks must carry DocVersion expectedVersion+1.
	ReplaceDocument(ctx context.Context, docID string, expectedVersion int64, content string, chunks []models.ContextChunk, at time.Time) error

	CurrentChunks(ctx context.Context, docs []models.MemoryDocument) ([]models.ContextChunk, error)
	// IncrementSectionStats bumps field on every stored generation of the
	// sections named by models.SectionKey, so feedback survives rewrites.
	IncrementSectionStats(ctx context.Context, sectionKeys []string, field StatField) error
	// DeleteSupersededChunks removes generations older than a document's
	// version once the document has been stable since before cutoff, and
	// unpublished newer generations created before cutoff.
	DeleteSupersededChunks(ctx context.Context, cutoff time.Time) (int64, error)

	CreateSession(ctx context.Context, session *models.RetrievalSession) error
	GetSession(ctx context.Context, sessionID string) (*models.RetrievalSession, error)
	// AppendServed records additional sections on an open session
	AppendServed(ctx context.Context, sessionID string, sectionKeys, matchedKeywords []string, tokens int) error
	// CloseSession moves an open session to status exactly once and returns it.
	// Closing a session that is not open returns ErrSessionClosed.
	CloseSession(ctx context.Context, sessionID string, status models.SessionStatus, notes string, at time.Time) (*models.RetrievalSession, error)
	ListStaleSessions(ctx context.Context, openedBefore time.Time, limit int) ([]string, error)

	EnqueueUpdate(ctx context.Context, update *models.MemoryUpdate) error
	// ClaimNextUpdate marks the oldest pending update as processing. Returns nil, nil when the queue is empty.
	ClaimNextUpdate(ctx context.Context) (*models.MemoryUpdate, error)
	FinishUpdate(ctx context.Context, updateID, status, errMsg string, at time.Time) error

	ContextRules(ctx context.Context, orgID, sessionType string) ([]models.ContextRule, error)
	SaveContextRule(ctx context.Context, rule *models.ContextRule) error
}

// collectable reports whether a chunk generation can be deleted. Older
// generations go once the document has not changed since cutoff. Newer ones
// belong to a writer that has not flipped the version yet and are only
// orphans when they were written before cutoff.
func collectable(c *models.ContextChunk, doc *models.MemoryDocument, cutoff time.Time) bool {
	switch {
	case c.DocVersion < doc.Version:
		return doc.UpdatedAt.Before(cutoff)
	case c.DocVersion > doc.Version:
		return c.CreatedAt.Before(cutoff)
	default:
		return false
	}
}
