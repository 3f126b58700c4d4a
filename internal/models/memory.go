package models

import (
	"strings"
	"time"
)

// MemoryLevel is one level of the organizational memory hierarchy
type MemoryLevel string

const (
	LevelOrg     MemoryLevel = "org"
	LevelDomain  MemoryLevel = "domain"
	LevelProject MemoryLevel = "project"
	LevelCircle  MemoryLevel = "circle"
	LevelUser    MemoryLevel = "user"
)

// MemoryLevels lists levels from broadest to narrowest
var MemoryLevels = []MemoryLevel{LevelOrg, LevelDomain, LevelProject, LevelCircle, LevelUser}

// Rank returns the position of the level in the hierarchy (org = 0)
func (l MemoryLevel) Rank() int {
	for i, lv := range MemoryLevels {
		if lv == l {
			return i
		}
	}
	return len(MemoryLevels)
}

// Valid reports whether l is a known level
func (l MemoryLevel) Valid() bool {
	return l.Rank() < len(MemoryLevels)
}

// LevelRefs locates a caller in the hierarchy. The organization level is implicit.
type LevelRefs struct {
	DomainID  string `json:"domainId,omitempty" bson:"domainId,omitempty"`
	ProjectID string `json:"projectId,omitempty" bson:"projectId,omitempty"`
	CircleID  string `json:"circleId,omitempty" bson:"circleId,omitempty"`
	UserID    string `json:"userId,omitempty" bson:"userId,omitempty"`
}

// LevelEntity is a (level, entity id) pair
type LevelEntity struct {
	Level    MemoryLevel
	EntityID string
}

// Applicable returns the levels that apply to these refs, broadest first.
// The org level is always included.
func (r LevelRefs) Applicable() []LevelEntity {
	out := []LevelEntity{{Level: LevelOrg}}
	if r.DomainID != "" {
		out = append(out, LevelEntity{Level: LevelDomain, EntityID: r.DomainID})
	}
	if r.ProjectID != "" {
		out = append(out, LevelEntity{Level: LevelProject, EntityID: r.ProjectID})
	}
	if r.CircleID != "" {
		out = append(out, LevelEntity{Level: LevelCircle, EntityID: r.CircleID})
	}
	if r.UserID != "" {
		out = append(out, LevelEntity{Level: LevelUser, EntityID: r.UserID})
	}
	return out
}

// MemoryDocument is a leveled knowledge document owned by exactly one organization
type MemoryDocument struct {
	ID       string      `bson:"_id" json:"id"`
	OrgID    string      `bson:"orgId" json:"org_id"`
	Level    MemoryLevel `bson:"level" json:"level"`
	EntityID string      `bson:"entityId" json:"entity_id,omitempty"` // empty for org level
	Title    string      `bson:"title" json:"title"`
	Content  string      `bson:"content" json:"content"`

	// Version increments on every content change. Chunks carry the version they were cut from.
	Version int64 `bson:"version" json:"version"`

	CreatedAt time.Time `bson:"createdAt" json:"created_at"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updated_at"`
}

// ChunkStats are the feedback counters used for ranking
type ChunkStats struct {
	Retrieved    int64 `bson:"retrieved" json:"retrieved"`
	Helpful      int64 `bson:"helpful" json:"helpful"`
	Insufficient int64 `bson:"insufficient" json:"insufficient"`
}

// ContextChunk is a keyword-indexed section of a memory document
type ContextChunk struct {
	ID           string      `bson:"_id" json:"id"`
	DocumentID   string      `bson:"documentId" json:"document_id"`
	OrgID        string      `bson:"orgId" json:"-"`
	Level        MemoryLevel `bson:"level" json:"level"`
	DocVersion   int64       `bson:"docVersion" json:"doc_version"`
	SectionID    string      `bson:"sectionId" json:"section_id"`
	SectionTitle string      `bson:"sectionTitle" json:"section_title"`
	Ordinal      int         `bson:"ordinal" json:"ordinal"`
	StartLine    int         `bson:"startLine" json:"start_line"`
	EndLine      int         `bson:"endLine" json:"end_line"`
	Content      string      `bson:"content" json:"content"`
	Keywords     []string    `bson:"keywords" json:"keywords"`
	Importance   float64     `bson:"importance" json:"importance"` // 0-10
	TokenCount   int         `bson:"tokenCount" json:"token_count"`
	HasCode      bool        `bson:"hasCode" json:"has_code"`
	Stats        ChunkStats  `bson:"stats" json:"stats"`
	CreatedAt    time.Time   `bson:"createdAt" json:"created_at"`
}

// SectionKey identifies a chunk's section across document versions. Chunk ids
// change on every rewrite; the section key does not.
func (c ContextChunk) SectionKey() string {
	return SectionKey(c.DocumentID, c.SectionID)
}

// SectionKey joins a document id and a section id. Section ids are slugs and
// never contain '#'.
func SectionKey(documentID, sectionID string) string {
	return documentID + "#" + sectionID
}

// SplitSectionKey is the inverse of SectionKey
func SplitSectionKey(key string) (documentID, sectionID string, ok bool) {
	i := strings.LastIndexByte(key, '#')
	if i < 0 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// SessionStatus is the lifecycle state of a retrieval session
type SessionStatus string

const (
	SessionOpen      SessionStatus = "open"
	SessionSucceeded SessionStatus = "succeeded"
	SessionFailed    SessionStatus = "failed"
	SessionExpired   SessionStatus = "expired"
)

// RetrievalSession ties a sequence of context fetches to one downstream model call
type RetrievalSession struct {
	ID              string        `bson:"_id" json:"id"`
	OrgID           string        `bson:"orgId" json:"org_id"`
	UserID          string        `bson:"userId,omitempty" json:"user_id,omitempty"`
	SessionType     string        `bson:"sessionType" json:"session_type"`
	Levels          LevelRefs     `bson:"levels" json:"levels"`
	Keywords        []string      `bson:"keywords" json:"keywords"`
	MatchedKeywords []string      `bson:"matchedKeywords" json:"matched_keywords"`
	ServedSections  []string      `bson:"servedSections" json:"served_sections"` // SectionKey of every served chunk
	TotalTokens     int           `bson:"totalTokens" json:"total_tokens"`
	Iterations      int           `bson:"iterations" json:"iterations"`
	Status          SessionStatus `bson:"status" json:"status"`
	Notes           string        `bson:"notes,omitempty" json:"notes,omitempty"`
	CreatedAt       time.Time     `bson:"createdAt" json:"created_at"`
	CompletedAt     *time.Time    `bson:"completedAt,omitempty" json:"completed_at,omitempty"`
}

// HasServed reports whether the section was already attached to the session
func (s *RetrievalSession) HasServed(sectionKey string) bool {
	for _, key := range s.ServedSections {
		if key == sectionKey {
			return true
		}
	}
	return false
}

// MemoryUpdateType is the kind of queued document mutation
type MemoryUpdateType string

const (
	UpdateAppend     MemoryUpdateType = "append"
	UpdateSection    MemoryUpdateType = "update_section"
	UpdateRegenerate MemoryUpdateType = "regenerate"
)

// Valid reports whether t is a known update type
func (t MemoryUpdateType) Valid() bool {
	return t == UpdateAppend || t == UpdateSection || t == UpdateRegenerate
}

// Memory update source types (domain events)
const (
	SourceTicketClosed     = "ticket_closed"
	SourceMeetingCompleted = "meeting_completed"
	SourcePRMerged         = "pr_merged"
	SourceDecisionRecorded = "decision_recorded"
	SourceManual           = "manual"
)

// Update queue statuses
const (
	UpdateStatusPending    = "pending"
	UpdateStatusProcessing = "processing"
	UpdateStatusApplied    = "applied"
	UpdateStatusFailed     = "failed"
)

// MemoryUpdate is a queued mutation produced by a domain event
type MemoryUpdate struct {
	ID             string           `bson:"_id" json:"id"`
	OrgID          string           `bson:"orgId" json:"orgId" validate:"required"`
	SourceType     string           `bson:"sourceType" json:"sourceType" validate:"required"`
	SourceEntityID string           `bson:"sourceEntityId" json:"sourceEntityId"`
	TargetLevel    MemoryLevel      `bson:"targetLevel" json:"targetLevel" validate:"required"`
	TargetEntityID string           `bson:"targetEntityId,omitempty" json:"targetEntityId,omitempty"`
	UpdateType     MemoryUpdateType `bson:"updateType" json:"updateType" validate:"required"`
	Content        string           `bson:"content,omitempty" json:"content,omitempty"`
	SectionID      string           `bson:"sectionId,omitempty" json:"sectionId,omitempty"`
	Keywords       []string         `bson:"keywords,omitempty" json:"keywords,omitempty"`

	Status       string     `bson:"status" json:"status"`
	AttemptCount int        `bson:"attemptCount" json:"attempt_count"`
	ErrorMessage string     `bson:"errorMessage,omitempty" json:"error_message,omitempty"`
	CreatedAt    time.Time  `bson:"createdAt" json:"created_at"`
	ProcessedAt  *time.Time `bson:"processedAt,omitempty" json:"processed_at,omitempty"`
}

// ContextRule is an organization-specific filter/reorder step applied to retrieved chunks
type ContextRule struct {
	ID              string        `bson:"_id" json:"id"`
	OrgID           string        `bson:"orgId" json:"org_id"`
	SessionType     string        `bson:"sessionType,omitempty" json:"session_type,omitempty"` // empty = all session types
	Levels          []MemoryLevel `bson:"levels,omitempty" json:"levels,omitempty"`            // restrict to these levels
	ExcludeSections []string      `bson:"excludeSections,omitempty" json:"exclude_sections,omitempty"`
	BoostKeywords   []string      `bson:"boostKeywords,omitempty" json:"boost_keywords,omitempty"`
	MaxChunks       int           `bson:"maxChunks,omitempty" json:"max_chunks,omitempty"`
	Priority        int           `bson:"priority" json:"priority"`
}

// Iterative request types
const (
	RequestMoreContext     = "more_context"
	RequestSpecificSection = "specific_section"
	RequestExamples        = "examples"
)

// InitialContext is returned by the first fetch of a retrieval session
type InitialContext struct {
	SessionID       string         `json:"session_id"`
	Chunks          []ContextChunk `json:"chunks"`
	TotalTokens     int            `json:"total_tokens"`
	LevelsIncluded  []MemoryLevel  `json:"levels_included"`
	MatchedKeywords []string       `json:"matched_keywords"`
}

// IterativeResult is returned by an "ask for more" request
type IterativeResult struct {
	AdditionalChunks []ContextChunk `json:"additional_chunks"`
	TotalNewTokens   int            `json:"total_new_tokens"`
	WasFound         bool           `json:"was_found"`
	Suggestion       string         `json:"suggestion,omitempty"`
	SearchedKeywords []string       `json:"searched_keywords"`
}
