package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"taskpilot/internal/models"
)

// EnsureDocument returns the document for (org, level, entity), creating it
// from the level template on first use. Concurrent callers in this process
// share one creation; across instances the store's unique key decides.
func (s *Service) EnsureDocument(ctx context.Context, orgID string, level models.MemoryLevel, entityID string, vars map[string]string) (*models.MemoryDocument, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("unknown memory level %q", level)
	}
	if level == models.LevelOrg {
		entityID = ""
	} else if entityID == "" {
		return nil, fmt.Errorf("%s memory requires an entity id", level)
	}

	doc, err := s.store.GetDocument(ctx, orgID, level, entityID)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, ErrDocumentNotFound) {
		return nil, err
	}

	key := orgID + "|" + string(level) + "|" + entityID
	v, err, _ := s.creating.Do(key, func() (interface{}, error) {
		return s.createDocument(ctx, orgID, level, entityID, vars)
	})
	if err != nil {
		return nil, err
	}
	created := *v.(*models.MemoryDocument)
	return &created, nil
}

func (s *Service) createDocument(ctx context.Context, orgID string, level models.MemoryLevel, entityID string, vars map[string]string) (*models.MemoryDocument, error) {
	title, content, err := s.templates.Render(level, templateVars(orgID, level, entityID, vars))
	if err != nil {
		return nil, err
	}

	now := s.now()
	doc := &models.MemoryDocument{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Level:     level,
		EntityID:  entityID,
		Title:     title,
		Content:   content,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	chunks := BuildChunks(doc, Chunk(content))

	err = s.store.CreateDocument(ctx, doc, chunks)
	if errors.Is(err, ErrDocumentExists) {
		// Another instance won the race
		return s.store.GetDocument(ctx, orgID, level, entityID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s memory: %w", level, err)
	}

	log.Printf("📝 [MEMORY] Created %s memory for org %s (%d chunks)", level, orgID, len(chunks))
	return doc, nil
}

func templateVars(orgID string, level models.MemoryLevel, entityID string, vars map[string]string) map[string]string {
	out := map[string]string{
		"org_id":      orgID,
		"org_name":    orgID,
		"level":       string(level),
		"entity_id":   entityID,
		"entity_name": entityID,
	}
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// ListDocuments returns every memory document of an organization
func (s *Service) ListDocuments(ctx context.Context, orgID string) ([]models.MemoryDocument, error) {
	return s.store.ListDocuments(ctx, orgID)
}

// ReplaceContent re-chunks the whole document and swaps content and chunks in
// one step. Feedback counters carry over to sections with the same id.
func (s *Service) ReplaceContent(ctx context.Context, doc *models.MemoryDocument, content string) error {
	previous, err := s.store.CurrentChunks(ctx, []models.MemoryDocument{*doc})
	if err != nil {
		return fmt.Errorf("failed to load current chunks: %w", err)
	}

	next := *doc
	next.Content = content
	next.Version = doc.Version + 1
	next.UpdatedAt = s.now()
	chunks := BuildChunks(&next, Chunk(content))

	stats := make(map[string]models.ChunkStats, len(previous))
	for _, c := range previous {
		stats[c.SectionID] = c.Stats
	}
	for i := range chunks {
		chunks[i].Stats = stats[chunks[i].SectionID]
	}

	return s.store.ReplaceDocument(ctx, doc.ID, doc.Version, content, chunks, next.UpdatedAt)
}

// ValidateUpdate checks an update without queueing it
func (s *Service) ValidateUpdate(update models.MemoryUpdate) error {
	if err := s.validate.Struct(update); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidUpdate, err)
	}
	if !update.TargetLevel.Valid() {
		return fmt.Errorf("%w: unknown memory level %q", ErrInvalidUpdate, update.TargetLevel)
	}
	if !update.UpdateType.Valid() {
		return fmt.Errorf("%w: unknown update type %q", ErrInvalidUpdate, update.UpdateType)
	}
	if update.TargetLevel != models.LevelOrg && update.TargetEntityID == "" {
		return fmt.Errorf("%w: %s update requires targetEntityId", ErrInvalidUpdate, update.TargetLevel)
	}
	switch update.UpdateType {
	case models.UpdateAppend:
		if strings.TrimSpace(update.Content) == "" {
			return fmt.Errorf("%w: append update requires content", ErrInvalidUpdate)
		}
	case models.UpdateSection:
		if update.SectionID == "" || strings.TrimSpace(update.Content) == "" {
			return fmt.Errorf("%w: update_section requires sectionId and content", ErrInvalidUpdate)
		}
	}
	return nil
}

// QueueMemoryUpdate validates and enqueues a domain-event update
func (s *Service) QueueMemoryUpdate(ctx context.Context, update models.MemoryUpdate) (*models.MemoryUpdate, error) {
	if err := s.ValidateUpdate(update); err != nil {
		return nil, err
	}

	update.ID = uuid.New().String()
	update.Status = models.UpdateStatusPending
	update.AttemptCount = 0
	update.ErrorMessage = ""
	update.ProcessedAt = nil
	update.CreatedAt = s.now()

	if err := s.store.EnqueueUpdate(ctx, &update); err != nil {
		return nil, fmt.Errorf("failed to enqueue memory update: %w", err)
	}
	log.Printf("📥 [MEMORY] Queued %s update from %s for %s memory of org %s",
		update.UpdateType, update.SourceType, update.TargetLevel, update.OrgID)
	return &update, nil
}

// ProcessNextUpdate applies the oldest pending update. It reports false when
// the queue is empty. Version conflicts put the update back in the queue until
// MaxUpdateAttempts is reached.
func (s *Service) ProcessNextUpdate(ctx context.Context) (bool, error) {
	update, err := s.store.ClaimNextUpdate(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to claim memory update: %w", err)
	}
	if update == nil {
		return false, nil
	}

	applyErr := s.applyUpdate(ctx, update)
	switch {
	case applyErr == nil:
		err = s.store.FinishUpdate(ctx, update.ID, models.UpdateStatusApplied, "", s.now())
	case errors.Is(applyErr, ErrVersionConflict) && update.AttemptCount < MaxUpdateAttempts:
		log.Printf("🔁 [MEMORY] Update %s hit a version conflict, requeueing (attempt %d)", update.ID, update.AttemptCount)
		err = s.store.FinishUpdate(ctx, update.ID, models.UpdateStatusPending, applyErr.Error(), s.now())
	default:
		log.Printf("❌ [MEMORY] Update %s failed: %v", update.ID, applyErr)
		err = s.store.FinishUpdate(ctx, update.ID, models.UpdateStatusFailed, applyErr.Error(), s.now())
	}
	if err != nil {
		return true, fmt.Errorf("failed to record update outcome: %w", err)
	}
	return true, nil
}

// DrainUpdates processes up to max queued updates
func (s *Service) DrainUpdates(ctx context.Context, max int) (int, error) {
	n := 0
	for n < max {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		ok, err := s.ProcessNextUpdate(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			break
		}
		n++
	}
	return n, nil
}

func (s *Service) applyUpdate(ctx context.Context, update *models.MemoryUpdate) error {
	doc, err := s.EnsureDocument(ctx, update.OrgID, update.TargetLevel, update.TargetEntityID, nil)
	if err != nil {
		return err
	}

	var content string
	switch update.UpdateType {
	case models.UpdateAppend:
		content = strings.TrimRight(doc.Content, "\n") + "\n\n" + appendBlock(update) + "\n"
	case models.UpdateSection:
		content = replaceSection(doc.Content, update.SectionID, updateBody(update))
	case models.UpdateRegenerate:
		if strings.TrimSpace(update.Content) != "" {
			content = update.Content
		} else {
			_, content, err = s.templates.Render(update.TargetLevel, templateVars(update.OrgID, update.TargetLevel, update.TargetEntityID, nil))
			if err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown update type %q", update.UpdateType)
	}

	if err := s.ReplaceContent(ctx, doc, content); err != nil {
		return err
	}
	log.Printf("✅ [MEMORY] Applied %s update to %s memory of org %s (v%d)",
		update.UpdateType, update.TargetLevel, update.OrgID, doc.Version+1)
	return nil
}

// appendBlock renders an appended update as its own subsection so it becomes its own chunk
func appendBlock(update *models.MemoryUpdate) string {
	heading := "### " + strings.ReplaceAll(update.SourceType, "_", " ")
	if update.SourceEntityID != "" {
		heading += " " + update.SourceEntityID
	}
	return heading + "\n\n" + updateBody(update)
}

func updateBody(update *models.MemoryUpdate) string {
	body := strings.TrimSpace(update.Content)
	if len(update.Keywords) > 0 {
		body = "<!-- keywords: " + strings.Join(NormalizeKeywords(update.Keywords), ", ") + " -->\n" + body
	}
	return body
}

// replaceSection swaps the body of a section, keeping its heading line. A
// missing section is appended as a new level-2 section.
func replaceSection(content, sectionID, body string) string {
	start, end, ok := findSection(content, sectionID)
	if !ok {
		title := strings.ReplaceAll(sectionID, "-", " ")
		if title != "" {
			title = strings.ToUpper(title[:1]) + title[1:]
		}
		return strings.TrimRight(content, "\n") + "\n\n## " + title + "\n\n" + body + "\n"
	}

	section := content[start:end]
	var head string
	if sectionID != "intro" {
		if i := strings.IndexByte(section, '\n'); i >= 0 {
			head = section[:i] + "\n\n"
		} else {
			head = section + "\n\n"
		}
	}

	rest := content[end:]
	if rest != "" && !strings.HasPrefix(rest, "\n") {
		rest = "\n" + rest
	}
	return content[:start] + head + body + "\n" + rest
}
