package handlers

import (
	"context"
	"log"

	"github.com/gofiber/fiber/v2"

	"taskpilot/internal/memory"
	"taskpilot/internal/middleware"
	"taskpilot/internal/models"
)

// MemoryService is the hierarchical memory service as seen by HTTP handlers
type MemoryService interface {
	GetInitialContext(ctx context.Context, req memory.InitialContextRequest) (*models.InitialContext, error)
	HandleIterativeRequest(ctx context.Context, sessionID string, req memory.IterativeRequest) (*models.IterativeResult, error)
	CompleteSession(ctx context.Context, sessionID string, success bool, notes string) error
	Session(ctx context.Context, sessionID string) (*models.RetrievalSession, error)
	ValidateUpdate(update models.MemoryUpdate) error
	QueueMemoryUpdate(ctx context.Context, update models.MemoryUpdate) (*models.MemoryUpdate, error)
	ListDocuments(ctx context.Context, orgID string) ([]models.MemoryDocument, error)
}

// UpdatePublisher fans a memory update out to every instance
type UpdatePublisher interface {
	PublishMemoryUpdate(ctx context.Context, update models.MemoryUpdate) (string, error)
}

// MemoryHandler handles hierarchical memory endpoints
type MemoryHandler struct {
	memory    MemoryService
	publisher UpdatePublisher
}

// NewMemoryHandler creates a new memory handler. publisher may be nil, in
// which case updates are queued locally.
func NewMemoryHandler(memoryService MemoryService, publisher UpdatePublisher) *MemoryHandler {
	return &MemoryHandler{
		memory:    memoryService,
		publisher: publisher,
	}
}

// GetContext opens a retrieval session and returns the initial context
// POST /api/memory/context
func (h *MemoryHandler) GetContext(c *fiber.Ctx) error {
	var req memory.InitialContextRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	req.OrgID, req.UserID = middleware.Identity(c)

	ic, err := h.memory.GetInitialContext(c.UserContext(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(ic)
}

// authorizeSession rejects sessions owned by another organization. Foreign
// sessions look missing.
func (h *MemoryHandler) authorizeSession(c *fiber.Ctx, sessionID string) error {
	orgID, _ := middleware.Identity(c)
	session, err := h.memory.Session(c.UserContext(), sessionID)
	if err != nil {
		return err
	}
	if session.OrgID != orgID {
		return memory.ErrSessionNotFound
	}
	return nil
}

// MoreContext serves chunks the model asked for within an open session
// POST /api/memory/sessions/:id/more
func (h *MemoryHandler) MoreContext(c *fiber.Ctx) error {
	sessionID := c.Params("id")
	if err := h.authorizeSession(c, sessionID); err != nil {
		return errorResponse(c, err)
	}

	var req memory.IterativeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	result, err := h.memory.HandleIterativeRequest(c.UserContext(), sessionID, req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(result)
}

// completeRequest is the body of a session completion
type completeRequest struct {
	Success bool   `json:"success"`
	Notes   string `json:"notes"`
}

// CompleteSession closes a session with its outcome. A second completion
// returns 409.
// POST /api/memory/sessions/:id/complete
func (h *MemoryHandler) CompleteSession(c *fiber.Ctx) error {
	sessionID := c.Params("id")
	if err := h.authorizeSession(c, sessionID); err != nil {
		return errorResponse(c, err)
	}

	var req completeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	if err := h.memory.CompleteSession(c.UserContext(), sessionID, req.Success, req.Notes); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{
		"session_id": sessionID,
		"success":    req.Success,
	})
}

// QueueUpdate enqueues a domain-event update for asynchronous application
// POST /api/memory/updates
func (h *MemoryHandler) QueueUpdate(c *fiber.Ctx) error {
	var update models.MemoryUpdate
	if err := c.BodyParser(&update); err != nil {
		return badRequest(c, "Invalid request body")
	}
	update.OrgID, _ = middleware.Identity(c)
	if err := h.memory.ValidateUpdate(update); err != nil {
		return errorResponse(c, err)
	}

	if h.publisher != nil {
		id, err := h.publisher.PublishMemoryUpdate(c.UserContext(), update)
		if err == nil {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
				"id":     id,
				"status": "published",
			})
		}
		log.Printf("⚠️  [MEMORY] Publish failed, queueing locally: %v", err)
	}

	queued, err := h.memory.QueueMemoryUpdate(c.UserContext(), update)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"id":     queued.ID,
		"status": queued.Status,
	})
}

// ListDocuments returns the caller organization's memory documents
// GET /api/memory/documents
func (h *MemoryHandler) ListDocuments(c *fiber.Ctx) error {
	orgID, _ := middleware.Identity(c)
	docs, err := h.memory.ListDocuments(c.UserContext(), orgID)
	if err != nil {
		return errorResponse(c, err)
	}
	if docs == nil {
		docs = []models.MemoryDocument{}
	}
	return c.JSON(fiber.Map{
		"documents": docs,
		"count":     len(docs),
	})
}
