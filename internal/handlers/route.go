package handlers

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"taskpilot/internal/middleware"
	"taskpilot/internal/models"
	"taskpilot/internal/registry"
)

// RouteService is the request router as seen by HTTP handlers
type RouteService interface {
	Route(ctx context.Context, req models.RouteRequest) (*models.RouteResponse, error)
	PreviewClassification(ctx context.Context, req models.RouteRequest) (*models.ClassificationPreview, error)
}

// RouteHandler serves the AI routing endpoints
type RouteHandler struct {
	router   RouteService
	registry *registry.Registry
	validate *validator.Validate
}

// NewRouteHandler creates a new route handler
func NewRouteHandler(router RouteService, reg *registry.Registry) *RouteHandler {
	return &RouteHandler{
		router:   router,
		registry: reg,
		validate: validator.New(),
	}
}

// parse binds the body and fills identity from the authenticated caller
func (h *RouteHandler) parse(c *fiber.Ctx) (models.RouteRequest, error) {
	var req models.RouteRequest
	if err := c.BodyParser(&req); err != nil {
		return req, fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	req.OrgID, req.UserID = middleware.Identity(c)
	req.RequestID = c.Get("X-Request-ID")
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if err := h.validate.Struct(req); err != nil {
		return req, err
	}
	return req, nil
}

// Route runs a request through classification, budget, memory and the model
// POST /api/ai/route
func (h *RouteHandler) Route(c *fiber.Ctx) error {
	req, err := h.parse(c)
	if err != nil {
		return errorResponse(c, err)
	}

	resp, err := h.router.Route(c.UserContext(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	c.Set("X-Request-ID", req.RequestID)
	return c.JSON(resp)
}

// Preview classifies and estimates cost without calling the answering model,
// reserving budget or opening a memory session
// POST /api/ai/preview
func (h *RouteHandler) Preview(c *fiber.Ctx) error {
	req, err := h.parse(c)
	if err != nil {
		return errorResponse(c, err)
	}

	preview, err := h.router.PreviewClassification(c.UserContext(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(preview)
}

// ListTiers returns the model registry
// GET /api/ai/tiers
func (h *RouteHandler) ListTiers(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"tiers": h.registry.List(),
		"roles": fiber.Map{
			"code":       h.registry.CodeTier(),
			"reasoning":  h.registry.ReasoningTier(),
			"classifier": h.registry.ClassifierTier(),
		},
	})
}
