package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"taskpilot/internal/health"
	"taskpilot/internal/jobs"
	"taskpilot/internal/services"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	connManager *services.ConnectionManager
	tierHealth  *health.Service
	scheduler   *jobs.JobScheduler
}

// NewHealthHandler creates a new health handler. tierHealth and scheduler may be nil.
func NewHealthHandler(connManager *services.ConnectionManager, tierHealth *health.Service, scheduler *jobs.JobScheduler) *HealthHandler {
	return &HealthHandler{
		connManager: connManager,
		tierHealth:  tierHealth,
		scheduler:   scheduler,
	}
}

// Handle responds with server health status. Tier health is informational
// and never marks the server itself unhealthy.
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	resp := fiber.Map{
		"status":      "healthy",
		"connections": h.connManager.Stats(),
		"timestamp":   time.Now().Format(time.RFC3339),
	}
	if h.tierHealth != nil {
		resp["tiers"] = h.tierHealth.GetAll()
		resp["tier_summary"] = h.tierHealth.GetStatus()
	}
	if h.scheduler != nil {
		resp["jobs"] = h.scheduler.GetStatus()
	}
	return c.JSON(resp)
}
