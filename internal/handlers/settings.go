package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"taskpilot/internal/budget"
	"taskpilot/internal/middleware"
	"taskpilot/internal/models"
)

// SettingsService reads and writes organization settings
type SettingsService interface {
	Get(ctx context.Context, orgID string) models.OrgSettings
	Update(ctx context.Context, settings *models.OrgSettings) error
}

// SpendReader reports an organization's spend
type SpendReader interface {
	Spent(ctx context.Context, orgID string) (float64, error)
}

// TierSpendReader breaks spend down by tier
type TierSpendReader interface {
	SpendByTier(ctx context.Context, orgID string, from, to time.Time) ([]budget.TierSpend, error)
}

// SettingsHandler serves organization settings and budget usage
type SettingsHandler struct {
	settings SettingsService
	spend    SpendReader
	byTier   TierSpendReader
}

// NewSettingsHandler creates a new settings handler. byTier may be nil when
// no usage database is configured.
func NewSettingsHandler(settings SettingsService, spend SpendReader, byTier TierSpendReader) *SettingsHandler {
	return &SettingsHandler{
		settings: settings,
		spend:    spend,
		byTier:   byTier,
	}
}

// GetSettings returns the caller organization's effective settings
// GET /api/settings
func (h *SettingsHandler) GetSettings(c *fiber.Ctx) error {
	orgID, _ := middleware.Identity(c)
	return c.JSON(h.settings.Get(c.UserContext(), orgID))
}

// updateSettingsRequest carries the mutable settings fields
type updateSettingsRequest struct {
	Name               *string  `json:"name"`
	ClassificationMode *string  `json:"classification_mode"`
	MonthlyBudgetUSD   *float64 `json:"monthly_budget_usd"`
}

// UpdateSettings applies a partial settings update
// PUT /api/settings
func (h *SettingsHandler) UpdateSettings(c *fiber.Ctx) error {
	var req updateSettingsRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	orgID, _ := middleware.Identity(c)
	current := h.settings.Get(c.UserContext(), orgID)
	current.OrgID = orgID
	if req.Name != nil {
		current.Name = *req.Name
	}
	if req.ClassificationMode != nil {
		current.ClassificationMode = models.ClassificationMode(*req.ClassificationMode)
	}
	if req.MonthlyBudgetUSD != nil {
		current.MonthlyBudgetUSD = *req.MonthlyBudgetUSD
	}

	if err := h.settings.Update(c.UserContext(), &current); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(current)
}

// GetUsage returns the current period's spend against the monthly limit
// GET /api/budget/usage
func (h *SettingsHandler) GetUsage(c *fiber.Ctx) error {
	orgID, _ := middleware.Identity(c)
	ctx := c.UserContext()

	spent, err := h.spend.Spent(ctx, orgID)
	if err != nil {
		return errorResponse(c, err)
	}

	now := time.Now().UTC()
	resp := fiber.Map{
		"org_id":    orgID,
		"period":    budget.Period(now),
		"spent_usd": spent,
		"limit_usd": h.settings.Get(ctx, orgID).MonthlyBudgetUSD,
	}

	if h.byTier != nil {
		from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		tiers, err := h.byTier.SpendByTier(ctx, orgID, from, now)
		if err != nil {
			return errorResponse(c, err)
		}
		resp["by_tier"] = tiers
	}
	return c.JSON(resp)
}
