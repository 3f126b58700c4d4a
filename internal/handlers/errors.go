package handlers

import (
	"errors"
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"taskpilot/internal/memory"
	"taskpilot/internal/registry"
	"taskpilot/internal/router"
)

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	var (
		budgetErr      *router.BudgetExceededError
		unavailableErr *router.ModelUnavailableError
		unknownTierErr *registry.UnknownModelTierError
		validationErrs validator.ValidationErrors
		fiberErr       *fiber.Error
	)
	switch {
	case errors.As(err, &budgetErr):
		return fiber.StatusPaymentRequired
	case errors.As(err, &unavailableErr):
		return fiber.StatusServiceUnavailable
	case errors.As(err, &unknownTierErr),
		errors.As(err, &validationErrs),
		errors.Is(err, router.ErrInvalidRequest),
		errors.Is(err, memory.ErrInvalidUpdate):
		return fiber.StatusBadRequest
	case errors.Is(err, memory.ErrSessionNotFound),
		errors.Is(err, memory.ErrDocumentNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, memory.ErrSessionClosed),
		errors.Is(err, memory.ErrVersionConflict),
		errors.Is(err, memory.ErrDocumentExists):
		return fiber.StatusConflict
	case errors.As(err, &fiberErr):
		return fiberErr.Code
	default:
		return fiber.StatusInternalServerError
	}
}

// errorResponse writes the mapped status with a JSON error body. Internal
// errors are logged and hidden from the client.
func errorResponse(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError && status != fiber.StatusServiceUnavailable {
		log.Printf("❌ [HTTP] %s %s failed: %v", c.Method(), c.Path(), err)
		return c.Status(status).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}

	body := fiber.Map{"error": err.Error()}
	var budgetErr *router.BudgetExceededError
	if errors.As(err, &budgetErr) {
		body["reason"] = budgetErr.Reason
		body["tier"] = budgetErr.TierID
	}
	return c.Status(status).JSON(body)
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": message,
	})
}
