package middleware

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"taskpilot/pkg/auth"
)

// Development identity used when no JWT secret is configured
const (
	DevOrgID  = "dev-org"
	DevUserID = "dev-user"
)

// AuthMiddleware verifies bearer tokens and stores the caller's identity in
// c.Locals("user_id"), c.Locals("org_id") and c.Locals("user_role").
// Supports both Authorization header and query parameter (for WebSocket connections).
func AuthMiddleware(jwtAuth *auth.LocalJWTAuth, environment string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if jwtAuth == nil {
			// Never allow auth bypass in production
			if environment == "production" {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"error": "Authentication service unavailable",
				})
			}

			orgID := c.Get("X-Org-ID", DevOrgID)
			userID := c.Get("X-User-ID", DevUserID)
			c.Locals("user_id", userID)
			c.Locals("org_id", orgID)
			c.Locals("user_role", "user")
			return c.Next()
		}

		// Try to extract token from multiple sources
		var token string

		// 1. Try Authorization header first
		if authHeader := c.Get("Authorization"); authHeader != "" {
			if extracted, err := auth.ExtractToken(authHeader); err == nil {
				token = extracted
			}
		}

		// 2. Try query parameter (for WebSocket connections)
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing or invalid authorization token",
			})
		}

		user, err := jwtAuth.VerifyAccessToken(token)
		if err != nil {
			log.Printf("❌ [AUTH] Token rejected: %v", err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals("user_id", user.ID)
		c.Locals("org_id", user.OrgID)
		c.Locals("user_role", user.Role)
		return c.Next()
	}
}

// Identity returns the authenticated org and user ids
func Identity(c *fiber.Ctx) (orgID, userID string) {
	orgID, _ = c.Locals("org_id").(string)
	userID, _ = c.Locals("user_id").(string)
	return orgID, userID
}
