package middleware

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/pkg/auth"
)

func identityApp(mw ...fiber.Handler) *fiber.App {
	app := fiber.New()
	for _, h := range mw {
		app.Use(h)
	}
	app.Get("/whoami", func(c *fiber.Ctx) error {
		orgID, userID := Identity(c)
		return c.SendString(orgID + "/" + userID)
	})
	return app
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	jwtAuth, err := auth.NewLocalJWTAuth("secret", time.Minute)
	require.NoError(t, err)
	token, err := jwtAuth.GenerateAccessToken("user-1", "org-acme", "user")
	require.NoError(t, err)

	app := identityApp(AuthMiddleware(jwtAuth, "production"))

	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "org-acme/user-1", string(body))

	// Query parameter for WebSocket upgrades
	resp, err = app.Test(httptest.NewRequest("GET", "/whoami?token="+token, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	jwtAuth, err := auth.NewLocalJWTAuth("secret", time.Minute)
	require.NoError(t, err)
	app := identityApp(AuthMiddleware(jwtAuth, "production"))

	resp, err := app.Test(httptest.NewRequest("GET", "/whoami", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestAuthMiddleware_DevelopmentBypass(t *testing.T) {
	app := identityApp(AuthMiddleware(nil, "development"))

	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set("X-Org-ID", "org-local")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "org-local/"+DevUserID, string(body))

	prod := identityApp(AuthMiddleware(nil, "production"))
	resp, err = prod.Test(httptest.NewRequest("GET", "/whoami", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestRouteRateLimiter_PerOrganization(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.RouteMax = 2
	app := identityApp(AuthMiddleware(nil, "development"), RouteRateLimiter(cfg))

	call := func(org string) int {
		req := httptest.NewRequest("GET", "/whoami", nil)
		req.Header.Set("X-Org-ID", org)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusOK, call("org-a"))
	assert.Equal(t, fiber.StatusOK, call("org-a"))
	assert.Equal(t, fiber.StatusTooManyRequests, call("org-a"))
	assert.Equal(t, fiber.StatusOK, call("org-b"), "limits are per organization")
}

func TestLoadRateLimitConfig(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("RATE_LIMIT_GLOBAL_API", "500")
	cfg := LoadRateLimitConfig(30)
	assert.Equal(t, 30, cfg.RouteMax)
	assert.Equal(t, 500, cfg.GlobalAPIMax)
}
