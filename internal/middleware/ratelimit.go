package middleware

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimitConfig holds per-window request caps
type RateLimitConfig struct {
	GlobalAPIMax        int // per IP, all /api routes
	GlobalAPIExpiration time.Duration

	RouteMax        int // per organization, model routing only
	RouteExpiration time.Duration

	WebSocketMax        int // per IP, connection attempts
	WebSocketExpiration time.Duration
}

// DefaultRateLimitConfig returns production defaults. Routing is the
// tightest limit since every call is billed.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		GlobalAPIMax:        200,
		GlobalAPIExpiration: time.Minute,
		RouteMax:            60,
		RouteExpiration:     time.Minute,
		WebSocketMax:        20,
		WebSocketExpiration: time.Minute,
	}
}

// LoadRateLimitConfig applies routePerMinute (when positive) and the
// RATE_LIMIT_GLOBAL_API / RATE_LIMIT_WEBSOCKET overrides.
func LoadRateLimitConfig(routePerMinute int) *RateLimitConfig {
	config := DefaultRateLimitConfig()
	if routePerMinute > 0 {
		config.RouteMax = routePerMinute
	}
	config.GlobalAPIMax = positiveEnv("RATE_LIMIT_GLOBAL_API", config.GlobalAPIMax)
	config.WebSocketMax = positiveEnv("RATE_LIMIT_WEBSOCKET", config.WebSocketMax)

	if os.Getenv("ENVIRONMENT") == "development" {
		config.GlobalAPIMax = 1000
		config.WebSocketMax = 100
		log.Println("⚠️  [RATE-LIMIT] Development mode: using relaxed rate limits")
	}
	return config
}

func positiveEnv(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return fallback
}

// window builds a fiber limiter that answers 429 with a retry hint
func window(name string, max int, expiration time.Duration, key func(*fiber.Ctx) string, message string) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:          max,
		Expiration:   expiration,
		KeyGenerator: func(c *fiber.Ctx) string { return name + ":" + key(c) },
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("🚫 [RATE-LIMIT] %s limit reached for %s", name, key(c))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       message,
				"retry_after": int(expiration.Seconds()),
			})
		},
	})
}

func clientIP(c *fiber.Ctx) string { return c.IP() }

// GlobalAPIRateLimiter limits all API requests per client IP
func GlobalAPIRateLimiter(config *RateLimitConfig) fiber.Handler {
	return window("global", config.GlobalAPIMax, config.GlobalAPIExpiration, clientIP,
		"Too many requests. Please slow down.")
}

// RouteRateLimiter limits model routing per organization. Must run after
// AuthMiddleware so the org id is known; falls back to the client IP.
func RouteRateLimiter(config *RateLimitConfig) fiber.Handler {
	return window("route", config.RouteMax, config.RouteExpiration, func(c *fiber.Ctx) string {
		if orgID, ok := c.Locals("org_id").(string); ok && orgID != "" {
			return "org:" + orgID
		}
		return "ip:" + c.IP()
	}, "Too many model requests for this organization. Please wait before trying again.")
}

// WebSocketRateLimiter limits memory socket connection attempts per client IP
func WebSocketRateLimiter(config *RateLimitConfig) fiber.Handler {
	return window("ws", config.WebSocketMax, config.WebSocketExpiration, clientIP,
		"Too many connection attempts. Please wait before reconnecting.")
}
