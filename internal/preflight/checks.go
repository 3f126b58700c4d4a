package preflight

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"taskpilot/internal/config"
	"taskpilot/internal/database"
	"taskpilot/internal/models"
	"taskpilot/internal/registry"
)

// CheckResult represents the result of a preflight check
type CheckResult struct {
	Name    string
	Status  string // "pass", "fail", "warning"
	Message string
	Error   error
}

// PingFunc checks one external dependency
type PingFunc func(ctx context.Context) error

// ProviderChecker reports whether a tier's provider has credentials
type ProviderChecker interface {
	Configured(tier models.ModelTier) bool
}

// Checker performs pre-flight checks before server starts
type Checker struct {
	cfg       *config.Config
	registry  *registry.Registry
	providers ProviderChecker
	db        *database.DB
	pings     map[string]PingFunc
	timeout   time.Duration
}

// NewChecker creates a new preflight checker. db and providers may be nil.
func NewChecker(cfg *config.Config, reg *registry.Registry, providers ProviderChecker, db *database.DB) *Checker {
	return &Checker{
		cfg:       cfg,
		registry:  reg,
		providers: providers,
		db:        db,
		pings:     make(map[string]PingFunc),
		timeout:   5 * time.Second,
	}
}

// AddPing registers a dependency connectivity check
func (c *Checker) AddPing(name string, ping PingFunc) {
	c.pings[name] = ping
}

// RunAll runs all preflight checks and returns results
func (c *Checker) RunAll(ctx context.Context) []CheckResult {
	log.Println("🔍 Running pre-flight checks...")

	results := []CheckResult{
		c.checkRegistry(),
		c.checkProviderCredentials(),
		c.checkSecurityConfig(),
	}
	results = append(results, c.checkDependencies(ctx)...)
	if c.db != nil {
		results = append(results, c.checkUsageSchema(ctx))
	}

	// Print summary
	passed := 0
	failed := 0
	warnings := 0

	for _, result := range results {
		switch result.Status {
		case "pass":
			log.Printf("   ✅ %s: %s", result.Name, result.Message)
			passed++
		case "fail":
			log.Printf("   ❌ %s: %s", result.Name, result.Message)
			if result.Error != nil {
				log.Printf("      Error: %v", result.Error)
			}
			failed++
		case "warning":
			log.Printf("   ⚠️  %s: %s", result.Name, result.Message)
			warnings++
		}
	}

	log.Printf("📊 Pre-flight summary: %d passed, %d failed, %d warnings", passed, failed, warnings)

	return results
}

// HasFailures returns true if any check failed
func HasFailures(results []CheckResult) bool {
	for _, result := range results {
		if result.Status == "fail" {
			return true
		}
	}
	return false
}

// checkRegistry verifies every role and fallback names a registered tier
func (c *Checker) checkRegistry() CheckResult {
	if err := c.registry.Validate(); err != nil {
		return CheckResult{
			Name:    "Model Registry",
			Status:  "fail",
			Message: "Registry references unknown tiers",
			Error:   err,
		}
	}

	return CheckResult{
		Name:    "Model Registry",
		Status:  "pass",
		Message: fmt.Sprintf("%d tiers registered", len(c.registry.List())),
	}
}

// checkProviderCredentials fails in production when the code or reasoning
// tier cannot be called. Other missing credentials only warn.
func (c *Checker) checkProviderCredentials() CheckResult {
	if c.providers == nil {
		return CheckResult{
			Name:    "Provider Credentials",
			Status:  "warning",
			Message: "No model provider configured",
		}
	}

	var missing []string
	for _, tier := range c.registry.List() {
		if !c.providers.Configured(tier) {
			missing = append(missing, tier.ID)
		}
	}
	if len(missing) == 0 {
		return CheckResult{
			Name:    "Provider Credentials",
			Status:  "pass",
			Message: "All tiers have provider credentials",
		}
	}
	sort.Strings(missing)

	status := "warning"
	if c.cfg.IsProduction() && (contains(missing, c.registry.CodeTier()) || contains(missing, c.registry.ReasoningTier())) {
		status = "fail"
	}
	return CheckResult{
		Name:    "Provider Credentials",
		Status:  status,
		Message: fmt.Sprintf("No credentials for tiers: %s", strings.Join(missing, ", ")),
	}
}

// checkSecurityConfig verifies authentication and encryption settings
func (c *Checker) checkSecurityConfig() CheckResult {
	if c.cfg.JWTSecret == "" {
		if c.cfg.IsProduction() {
			return CheckResult{
				Name:    "Security Config",
				Status:  "fail",
				Message: "JWT_SECRET is required in production",
			}
		}
		return CheckResult{
			Name:    "Security Config",
			Status:  "warning",
			Message: "JWT_SECRET not set (development identity headers accepted)",
		}
	}

	if c.cfg.MongoURI != "" && c.cfg.EncryptionMasterKey == "" {
		return CheckResult{
			Name:    "Security Config",
			Status:  "warning",
			Message: "ENCRYPTION_MASTER_KEY not set (memory content stored in plaintext)",
		}
	}

	return CheckResult{
		Name:    "Security Config",
		Status:  "pass",
		Message: "Authentication configured",
	}
}

// checkDependencies pings every registered dependency
func (c *Checker) checkDependencies(ctx context.Context) []CheckResult {
	names := make([]string, 0, len(c.pings))
	for name := range c.pings {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]CheckResult, 0, len(names))
	for _, name := range names {
		pingCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := c.pings[name](pingCtx)
		cancel()

		if err != nil {
			results = append(results, CheckResult{
				Name:    name,
				Status:  "fail",
				Message: "Cannot connect",
				Error:   err,
			})
			continue
		}
		results = append(results, CheckResult{
			Name:    name,
			Status:  "pass",
			Message: "Connection successful",
		})
	}
	return results
}

// checkUsageSchema verifies the usage audit table exists
func (c *Checker) checkUsageSchema(ctx context.Context) CheckResult {
	requiredTables := []string{"ai_usage_records"}

	for _, table := range requiredTables {
		var count int
		query := "SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?"
		err := c.db.QueryRowContext(ctx, query, table).Scan(&count)
		if err != nil || count == 0 {
			return CheckResult{
				Name:    "Database Schema",
				Status:  "fail",
				Message: fmt.Sprintf("Required table '%s' not found", table),
				Error:   err,
			}
		}
	}

	return CheckResult{
		Name:    "Database Schema",
		Status:  "pass",
		Message: fmt.Sprintf("All %d required tables exist", len(requiredTables)),
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
