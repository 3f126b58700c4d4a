package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"taskpilot/internal/models"
)

// LoadFile reads a registry config from a JSON file. An empty path returns the
// built-in defaults.
func LoadFile(path string) (*Registry, error) {
	if path == "" {
		log.Printf("📋 [REGISTRY] No MODEL_TIERS_FILE set, using built-in tiers")
		return New(DefaultConfig())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model tiers file: %w", err)
	}

	var cfg models.RegistryConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse model tiers file: %w", err)
	}

	reg, err := New(&cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid model tiers file %s: %w", path, err)
	}

	log.Printf("✅ [REGISTRY] Loaded %d model tiers from %s", len(cfg.Tiers), path)
	return reg, nil
}
