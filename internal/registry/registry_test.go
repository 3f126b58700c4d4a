package registry

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"taskpilot/internal/models"
)

func TestDefaultRegistryIsValid(t *testing.T) {
	r := Default()

	code, err := r.Get(r.CodeTier())
	if err != nil {
		t.Fatalf("code tier missing: %v", err)
	}
	if !code.SupportsCode {
		t.Errorf("expected code tier %s to support code", code.ID)
	}

	reasoning, err := r.Get(r.ReasoningTier())
	if err != nil {
		t.Fatalf("reasoning tier missing: %v", err)
	}
	if reasoning.CostPer1KInput >= code.CostPer1KInput {
		t.Errorf("expected reasoning tier to be cheaper than code tier")
	}

	if len(r.List()) != 4 {
		t.Errorf("expected 4 default tiers, got %d", len(r.List()))
	}
}

func TestGetUnknownTier(t *testing.T) {
	r := Default()

	_, err := r.Get("no-such-model")
	var unknown *UnknownModelTierError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownModelTierError, got %v", err)
	}
	if unknown.TierID != "no-such-model" {
		t.Errorf("expected tier id in error, got %q", unknown.TierID)
	}
}

func TestFallbackFor(t *testing.T) {
	r := Default()

	tests := []struct {
		name     string
		tier     string
		expected string
	}{
		{"explicit code fallback", TierClaudeSonnet, TierGPT4o},
		{"explicit reasoning fallback", TierDeepSeek, TierGPT4oMini},
		{"unknown tier", "missing", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.FallbackFor(tt.tier); got != tt.expected {
				t.Errorf("FallbackFor(%s) = %q, want %q", tt.tier, got, tt.expected)
			}
		})
	}
}

func TestFallbackForImplicitPicksCheapestPeer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fallbacks = nil
	r := MustNew(cfg)

	if got := r.FallbackFor(TierClaudeSonnet); got != TierGPT4o {
		t.Errorf("expected implicit code fallback %s, got %s", TierGPT4o, got)
	}
	if got := r.FallbackFor(TierDeepSeek); got != TierGPT4oMini {
		t.Errorf("expected implicit reasoning fallback %s, got %s", TierGPT4oMini, got)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *models.RegistryConfig)
	}{
		{"no tiers", func(cfg *models.RegistryConfig) { cfg.Tiers = nil }},
		{"role names unknown tier", func(cfg *models.RegistryConfig) { cfg.Roles.Code = "ghost" }},
		{"fallback names unknown tier", func(cfg *models.RegistryConfig) { cfg.Fallbacks["gpt-4o"] = "ghost" }},
		{"negative cost", func(cfg *models.RegistryConfig) { cfg.Tiers[0].CostPer1KInput = -1 }},
		{"duplicate tier", func(cfg *models.RegistryConfig) { cfg.Tiers = append(cfg.Tiers, cfg.Tiers[0]) }},
		{"code role without code support", func(cfg *models.RegistryConfig) { cfg.Roles.Code = TierDeepSeek }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if _, err := New(cfg); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestLoadFile_JSON(t *testing.T) {
	data, err := json.Marshal(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "tiers.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	reg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load %s: %v", path, err)
	}
	if reg.CodeTier() != Default().CodeTier() {
		t.Errorf("code tier = %s, want %s", reg.CodeTier(), Default().CodeTier())
	}
	if len(reg.List()) != len(Default().List()) {
		t.Errorf("loaded %d tiers, want %d", len(reg.List()), len(Default().List()))
	}
}

func TestLoadFile_RejectsNonJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	if err := os.WriteFile(path, []byte("tiers:\n  - id: gpt-4o\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFile(path)
	if err == nil || !strings.Contains(err.Error(), "failed to parse model tiers file") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLoadFile_EmptyPathUsesDefaults(t *testing.T) {
	reg, err := LoadFile("")
	if err != nil {
		t.Fatal(err)
	}
	if reg.CodeTier() != Default().CodeTier() {
		t.Errorf("code tier = %s", reg.CodeTier())
	}
}
