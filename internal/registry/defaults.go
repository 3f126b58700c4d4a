package registry

import "taskpilot/internal/models"

// Default tier ids
const (
	TierClaudeSonnet = "claude-sonnet"
	TierGPT4o        = "gpt-4o"
	TierDeepSeek     = "deepseek-chat"
	TierGPT4oMini    = "gpt-4o-mini"
)

// DefaultConfig is used when no MODEL_TIERS_FILE is configured
func DefaultConfig() *models.RegistryConfig {
	return &models.RegistryConfig{
		Tiers: []models.ModelTier{
			{
				ID:              TierClaudeSonnet,
				DisplayName:     "Claude Sonnet",
				Provider:        "anthropic",
				ProviderModel:   "claude-sonnet-4-20250514",
				CostPer1KInput:  0.003,
				CostPer1KOutput: 0.015,
				MaxOutputTokens: 8192,
				SupportsCode:    true,
			},
			{
				ID:              TierGPT4o,
				DisplayName:     "GPT-4o",
				Provider:        "openai",
				CostPer1KInput:  0.0025,
				CostPer1KOutput: 0.01,
				MaxOutputTokens: 16384,
				SupportsCode:    true,
			},
			{
				ID:              TierDeepSeek,
				DisplayName:     "DeepSeek Chat",
				Provider:        "deepseek",
				CostPer1KInput:  0.00027,
				CostPer1KOutput: 0.0011,
				MaxOutputTokens: 8192,
				SupportsCode:    false,
			},
			{
				ID:              TierGPT4oMini,
				DisplayName:     "GPT-4o mini",
				Provider:        "openai",
				CostPer1KInput:  0.00015,
				CostPer1KOutput: 0.0006,
				MaxOutputTokens: 16384,
				SupportsCode:    false,
			},
		},
		Roles: models.RegistryRoles{
			Code:       TierClaudeSonnet,
			Reasoning:  TierDeepSeek,
			Classifier: TierGPT4oMini,
		},
		Fallbacks: map[string]string{
			TierClaudeSonnet: TierGPT4o,
			TierGPT4o:        TierClaudeSonnet,
			TierDeepSeek:     TierGPT4oMini,
			TierGPT4oMini:    TierDeepSeek,
		},
		Providers: map[string]models.ProviderEndpoint{
			"anthropic": {BaseURL: "https://api.anthropic.com/v1", APIKeyEnv: "ANTHROPIC_API_KEY", RPS: 5},
			"openai":    {BaseURL: "https://api.openai.com/v1", APIKeyEnv: "OPENAI_API_KEY", RPS: 10},
			"deepseek":  {BaseURL: "https://api.deepseek.com/v1", APIKeyEnv: "DEEPSEEK_API_KEY", RPS: 10},
		},
	}
}

// Default returns a registry built from DefaultConfig
func Default() *Registry {
	return MustNew(DefaultConfig())
}
