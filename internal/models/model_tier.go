package models

// ModelTier is one backing language model with fixed cost and capability metadata.
// Tiers are loaded once at startup and never mutated.
type ModelTier struct {
	ID              string  `json:"id"`
	DisplayName     string  `json:"display_name"`
	Provider        string  `json:"provider"`           // provider family, e.g. "anthropic", "openai", "deepseek"
	ProviderModel   string  `json:"provider_model"`     // name sent on the wire; defaults to ID
	CostPer1KInput  float64 `json:"cost_per_1k_input"`  // USD per 1000 prompt tokens
	CostPer1KOutput float64 `json:"cost_per_1k_output"` // USD per 1000 completion tokens
	MaxOutputTokens int     `json:"max_output_tokens"`
	SupportsCode    bool    `json:"supports_code"`
}

// WireModel returns the model name to send to the provider
func (t ModelTier) WireModel() string {
	if t.ProviderModel != "" {
		return t.ProviderModel
	}
	return t.ID
}

// RegistryRoles names the tiers used for each routing decision
type RegistryRoles struct {
	Code       string `json:"code"`
	Reasoning  string `json:"reasoning"`
	Classifier string `json:"classifier"`
}

// ProviderEndpoint describes how to reach a provider family
type ProviderEndpoint struct {
	BaseURL   string  `json:"base_url"`
	APIKeyEnv string  `json:"api_key_env"`
	RPS       float64 `json:"rps,omitempty"` // requests per second, 0 = unlimited
}

// RegistryConfig is the on-disk shape of the model tiers file
type RegistryConfig struct {
	Tiers     []ModelTier                 `json:"tiers"`
	Roles     RegistryRoles               `json:"roles"`
	Fallbacks map[string]string           `json:"fallbacks"`
	Providers map[string]ProviderEndpoint `json:"providers,omitempty"`
}
