package registry

import (
	"fmt"
	"sort"

	"taskpilot/internal/models"
)

// UnknownModelTierError is returned when a tier id is absent from the registry.
// It is a configuration error and is never retried.
type UnknownModelTierError struct {
	TierID string
}

func (e *UnknownModelTierError) Error() string {
	return fmt.Sprintf("unknown model tier %q", e.TierID)
}

// Registry is the static table of available model tiers
type Registry struct {
	tiers     map[string]models.ModelTier
	order     []string
	roles     models.RegistryRoles
	fallbacks map[string]string
	providers map[string]models.ProviderEndpoint
}

// New builds a registry from config and validates it
func New(cfg *models.RegistryConfig) (*Registry, error) {
	if cfg == nil || len(cfg.Tiers) == 0 {
		return nil, fmt.Errorf("registry config has no tiers")
	}

	r := &Registry{
		tiers:     make(map[string]models.ModelTier, len(cfg.Tiers)),
		roles:     cfg.Roles,
		fallbacks: make(map[string]string, len(cfg.Fallbacks)),
		providers: make(map[string]models.ProviderEndpoint, len(cfg.Providers)),
	}

	for _, t := range cfg.Tiers {
		if t.ID == "" {
			return nil, fmt.Errorf("model tier with empty id")
		}
		if _, dup := r.tiers[t.ID]; dup {
			return nil, fmt.Errorf("duplicate model tier %q", t.ID)
		}
		if t.CostPer1KInput < 0 || t.CostPer1KOutput < 0 {
			return nil, fmt.Errorf("model tier %q has negative cost", t.ID)
		}
		if t.MaxOutputTokens <= 0 {
			return nil, fmt.Errorf("model tier %q must have positive max_output_tokens", t.ID)
		}
		r.tiers[t.ID] = t
		r.order = append(r.order, t.ID)
	}
	for k, v := range cfg.Fallbacks {
		r.fallbacks[k] = v
	}
	for k, v := range cfg.Providers {
		r.providers[k] = v
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// MustNew is New that panics on error. Used for built-in defaults.
func MustNew(cfg *models.RegistryConfig) *Registry {
	r, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return r
}

// Validate checks that every role and fallback names a registered tier
func (r *Registry) Validate() error {
	roles := map[string]string{
		"code":       r.roles.Code,
		"reasoning":  r.roles.Reasoning,
		"classifier": r.roles.Classifier,
	}
	for name, id := range roles {
		if id == "" {
			return fmt.Errorf("registry role %q is not set", name)
		}
		if _, ok := r.tiers[id]; !ok {
			return fmt.Errorf("registry role %q: %w", name, &UnknownModelTierError{TierID: id})
		}
	}
	if !r.tiers[r.roles.Code].SupportsCode {
		return fmt.Errorf("code role tier %q does not support code", r.roles.Code)
	}
	for from, to := range r.fallbacks {
		if _, ok := r.tiers[from]; !ok {
			return fmt.Errorf("fallback source: %w", &UnknownModelTierError{TierID: from})
		}
		if _, ok := r.tiers[to]; !ok {
			return fmt.Errorf("fallback target for %q: %w", from, &UnknownModelTierError{TierID: to})
		}
	}
	return nil
}

// Get returns the tier with the given id
func (r *Registry) Get(id string) (models.ModelTier, error) {
	t, ok := r.tiers[id]
	if !ok {
		return models.ModelTier{}, &UnknownModelTierError{TierID: id}
	}
	return t, nil
}

// MustGet is Get for ids already validated at load time
func (r *Registry) MustGet(id string) models.ModelTier {
	t, err := r.Get(id)
	if err != nil {
		panic(err)
	}
	return t
}

// Has reports whether the id is registered
func (r *Registry) Has(id string) bool {
	_, ok := r.tiers[id]
	return ok
}

// List returns all tiers in load order
func (r *Registry) List() []models.ModelTier {
	out := make([]models.ModelTier, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tiers[id])
	}
	return out
}

// CodeTier is the tier recommended for code-leaning requests
func (r *Registry) CodeTier() string { return r.roles.Code }

// ReasoningTier is the low-cost tier recommended for prose-leaning requests
func (r *Registry) ReasoningTier() string { return r.roles.Reasoning }

// ClassifierTier is the cheap model used for model-assisted classification
func (r *Registry) ClassifierTier() string { return r.roles.Classifier }

// FallbackFor returns the fallback tier for id. Tiers without an explicit
// fallback fall back to the cheapest other tier with the same code capability,
// or to themselves when nothing else qualifies.
func (r *Registry) FallbackFor(id string) string {
	if fb, ok := r.fallbacks[id]; ok {
		return fb
	}
	t, ok := r.tiers[id]
	if !ok {
		return ""
	}

	candidates := make([]models.ModelTier, 0, len(r.tiers))
	for _, other := range r.tiers {
		if other.ID == id || other.SupportsCode != t.SupportsCode {
			continue
		}
		candidates = append(candidates, other)
	}
	if len(candidates) == 0 {
		return id
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci := candidates[i].CostPer1KInput + candidates[i].CostPer1KOutput
		cj := candidates[j].CostPer1KInput + candidates[j].CostPer1KOutput
		if ci != cj {
			return ci < cj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0].ID
}

// Provider returns the endpoint for a provider family
func (r *Registry) Provider(family string) (models.ProviderEndpoint, bool) {
	p, ok := r.providers[family]
	return p, ok
}
