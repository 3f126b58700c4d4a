package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"taskpilot/internal/models"
	"taskpilot/internal/registry"
)

// ErrProviderNotConfigured is returned when a tier's provider family has no API key
var ErrProviderNotConfigured = errors.New("provider not configured")

// ProviderConfig carries the credentials and overrides for provider families
type ProviderConfig struct {
	Keys       map[string]string // provider family -> API key
	BaseURLs   map[string]string // provider family -> base URL override
	RPS        float64           // default requests per second per tier, 0 = unlimited
	HTTPClient *http.Client
}

// ProviderService invokes model tiers over OpenAI-compatible chat completion
// endpoints. One client is kept per provider family and one limiter per tier.
type ProviderService struct {
	registry *registry.Registry
	cfg      ProviderConfig

	mu       sync.Mutex
	clients  map[string]*openai.Client
	limiters map[string]*rate.Limiter
}

// NewProviderService creates a new provider service
func NewProviderService(reg *registry.Registry, cfg ProviderConfig) *ProviderService {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &ProviderService{
		registry: reg,
		cfg:      cfg,
		clients:  make(map[string]*openai.Client),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Invoke sends one chat completion to the tier's provider
func (s *ProviderService) Invoke(ctx context.Context, tier models.ModelTier, req models.InvocationRequest) (*models.InvocationResult, error) {
	client, limiter, err := s.clientFor(tier)
	if err != nil {
		return nil, err
	}

	if err := limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait for %s: %w", tier.ID, err)
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	maxTokens := req.MaxTokens
	if tier.MaxOutputTokens > 0 && (maxTokens <= 0 || maxTokens > tier.MaxOutputTokens) {
		maxTokens = tier.MaxOutputTokens
	}

	chatReq := openai.ChatCompletionRequest{
		Model:     tier.WireModel(),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if req.Temperature != nil {
		// zero is dropped by omitempty, send the smallest positive value instead
		temp := float32(*req.Temperature)
		if temp == 0 {
			temp = math.SmallestNonzeroFloat32
		}
		chatReq.Temperature = temp
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	resp, err := client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%s completion failed: %w", tier.ID, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", tier.ID)
	}

	return &models.InvocationResult{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Duration:         time.Since(start),
	}, nil
}

// Probe performs a minimal completion against a tier for health checks
func (s *ProviderService) Probe(ctx context.Context, tierID string) error {
	tier, err := s.registry.Get(tierID)
	if err != nil {
		return err
	}
	_, err = s.Invoke(ctx, tier, models.InvocationRequest{Prompt: "ping", MaxTokens: 1})
	return err
}

// Configured reports whether the tier's provider family has credentials
func (s *ProviderService) Configured(tier models.ModelTier) bool {
	_, _, err := s.endpoint(tier.Provider)
	return err == nil
}

func (s *ProviderService) clientFor(tier models.ModelTier) (*openai.Client, *rate.Limiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[tier.Provider]
	if !ok {
		key, baseURL, err := s.endpoint(tier.Provider)
		if err != nil {
			return nil, nil, err
		}
		config := openai.DefaultConfig(key)
		if baseURL != "" {
			config.BaseURL = strings.TrimRight(baseURL, "/")
		}
		config.HTTPClient = s.cfg.HTTPClient
		client = openai.NewClientWithConfig(config)
		s.clients[tier.Provider] = client
		log.Printf("🔌 [PROVIDER] Created client for %s (%s)", tier.Provider, config.BaseURL)
	}

	limiter, ok := s.limiters[tier.ID]
	if !ok {
		rps := s.cfg.RPS
		if ep, found := s.registry.Provider(tier.Provider); found && ep.RPS > 0 {
			rps = ep.RPS
		}
		limit := rate.Inf
		burst := 1
		if rps > 0 {
			limit = rate.Limit(rps)
			burst = int(math.Max(1, math.Ceil(rps)))
		}
		limiter = rate.NewLimiter(limit, burst)
		s.limiters[tier.ID] = limiter
	}

	return client, limiter, nil
}

// endpoint resolves the API key and base URL of a provider family. Explicit
// configuration wins over the registry's endpoint description.
func (s *ProviderService) endpoint(family string) (string, string, error) {
	ep, _ := s.registry.Provider(family)

	key := s.cfg.Keys[family]
	if key == "" && ep.APIKeyEnv != "" {
		key = os.Getenv(ep.APIKeyEnv)
	}
	if key == "" {
		return "", "", fmt.Errorf("%w: no API key for %q", ErrProviderNotConfigured, family)
	}

	baseURL := s.cfg.BaseURLs[family]
	if baseURL == "" {
		baseURL = ep.BaseURL
	}
	return key, baseURL, nil
}

// StatusCode extracts the upstream HTTP status from a provider error, 0 if unknown
func StatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
