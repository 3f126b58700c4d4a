package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/models"
	"taskpilot/internal/registry"
)

func newCompletionServer(t *testing.T, handle func(w http.ResponseWriter, req openai.ChatCompletionRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		handle(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeCompletion(w http.ResponseWriter, content string, prompt, completion int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test",
		"choices": []map[string]interface{}{
			{"index": 0, "message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]int{
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
			"total_tokens":      prompt + completion,
		},
	})
}

func newTestProviderService(baseURL string) *ProviderService {
	return NewProviderService(registry.Default(), ProviderConfig{
		Keys:     map[string]string{"openai": "test-key", "anthropic": "test-key"},
		BaseURLs: map[string]string{"openai": baseURL, "anthropic": baseURL},
	})
}

func TestProviderService_Invoke(t *testing.T) {
	var seen openai.ChatCompletionRequest
	srv := newCompletionServer(t, func(w http.ResponseWriter, req openai.ChatCompletionRequest) {
		seen = req
		writeCompletion(w, "hello there", 42, 7)
	})

	svc := newTestProviderService(srv.URL)
	tier := registry.Default().MustGet(registry.TierClaudeSonnet)
	temp := 0.0

	result, err := svc.Invoke(context.Background(), tier, models.InvocationRequest{
		System:      "be brief",
		Prompt:      "say hello",
		MaxTokens:   100000,
		Temperature: &temp,
		JSONMode:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, "hello there", result.Content)
	assert.Equal(t, 42, result.PromptTokens)
	assert.Equal(t, 7, result.CompletionTokens)

	assert.Equal(t, "claude-sonnet-4-20250514", seen.Model, "wire model name is sent")
	assert.Equal(t, tier.MaxOutputTokens, seen.MaxTokens, "max tokens capped at tier limit")
	require.Len(t, seen.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, seen.Messages[0].Role)
	assert.Equal(t, "say hello", seen.Messages[1].Content)
	require.NotNil(t, seen.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, seen.ResponseFormat.Type)
	assert.Greater(t, seen.Temperature, float32(0))
	assert.Less(t, seen.Temperature, float32(0.0001))
}

func TestProviderService_NoSystemPrompt(t *testing.T) {
	var count atomic.Int32
	srv := newCompletionServer(t, func(w http.ResponseWriter, req openai.ChatCompletionRequest) {
		count.Add(1)
		assert.Len(t, req.Messages, 1)
		assert.Nil(t, req.ResponseFormat)
		writeCompletion(w, "ok", 1, 1)
	})

	svc := newTestProviderService(srv.URL)
	tier := registry.Default().MustGet(registry.TierGPT4oMini)

	for i := 0; i < 3; i++ {
		_, err := svc.Invoke(context.Background(), tier, models.InvocationRequest{Prompt: "hi"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), count.Load())
	assert.Len(t, svc.clients, 1, "one client per provider family")
}

func TestProviderService_MissingKey(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY", "")
	svc := NewProviderService(registry.Default(), ProviderConfig{})
	tier := registry.Default().MustGet(registry.TierDeepSeek)

	assert.False(t, svc.Configured(tier))
	_, err := svc.Invoke(context.Background(), tier, models.InvocationRequest{Prompt: "hi"})
	require.ErrorIs(t, err, ErrProviderNotConfigured)
}

func TestProviderService_KeyFromEnvironment(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY", "from-env")
	svc := NewProviderService(registry.Default(), ProviderConfig{})
	assert.True(t, svc.Configured(registry.Default().MustGet(registry.TierDeepSeek)))
}

func TestProviderService_UpstreamErrorStatus(t *testing.T) {
	srv := newCompletionServer(t, func(w http.ResponseWriter, _ openai.ChatCompletionRequest) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"rate_limit_exceeded"}}`))
	})

	svc := newTestProviderService(srv.URL)
	_, err := svc.Invoke(context.Background(), registry.Default().MustGet(registry.TierGPT4o), models.InvocationRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))
}

func TestProviderService_Probe(t *testing.T) {
	srv := newCompletionServer(t, func(w http.ResponseWriter, req openai.ChatCompletionRequest) {
		assert.Equal(t, 1, req.MaxTokens)
		writeCompletion(w, "pong", 1, 1)
	})

	svc := newTestProviderService(srv.URL)
	require.NoError(t, svc.Probe(context.Background(), registry.TierGPT4o))
	assert.Error(t, svc.Probe(context.Background(), "no-such-tier"))
}

func TestStatusCode_Unknown(t *testing.T) {
	assert.Equal(t, 0, StatusCode(context.Canceled))
}
