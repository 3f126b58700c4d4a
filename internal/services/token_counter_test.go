package services

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected int
	}{
		{"empty", "", 0},
		{"one char", "a", 1},
		{"exactly four", "abcd", 1},
		{"five chars", "abcde", 2},
		{"forty chars", strings.Repeat("x", 40), 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.text); got != tt.expected {
				t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.expected)
			}
		})
	}
}

func TestEstimatePromptTokensAddsOverhead(t *testing.T) {
	withoutSystem := EstimatePromptTokens("", "abcd")
	if withoutSystem != 5 {
		t.Errorf("expected 5 tokens, got %d", withoutSystem)
	}

	withSystem := EstimatePromptTokens("abcd", "abcd")
	if withSystem != 10 {
		t.Errorf("expected 10 tokens, got %d", withSystem)
	}
}

func TestTruncateToTokens(t *testing.T) {
	if got := TruncateToTokens("hello world", 100); got != "hello world" {
		t.Errorf("short text should be untouched, got %q", got)
	}
	if got := TruncateToTokens("abcdefghij", 2); got != "abcdefgh" {
		t.Errorf("expected 8 chars, got %q", got)
	}
	if got := TruncateToTokens("anything", 0); got != "" {
		t.Errorf("expected empty string for zero budget, got %q", got)
	}

	// multi-byte runes must not be split
	got := TruncateToTokens(strings.Repeat("é", 10), 1)
	if !utf8.ValidString(got) {
		t.Errorf("truncation produced invalid UTF-8: %q", got)
	}
}
