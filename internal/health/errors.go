package health

import (
	"net/http"
	"strings"
	"time"
)

// FailureKind groups provider failures by how long a tier should rest
type FailureKind int

const (
	// FailureTransient counts toward the unhealthy threshold
	FailureTransient FailureKind = iota
	// FailureRateLimited is a per-minute limit; the tier cools down briefly
	FailureRateLimited
	// FailureQuotaExhausted is a billing or daily cap; the tier cools down for a day
	FailureQuotaExhausted
)

func (k FailureKind) String() string {
	switch k {
	case FailureRateLimited:
		return "rate_limited"
	case FailureQuotaExhausted:
		return "quota_exhausted"
	default:
		return "transient"
	}
}

var (
	exhaustedMarkers = []string{"insufficient_quota", "quota exceeded", "quota_exceeded", "daily limit", "billing", "credit balance"}
	rateLimitMarkers = []string{"rate limit", "rate_limit_exceeded", "too many requests", "tokens per minute", "requests per minute", "overloaded"}
)

// ClassifyFailure inspects the provider status code and error text
func ClassifyFailure(statusCode int, message string) FailureKind {
	lower := strings.ToLower(message)
	for _, m := range exhaustedMarkers {
		if strings.Contains(lower, m) {
			return FailureQuotaExhausted
		}
	}
	if statusCode == http.StatusTooManyRequests {
		return FailureRateLimited
	}
	for _, m := range rateLimitMarkers {
		if strings.Contains(lower, m) {
			return FailureRateLimited
		}
	}
	return FailureTransient
}

// CooldownFor returns how long a tier rests after a failure of kind k.
// Transient failures do not cool down.
func CooldownFor(k FailureKind) time.Duration {
	switch k {
	case FailureQuotaExhausted:
		return 24 * time.Hour
	case FailureRateLimited:
		return 5 * time.Minute
	default:
		return 0
	}
}
