package budget

import (
	"context"
	"sync"
	"time"
)

// Counter holds per-key spend in micro-USD. Reserve must be a single atomic
// compare-and-increment.
type Counter interface {
	// Reserve adds amount to key unless the result would exceed limit.
	// A negative limit means unlimited. It returns the spend after the call.
	Reserve(ctx context.Context, key string, amount, limit int64, ttl time.Duration) (bool, int64, error)
	// Adjust adds delta (possibly negative) to key, never going below zero
	Adjust(ctx context.Context, key string, delta int64) (int64, error)
	// Spent returns the current spend for key
	Spent(ctx context.Context, key string) (int64, error)
}

// MemoryCounter is an in-process Counter for dev mode and tests
type MemoryCounter struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewMemoryCounter creates an empty in-process counter
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{values: make(map[string]int64)}
}

func (c *MemoryCounter) Reserve(_ context.Context, key string, amount, limit int64, _ time.Duration) (bool, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	spent := c.values[key]
	if limit >= 0 && spent+amount > limit {
		return false, spent, nil
	}
	c.values[key] = spent + amount
	return true, spent + amount, nil
}

func (c *MemoryCounter) Adjust(_ context.Context, key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.values[key] + delta
	if v < 0 {
		v = 0
	}
	c.values[key] = v
	return v, nil
}

func (c *MemoryCounter) Spent(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key], nil
}
