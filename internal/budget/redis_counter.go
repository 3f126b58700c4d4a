package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript atomically checks and increments the spend counter.
// KEYS[1] = counter, ARGV = amount, limit (negative = unlimited), ttl seconds.
var reserveScript = redis.NewScript(`
	local amount = tonumber(ARGV[1])
	local limit = tonumber(ARGV[2])
	local spent = tonumber(redis.call("get", KEYS[1]) or "0")
	if limit >= 0 and spent + amount > limit then
		return {0, spent}
	end
	local total = redis.call("incrby", KEYS[1], amount)
	redis.call("expire", KEYS[1], tonumber(ARGV[3]))
	return {1, total}
`)

// adjustScript applies a settlement delta without going below zero
var adjustScript = redis.NewScript(`
	local total = redis.call("incrby", KEYS[1], tonumber(ARGV[1]))
	if total < 0 then
		redis.call("set", KEYS[1], 0, "keepttl")
		total = 0
	end
	return total
`)

// RedisCounter keeps spend counters in Redis so every instance shares them
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter creates a Redis-backed counter
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Reserve(ctx context.Context, key string, amount, limit int64, ttl time.Duration) (bool, int64, error) {
	secs := int64(ttl / time.Second)
	if secs <= 0 {
		secs = 1
	}
	res, err := reserveScript.Run(ctx, c.client, []string{key}, amount, limit, secs).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("budget reserve script failed: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("budget reserve script returned %d values", len(res))
	}
	return res[0] == 1, res[1], nil
}

func (c *RedisCounter) Adjust(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := adjustScript.Run(ctx, c.client, []string{key}, delta).Int64()
	if err != nil {
		return 0, fmt.Errorf("budget adjust script failed: %w", err)
	}
	return v, nil
}

func (c *RedisCounter) Spent(ctx context.Context, key string) (int64, error) {
	v, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}
