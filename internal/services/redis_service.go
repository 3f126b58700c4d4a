package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every key this service writes so one Redis can be
// shared with other deployments.
const keyPrefix = "taskpilot:"

// releaseScript deletes a lock only while it still holds the caller's token
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisService owns the shared Redis client. The budget counter, memory
// update channel and job locks all go through it.
type RedisService struct {
	client *redis.Client
}

// NewRedisService parses redisURL, tunes the pool for request-path use and
// verifies the connection.
func NewRedisService(ctx context.Context, redisURL string) (*RedisService, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Budget reservations sit on the request path
	opts.PoolSize = 20
	opts.MinIdleConns = 2
	opts.MaxRetries = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	svc := &RedisService{client: redis.NewClient(opts)}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := svc.Ping(pingCtx); err != nil {
		_ = svc.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("✅ [REDIS] Connected to %s (db %d)", opts.Addr, opts.DB)
	return svc, nil
}

// Client exposes the raw client for components that script their own commands
func (r *RedisService) Client() *redis.Client {
	return r.client
}

// Ping reports whether Redis answers
func (r *RedisService) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool
func (r *RedisService) Close() error {
	return r.client.Close()
}

// AcquireLock takes a named lock for ttl when nobody holds it
func (r *RedisService) AcquireLock(ctx context.Context, name string, token string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, keyPrefix+name, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// ReleaseLock drops a lock only if token still owns it. It returns false when
// the lock expired or passed to another holder.
func (r *RedisService) ReleaseLock(ctx context.Context, name string, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{keyPrefix + name}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", name, err)
	}
	return n == 1, nil
}

// ClaimEvent records that owner handles eventID. Only the first claim within
// ttl succeeds, so an event fanned out to every instance is processed once.
func (r *RedisService) ClaimEvent(ctx context.Context, eventID string, owner string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, keyPrefix+"event:"+eventID, owner, ttl).Result()
}

// Publish sends payload on channel
func (r *RedisService) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}
