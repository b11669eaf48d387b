package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter is the fast path: a sliding window over a per-key sorted set,
// evaluated by a Lua script so trim, count, add and expiry execute as one
// atomic unit. Concurrent callers can never both observe count < limit and
// both admit.
type RedisLimiter struct {
	client *redis.Client
	logger *slog.Logger
	script *redis.Script
}

// Lua script for atomic sliding window rate limiting.
// 1. Remove entries older than the window
// 2. Count remaining entries
// 3. If under the limit, add a new entry and return 1 (admitted)
// 4. If at/over the limit, return 0 (denied) — nothing speculative is left behind
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('EXPIRE', key, window / 1000 + 1)
    return 1
else
    return 0
end
`)

// Lua script reporting remaining quota after trimming expired entries.
var remainingScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

return redis.call('ZCARD', key)
`)

func NewRedisLimiter(client *redis.Client, logger *slog.Logger) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		logger: logger,
		script: slidingWindowScript,
	}
}

func rlKey(key string) string {
	return fmt.Sprintf("rl:%s", key)
}

// TryAcquire admits the request if fewer than limit admissions happened in
// the sliding window. Errors are returned to the caller; the façade decides
// on fallback, not this adapter.
func (rl *RedisLimiter) TryAcquire(ctx context.Context, key string, limit, windowSeconds int) (bool, error) {
	if limit <= 0 {
		return true, nil // No rate limit configured
	}

	now := time.Now().UnixMilli()
	window := int64(windowSeconds) * 1000
	// Member must be unique per call: colliding members would collapse into
	// one sorted-set entry and undercount the window.
	member := fmt.Sprintf("%d:%s", now, uuid.NewString())

	result, err := rl.script.Run(ctx, rl.client, []string{rlKey(key)},
		now, window, limit, member,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("sliding window script: %w", err)
	}

	if result == 0 {
		rl.logger.Debug("rate limited", "key", key, "limit", limit)
		return false, nil
	}

	return true, nil
}

// Remaining returns how many admissions are left in the current window.
func (rl *RedisLimiter) Remaining(ctx context.Context, key string, limit, windowSeconds int) (int, error) {
	now := time.Now().UnixMilli()
	window := int64(windowSeconds) * 1000

	count, err := remainingScript.Run(ctx, rl.client, []string{rlKey(key)}, now, window).Int64()
	if err != nil {
		return 0, fmt.Errorf("remaining quota script: %w", err)
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset clears the window for a key.
func (rl *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := rl.client.Del(ctx, rlKey(key)).Err(); err != nil {
		return fmt.Errorf("resetting rate limit key: %w", err)
	}
	return nil
}

// Ping checks fast-store health for the breaker's background probe.
func (rl *RedisLimiter) Ping(ctx context.Context) error {
	return rl.client.Ping(ctx).Err()
}
