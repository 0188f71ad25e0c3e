package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RateLimitResult is the verdict of one budget check
type RateLimitResult struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
	RetryIn   time.Duration
}

// RateLimiter is a sliding-window budget shared by every process, with an explicit block that an
// upstream Retry-After can impose on a key.
type RateLimiter struct {
	client    *Client
	keyPrefix string
}

// KEYS: window, block. ARGV: now_ms, window_ms, limit.
// Returns {allowed, remaining, retry_ms}. The block is checked in the same script so a key blocked
// between the check and the admission can never slip through.
var budgetScript = goredis.NewScript(`
local blocked_ms = redis.call("pttl", KEYS[2])
if blocked_ms > 0 then
	return {0, 0, blocked_ms}
end

local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("zremrangebyscore", KEYS[1], "-inf", now - window)
local used = redis.call("zcard", KEYS[1])
if used < limit then
	redis.call("zadd", KEYS[1], now, now .. ":" .. redis.call("incr", KEYS[1] .. ":seq"))
	redis.call("pexpire", KEYS[1], window)
	redis.call("pexpire", KEYS[1] .. ":seq", window)
	return {1, limit - used - 1, 0}
end

local oldest = redis.call("zrange", KEYS[1], 0, 0, "WITHSCORES")
local retry = window
if #oldest > 0 then
	retry = math.floor(tonumber(oldest[2]) + window - now)
end
return {0, 0, retry}
`)

// NewRateLimiter creates a limiter whose keys live under keyPrefix
func NewRateLimiter(client *Client, keyPrefix string) *RateLimiter {
	if keyPrefix == "" {
		keyPrefix = "ratelimit:"
	}
	return &RateLimiter{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (r *RateLimiter) windowKey(key string) string {
	return r.keyPrefix + key
}

func (r *RateLimiter) blockKey(key string) string {
	return r.keyPrefix + key + ":block"
}

// BlockFor refuses every request for key during d. Non-positive durations are ignored.
func (r *RateLimiter) BlockFor(ctx context.Context, key string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.blockKey(key), "1", d)
}

// IsBlocked reports whether key is blocked and for how much longer
func (r *RateLimiter) IsBlocked(ctx context.Context, key string) (bool, time.Duration, error) {
	ttl, err := r.client.rdb.PTTL(ctx, r.blockKey(key)).Result()
	if err != nil {
		return false, 0, err
	}
	// -2 is a missing key, -1 a key without expiry; neither is set by BlockFor
	if ttl <= 0 {
		return false, 0, nil
	}
	return true, ttl, nil
}

// Allow admits one request for key if fewer than limit were admitted in the trailing window
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (*RateLimitResult, error) {
	now := time.Now()

	values, err := budgetScript.Run(ctx, r.client.rdb,
		[]string{r.windowKey(key), r.blockKey(key)},
		now.UnixMilli(), window.Milliseconds(), limit,
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("rate limit %s: unexpected reply %v", key, values)
	}

	result := &RateLimitResult{
		Allowed:   values[0] == 1,
		Remaining: values[1],
		ResetAt:   now.Add(window),
	}
	if !result.Allowed {
		result.RetryIn = time.Duration(values[2]) * time.Millisecond
		result.ResetAt = now.Add(result.RetryIn)
	}
	return result, nil
}

// Reset clears the window and any block of key
func (r *RateLimiter) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.windowKey(key), r.windowKey(key)+":seq", r.blockKey(key))
}
