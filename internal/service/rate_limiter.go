package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const rateLimitKeyPrefix = "ratelimit:"

// slidingWindowScript keeps one sorted-set member per admitted request, scored
// by its arrival in milliseconds. It returns {admitted, resetAtMs}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local nowMs = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', nowMs - windowMs)

if redis.call('ZCARD', key) >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    if #oldest >= 2 then
        return {0, tonumber(oldest[2]) + windowMs}
    end
    return {0, nowMs + windowMs}
end

redis.call('ZADD', key, nowMs, member)
redis.call('PEXPIRE', key, windowMs + 1000)
return {1, nowMs + windowMs}
`)

// RateLimiter is a Redis sliding-window limiter shared by all instances. It
// backs the per-user anti-spam check and the per-IP limit on public pages.
type RateLimiter struct {
	client   *redis.Client
	failOpen bool
	now      func() time.Time
}

// NewRateLimiter creates a limiter. With failOpen, requests are allowed while
// Redis is unreachable; otherwise they are denied.
func NewRateLimiter(client *redis.Client, failOpen bool) *RateLimiter {
	return &RateLimiter{client: client, failOpen: failOpen, now: time.Now}
}

// CheckLimit admits the request if fewer than limit requests were admitted
// under key within the trailing window. resetAt is when the next slot frees.
func (rl *RateLimiter) CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Time) {
	now := rl.now()
	if limit <= 0 {
		return true, now
	}

	res, err := slidingWindowScript.Run(ctx, rl.client,
		[]string{rateLimitKeyPrefix + key},
		now.UnixMilli(),
		window.Milliseconds(),
		limit,
		uuid.NewString(),
	).Int64Slice()
	if err == nil && len(res) != 2 {
		err = redis.Nil
	}
	if err != nil {
		log.Warn().Err(err).Str("key", key).Bool("failOpen", rl.failOpen).Msg("rate limit check failed")
		return rl.failOpen, now.Add(window)
	}

	return res[0] == 1, time.UnixMilli(res[1])
}
