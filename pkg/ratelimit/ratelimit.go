// Package ratelimit provides a per-key sliding-window admission limiter
// backed by Redis. Each key holds a sorted set of request timestamps; a
// request is admitted while fewer than max timestamps remain inside the
// trailing window. The check-and-append runs as a single Lua script so
// concurrent callers cannot sneak past the limit.
//
// This limiter throttles admission per caller. It is independent of the
// per-queue rate limits applied on the consumer side by the processor
// runner.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimitError reports a rejected request. RetryAfter is the number of
// whole seconds until the oldest windowed entry expires.
type RateLimitError struct {
	Key        string
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q, retry after %ds", e.Key, e.RetryAfter)
}

// slidingWindow purges stale entries, rejects when the window is full
// (returning the oldest surviving score), otherwise appends the new entry.
//
// KEYS[1]: window key
// ARGV[1]: now (ms)
// ARGV[2]: window (ms)
// ARGV[3]: max entries
// ARGV[4]: unique member for this request
var slidingWindow = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local max = tonumber(ARGV[3])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

	local count = redis.call('ZCARD', key)
	if count >= max then
		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		return {0, tonumber(oldest[2])}
	end

	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	return {1, max - count - 1}
`)

// Limiter enforces a sliding window of Max requests per Window for each key.
// Keys are typically derived from caller identity (IP or API key). Entries
// expire with the window, so idle keys cost nothing.
type Limiter struct {
	rdb    *redis.Client
	window time.Duration
	max    int
	prefix string
	now    func() time.Time
}

// New creates a limiter allowing max requests per window.
func New(rdb *redis.Client, window time.Duration, max int) *Limiter {
	return &Limiter{
		rdb:    rdb,
		window: window,
		max:    max,
		prefix: "aq:ratelimit:",
		now:    time.Now,
	}
}

// Max returns the per-window request budget.
func (l *Limiter) Max() int { return l.max }

// Window returns the trailing window duration.
func (l *Limiter) Window() time.Duration { return l.window }

// Allow admits or rejects one request for key. On admission it returns the
// remaining budget inside the current window. On rejection the error is a
// *RateLimitError carrying the retry-after hint; any other error is a
// transport failure.
func (l *Limiter) Allow(ctx context.Context, key string) (int, error) {
	nowMs := l.now().UnixMilli()
	windowMs := l.window.Milliseconds()

	res, err := slidingWindow.Run(ctx, l.rdb,
		[]string{l.prefix + key},
		nowMs,
		windowMs,
		l.max,
		uuid.New().String(),
	).Result()
	if err != nil {
		return 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	allowed, _ := vals[0].(int64)
	second, _ := vals[1].(int64)

	if allowed == 1 {
		return int(second), nil
	}

	retryAfter := int(math.Ceil(float64(second+windowMs-nowMs) / 1000))
	if retryAfter < 0 {
		retryAfter = 0
	}
	return 0, &RateLimitError{Key: key, RetryAfter: retryAfter}
}
