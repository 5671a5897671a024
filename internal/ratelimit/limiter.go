// Package ratelimit throttles drawing submissions per client with a token
// bucket kept in Redis, so several API replicas share one budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"drawing-mesh-pipeline/internal/clock"
)

// Decision is the outcome of one Take.
type Decision struct {
	Allowed bool
	// Remaining is the token count left after this call.
	Remaining float64
	// RetryAfter estimates when the next token is available; zero if allowed.
	RetryAfter time.Duration
}

// SubmissionLimiter hands out one token per submission per client key.
type SubmissionLimiter struct {
	client   redis.Scripter
	clock    clock.Clock
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewSubmissionLimiter builds a limiter. Buckets idle for longer than a full
// refill expire on their own.
func NewSubmissionLimiter(client redis.Scripter, clk clock.Clock, capacity int, refillPerSecond float64) *SubmissionLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	ttl := time.Minute
	if refillPerSecond > 0 {
		if full := time.Duration(float64(capacity) / refillPerSecond * float64(time.Second)); full > ttl {
			ttl = full
		}
	}
	return &SubmissionLimiter{
		client:   client,
		clock:    clk,
		prefix:   "ratelimit:submit:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Take consumes a token for the client key if one is available.
func (l *SubmissionLimiter) Take(ctx context.Context, clientKey string) (Decision, error) {
	now := l.clock.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{l.prefix + clientKey},
		l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("unexpected token bucket reply %T", res)
	}
	allowed, _ := arr[0].(int64)

	// Lua numbers come back as integers, so the script returns milli-tokens.
	var milli int64
	switch v := arr[1].(type) {
	case int64:
		milli = v
	case float64:
		milli = int64(v)
	}
	d := Decision{Allowed: allowed == 1, Remaining: float64(milli) / 1000}
	if !d.Allowed && l.refill > 0 {
		missing := 1 - d.Remaining
		d.RetryAfter = time.Duration(missing / l.refill * float64(time.Second))
	}
	return d, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens * 1000)}
`)
