// Package ratelimit implements a per-subject token bucket in Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/sharpscale/internal/config"
	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "sharpscale:ratelimit"

// maxCostFactor bounds the factor EnhanceCost squares. Larger factors cost
// a whole bucket anyway.
const maxCostFactor = 1 << 16

// Limiter admits or rejects requests for a subject.
type Limiter interface {
	AllowN(ctx context.Context, subject string, cost int64) (Decision, error)
	Capacity() int64
}

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// takeScript refills the bucket for the time elapsed since the last call and
// takes the requested tokens when enough are available. It replies with
// {allowed, remaining, wait_ms}.
var takeScript = redis.NewScript(`
local bucket = redis.call("HMGET", KEYS[1], "tokens", "at")
local capacity, rate, now, cost, ttl =
  tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4]), tonumber(ARGV[5])

local tokens = tonumber(bucket[1]) or capacity
local at = tonumber(bucket[2]) or now
tokens = math.min(capacity, tokens + math.max(0, now - at) * rate)

local allowed, wait = 0, 0
if tokens < cost then
  wait = math.ceil((cost - tokens) / rate)
else
  tokens = tokens - cost
  allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "at", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, math.floor(tokens), wait}
`)

// TokenBucket refills Capacity tokens per Window for every subject.
type TokenBucket struct {
	client    redis.UniversalClient
	capacity  int64
	perMS     float64
	ttl       time.Duration
	keyPrefix string
	now       func() time.Time
}

func New(client redis.UniversalClient, cfg config.RateLimitConfig) (*TokenBucket, error) {
	switch {
	case client == nil:
		return nil, errors.New("redis client is required")
	case cfg.Capacity <= 0:
		return nil, fmt.Errorf("rate limit capacity must be positive, got %d", cfg.Capacity)
	case cfg.Window <= 0:
		return nil, fmt.Errorf("rate limit window must be positive, got %s", cfg.Window)
	}

	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return &TokenBucket{
		client:    client,
		capacity:  int64(cfg.Capacity),
		perMS:     float64(cfg.Capacity) / float64(max(cfg.Window.Milliseconds(), 1)),
		ttl:       2 * cfg.Window,
		keyPrefix: prefix,
		now:       time.Now,
	}, nil
}

func (b *TokenBucket) Capacity() int64 {
	return b.capacity
}

func (b *TokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	return b.AllowN(ctx, subject, 1)
}

// AllowN takes cost tokens at once. Costs above capacity are clamped so a
// single large request can still pass on a full bucket.
func (b *TokenBucket) AllowN(ctx context.Context, subject string, cost int64) (Decision, error) {
	reply, err := takeScript.Run(ctx, b.client, []string{b.key(subject)},
		b.capacity,
		b.perMS,
		b.now().UnixMilli(),
		max(1, min(cost, b.capacity)),
		b.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket script: %w", err)
	}
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("token bucket replied with %d values, want 3", len(reply))
	}

	return Decision{
		Allowed:    reply[0] == 1,
		Remaining:  reply[1],
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}

func (b *TokenBucket) key(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	return b.keyPrefix + ":" + subject
}

// EnhanceCost charges a synchronous enhance by output area relative to the
// source, so an 8x upscale costs more than a 2x one.
func EnhanceCost(factor int) int64 {
	if factor < 1 {
		return 1
	}
	f := int64(min(factor, maxCostFactor))
	return f * f
}
