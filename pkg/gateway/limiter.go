package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/capkernel/pkg/clock"
)

// Limiter admits or rejects a call for key, the token fingerprint.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimiter keeps an in-process token bucket per key.
type RateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	clk      clock.Clock
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows rps calls per second per key with the given burst.
func NewRateLimiter(rps float64, burst int, clk clock.Clock) *RateLimiter {
	return &RateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		clk:      clock.OrWall(clk),
		visitors: make(map[string]*visitor),
	}
}

func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := l.clk.Now()
	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	l.mu.Unlock()
	return v.limiter.AllowN(now, 1), nil
}

// Prune drops buckets idle for longer than idle and returns how many were removed.
func (l *RateLimiter) Prune(idle time.Duration) int {
	cutoff := l.clk.Now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, k)
			n++
		}
	}
	return n
}

// redisTokenBucketScript refills and consumes one bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost
// ARGV[4] = now, unix seconds with microsecond precision
// ARGV[5] = idle expiry in seconds
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return {allowed, tostring(tokens)}
`)

// RedisLimiter shares token buckets between gateway instances through Redis.
type RedisLimiter struct {
	client redis.Scripter
	rps    float64
	burst  int
	prefix string
	ttl    time.Duration
	clk    clock.Clock
}

// NewRedisLimiter creates a limiter over client. Keys are "<prefix>:<fingerprint>".
func NewRedisLimiter(client redis.Scripter, rps float64, burst int, prefix string, clk clock.Clock) *RedisLimiter {
	if prefix == "" {
		prefix = "capk:admission"
	}
	if rps <= 0 {
		rps = 1
	}
	return &RedisLimiter{client: client, rps: rps, burst: burst, prefix: prefix, ttl: time.Minute, clk: clock.OrWall(clk)}
}

// NewRedisClient opens a client for addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(l.clk.Now().UnixMicro()) / 1e6
	res, err := redisTokenBucketScript.Run(ctx, l.client,
		[]string{l.prefix + ":" + key},
		l.rps, l.burst, 1, now, int(l.ttl.Seconds()),
	).Slice()
	if err != nil {
		return false, fmt.Errorf("gateway: redis limiter: %w", err)
	}
	if len(res) != 2 {
		return false, fmt.Errorf("gateway: redis limiter: unexpected reply %v", res)
	}
	allowed, ok := res[0].(int64)
	if !ok {
		return false, fmt.Errorf("gateway: redis limiter: unexpected allowed value %T", res[0])
	}
	return allowed == 1, nil
}
