package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes atomically.
// KEYS[1] bucket key; ARGV: rate/s, capacity, cost, now (fractional seconds).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

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
redis.call("EXPIRE", key, math.ceil(capacity / rate) + 1)

return {allowed, math.floor(tokens)}
`)

// Redis keeps buckets in Redis so every API replica shares them.
type Redis struct {
	client redis.Scripter
	prefix string
	clock  func() time.Time
}

func NewRedis(client redis.Scripter, prefix string) *Redis {
	if prefix == "" {
		prefix = "multiguard:limiter"
	}
	return &Redis{client: client, prefix: prefix, clock: time.Now}
}

// WithClock overrides the time source for testing.
func (r *Redis) WithClock(clock func() time.Time) *Redis {
	r.clock = clock
	return r
}

func (r *Redis) Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error) {
	bucket := fmt.Sprintf("%s:%s", r.prefix, key)
	now := float64(r.clock().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, r.client, []string{bucket},
		policy.ratePerSecond(), policy.capacity(), cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
