package security

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// hourlyBucketScript refills and consumes a per-delegator token bucket
// atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = current unix timestamp (seconds)
var hourlyBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 7200)

return allowed
`)

// RedisRateStore implements RateStore on Redis so the hourly delegation
// cap holds across control-plane replicas.
type RedisRateStore struct {
	client *redis.Client
}

// NewRedisRateStore connects to the given Redis instance.
func NewRedisRateStore(addr, password string, db int) *RedisRateStore {
	return &RedisRateStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Allow consumes one token from the delegator's hourly bucket.
func (s *RedisRateStore) Allow(ctx context.Context, delegatorID string, perHour int) (bool, error) {
	key := fmt.Sprintf("covenant:rate:%s", delegatorID)
	ratePerSecond := float64(perHour) / 3600.0
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := hourlyBucketScript.Run(ctx, s.client, []string{key}, ratePerSecond, perHour, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis rate store: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("redis rate store: unexpected script result %T", res)
	}
	return allowed == 1, nil
}

// Close releases the underlying connection pool.
func (s *RedisRateStore) Close() error { return s.client.Close() }
