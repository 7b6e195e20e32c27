package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript applies the same arithmetic as take() atomically inside
// Redis. Time is supplied by the caller in milliseconds.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local per = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local cost = tonumber(ARGV[5])
local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end
if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) * refill / per)
  ts = now
end
local allowed = 0
local retry = 0
if cost > 0 and cost <= capacity then
  if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
  else
    retry = math.ceil((cost - tokens) * per / refill)
  end
end
redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(ts))
local ttl = math.ceil((capacity - tokens) * per / refill)
if ttl < 1 then
  ttl = 1
end
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, math.floor(tokens), retry}
`)

// RedisLimiter shares buckets between gateway replicas. Any Redis failure
// falls back to the in-process limiter.
type RedisLimiter struct {
	Client   *redis.Client
	Policy   Policy
	Prefix   string
	Timeout  time.Duration
	Fallback *InMemoryLimiter
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewRedis(client *redis.Client, policy Policy, fallback *InMemoryLimiter) *RedisLimiter {
	policy = policy.normalized()
	if fallback == nil {
		fallback = NewInMemory(policy)
	}
	return &RedisLimiter{
		Client:   client,
		Policy:   policy,
		Prefix:   "rl:",
		Timeout:  2 * time.Second,
		Fallback: fallback,
		Now:      time.Now,
	}
}

func (l *RedisLimiter) Allow(key string, cost int) Decision {
	if l.Client == nil {
		return l.fallback(key, cost, nil)
	}
	policy := l.Policy.normalized()
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := tokenBucketScript.Run(ctx, l.Client, []string{l.Prefix + key},
		policy.Capacity,
		strconv.FormatFloat(policy.Refill, 'f', -1, 64),
		policy.Per.Milliseconds(),
		now().UnixMilli(),
		cost,
	).Result()
	if err != nil {
		return l.fallback(key, cost, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return l.fallback(key, cost, nil)
	}
	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	retryMs, _ := vals[2].(int64)
	return Decision{
		Allowed:    allowed == 1,
		Limit:      policy.Capacity,
		Remaining:  int(remaining),
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}
}

func (l *RedisLimiter) TryAdmit(key string, cost int) bool {
	return l.Allow(key, cost).Allowed
}

func (l *RedisLimiter) fallback(key string, cost int, err error) Decision {
	if err != nil && l.Logger != nil {
		l.Logger.Warn("redis rate limiter unavailable, using local buckets", "err", err)
	}
	if l.Fallback != nil {
		return l.Fallback.Allow(key, cost)
	}
	policy := l.Policy.normalized()
	return Decision{Allowed: true, Limit: policy.Capacity, Remaining: policy.Capacity}
}
