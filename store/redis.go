package store

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/KanavDutta/tollgate/core"
)

// takeSource seeds, refills and takes from one bucket atomically.
// Times are unix microseconds. Returns
// {allowed, remaining, retry_after_us, reset_after_us}.
const takeSource = `
local capacity = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local now      = tonumber(ARGV[3])
local ttl      = tonumber(ARGV[4])

local state  = redis.call('HMGET', KEYS[1], 'tokens', 'last')
local tokens = tonumber(state[1])
local last   = tonumber(state[2])

if tokens == nil or last == nil then
  tokens = capacity - 1
  redis.call('HSET', KEYS[1], 'tokens', tokens, 'last', now)
  redis.call('PEXPIRE', KEYS[1], ttl)
  return {1, tokens, 0, interval}
end

local elapsed = now - last
if elapsed >= interval then
  local add = math.floor(elapsed / interval)
  tokens = math.min(capacity, tokens + add)
  last = now
end

local allowed = 0
if tokens > 0 then
  tokens = tokens - 1
  allowed = 1
end

local wait = last + interval - now
if wait < 0 then wait = 0 end

local retry = 0
if allowed == 0 then retry = wait end

local reset = 0
if tokens < capacity then reset = wait + (capacity - tokens - 1) * interval end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last', last)
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, tokens, retry, reset}
`

var takeScript = redis.NewScript(takeSource)

// RedisConfig for creating a Redis store
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`     // Redis address (e.g., "localhost:6379")
	Password string `yaml:"password,omitempty"` // Redis password (empty for no auth)
	DB       int    `yaml:"db,omitempty"`       // Redis database number
	Prefix   string `yaml:"prefix,omitempty"`   // Key prefix (default: "tollgate:")
}

// RedisStore keeps bucket state in Redis so several instances share limits.
type RedisStore struct {
	client *redis.Client
	policy core.Policy
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and returns a store applying policy.
func NewRedisStore(config RedisConfig, policy core.Policy) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	s, err := NewRedisStoreWithClient(client, policy, config.Prefix)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// NewRedisStoreWithClient builds a store on an existing client.
func NewRedisStoreWithClient(client *redis.Client, policy core.Policy, prefix string) (*RedisStore, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if policy.RefillInterval < time.Microsecond {
		return nil, &core.ConfigError{
			Field: "refill_interval",
			Err:   fmt.Errorf("%w: below 1µs is not supported by the Redis store", core.ErrNonPositiveInterval),
		}
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &RedisStore{
		client: client,
		policy: policy,
		prefix: prefix,
		ttl:    bucketTTL(policy),
	}, nil
}

// bucketTTL is the refill time of a drained bucket plus a second. Redis only
// expires a key once the bucket would be full again.
func bucketTTL(p core.Policy) time.Duration {
	if p.Capacity >= int64((math.MaxInt64-time.Second)/p.RefillInterval) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(p.Capacity)*p.RefillInterval + time.Second
}

// Admit runs one decision for key against the shared bucket.
func (s *RedisStore) Admit(ctx context.Context, key string, now time.Time) (core.Result, error) {
	if key == "" {
		return core.Result{}, fmt.Errorf("%w: empty key", ErrStoreFailed)
	}

	vals, err := takeScript.Run(ctx, s.client, []string{s.prefix + key},
		s.policy.Capacity,
		s.policy.RefillInterval.Microseconds(),
		now.UnixMicro(),
		s.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return core.Result{}, fmt.Errorf("%w: take %s: %v", ErrStoreFailed, key, err)
	}
	if len(vals) != 4 {
		return core.Result{}, fmt.Errorf("%w: take %s: unexpected reply %v", ErrStoreFailed, key, vals)
	}

	return core.Result{
		Allowed:    vals[0] == 1,
		Remaining:  vals[1],
		Limit:      s.policy.Capacity,
		RetryAfter: time.Duration(vals[2]) * time.Microsecond,
		ResetAfter: time.Duration(vals[3]) * time.Microsecond,
	}, nil
}

// Policy returns the policy applied to every key.
func (s *RedisStore) Policy() core.Policy {
	return s.policy
}

// Delete removes the bucket state for a given key
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrStoreFailed, key, err)
	}
	return nil
}

// Clear removes every key under the store's prefix.
// Returns the number of keys deleted.
func (s *RedisStore) Clear(ctx context.Context) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := s.client.Del(ctx, iter.Val()).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: clear: %v", ErrStoreFailed, err)
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: clear: %v", ErrStoreFailed, err)
	}
	return removed, nil
}

// Ping checks if Redis connection is alive
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
