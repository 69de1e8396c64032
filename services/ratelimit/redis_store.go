package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// incrementScript bumps the window counter. The first hit of a window records
// its absolute expiry (unix ms) and sets the key TTL; a window whose expiry
// is already behind now is discarded first. Returns {count, expiresAtMs}.
var incrementScript = redis.NewScript(`
local now = tonumber(ARGV[3])
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires'))
if expires and now > expires then
  redis.call('DEL', KEYS[1])
  expires = nil
end
local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
if count == 1 or not expires then
  expires = tonumber(ARGV[4])
  redis.call('HSET', KEYS[1], 'expires', ARGV[4])
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
redis.call('HSET', KEYS[1], 'limit', ARGV[2])
return {count, expires}
`)

// RedisStore keeps windows in Redis so that all replicas share them. Each
// window hash carries its absolute expiry; the key TTL only reclaims memory.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

// Increment implements Store
func (s *RedisStore) Increment(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Window, error) {
	args := []interface{}{window.Milliseconds(), limit, now.UnixMilli(), now.Add(window).UnixMilli()}
	res, err := incrementScript.Run(ctx, s.client, []string{s.redisKey(key)}, args...).Result()
	if err != nil {
		return Window{}, fmt.Errorf("redis increment failed: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Window{}, fmt.Errorf("unexpected increment result %v", res)
	}
	count, ok1 := vals[0].(int64)
	expiresMs, ok2 := vals[1].(int64)
	if !ok1 || !ok2 {
		return Window{}, fmt.Errorf("unexpected increment result %v", res)
	}

	return Window{
		Count:     int(count),
		Limit:     limit,
		ExpiresAt: time.UnixMilli(expiresMs).In(now.Location()),
	}, nil
}

// Peek implements Store
func (s *RedisStore) Peek(ctx context.Context, key string, now time.Time) (Window, bool, error) {
	vals, err := s.client.HMGet(ctx, s.redisKey(key), "count", "limit", "expires").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Window{}, false, fmt.Errorf("redis peek failed: %w", err)
	}
	if len(vals) != 3 || vals[0] == nil || vals[2] == nil {
		return Window{}, false, nil
	}

	count, err := strconv.Atoi(fmt.Sprint(vals[0]))
	if err != nil {
		return Window{}, false, fmt.Errorf("corrupt window count: %w", err)
	}
	expiresMs, err := strconv.ParseInt(fmt.Sprint(vals[2]), 10, 64)
	if err != nil {
		return Window{}, false, fmt.Errorf("corrupt window expiry: %w", err)
	}
	expiresAt := time.UnixMilli(expiresMs).In(now.Location())
	if now.After(expiresAt) {
		return Window{}, false, nil
	}
	limit, _ := strconv.Atoi(fmt.Sprint(vals[1]))

	return Window{Count: count, Limit: limit, ExpiresAt: expiresAt}, true, nil
}

// Sweep implements Store. Redis expires windows on its own.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
