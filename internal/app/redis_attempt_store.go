package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var attemptCounterScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisAttemptStore implements AttemptStore on Redis so multiple processes
// share one view of attempt counters and IP blocks. The increment runs as a
// Lua script to keep INCR and PEXPIRE atomic.
type RedisAttemptStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisAttemptStore creates a store under the given key prefix.
func NewRedisAttemptStore(client redis.UniversalClient, prefix string) *RedisAttemptStore {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		trimmed = "giftwave:rate_guard"
	}
	trimmed = strings.TrimSuffix(trimmed, ":")

	return &RedisAttemptStore{client: client, prefix: trimmed}
}

func (s *RedisAttemptStore) key(key string) string {
	return s.prefix + ":" + key
}

func (s *RedisAttemptStore) Increment(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	raw, err := attemptCounterScript.Run(ctx, s.client, []string{s.key(key)}, windowMs).Result()
	if err != nil {
		return 0, time.Time{}, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, time.Time{}, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	return int(count), time.Now().Add(time.Duration(ttlMs) * time.Millisecond), nil
}

func (s *RedisAttemptStore) Clear(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

func (s *RedisAttemptStore) SetBlock(ctx context.Context, key string, d time.Duration) error {
	return s.client.Set(ctx, s.key(key), 1, d).Err()
}

func (s *RedisAttemptStore) BlockRemaining(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
