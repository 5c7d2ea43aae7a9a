package auth

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisLimiterPrefix = "nexa:attempts:"

// RedisLimiter shares attempt state across replicas. Charging runs in a
// script so replicas cannot race past MaxAttempts; each charge refreshes the
// key TTL, so the lock lasts Window from the last charged attempt.
type RedisLimiter struct {
	client redis.UniversalClient
	policy LimiterPolicy
}

// NewRedisLimiter builds a limiter backed by client.
func NewRedisLimiter(client redis.UniversalClient, policy LimiterPolicy) *RedisLimiter {
	return &RedisLimiter{client: client, policy: policy.normalized()}
}

// attemptScript charges KEYS[1] unless it already holds ARGV[1] attempts.
// Returns 1 when charged, 0 when locked.
var attemptScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n >= tonumber(ARGV[1]) then
  return 0
end
redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// releaseScript hands one charge back, dropping the key at zero.
var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
  redis.call('DEL', KEYS[1])
end
return n
`)

func (l *RedisLimiter) Attempt(ctx context.Context, key string) error {
	ok, err := attemptScript.Run(ctx, l.client,
		[]string{redisLimiterPrefix + key},
		l.policy.MaxAttempts, l.policy.Window.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("limiter attempt: %w", err)
	}
	if ok == 0 {
		return ErrAccountLocked
	}
	return nil
}

func (l *RedisLimiter) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, l.client, []string{redisLimiterPrefix + key}).Err(); err != nil {
		return fmt.Errorf("limiter release: %w", err)
	}
	return nil
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, redisLimiterPrefix+key).Err(); err != nil {
		return fmt.Errorf("limiter reset: %w", err)
	}
	return nil
}
