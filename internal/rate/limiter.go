package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window is a fixed-window budget: at most Limit hits per Period.
type Window struct {
	Limit  int
	Period time.Duration
}

// Limiter counts hits per key in Redis.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
}

// New creates a rate [Limiter]. Every key is namespaced under prefix.
func New(redisClient redis.UniversalClient, prefix string) *Limiter {
	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (l *Limiter) key(k string) string {
	return l.prefix + ":" + k
}

// Allow records a hit for key and returns ErrRateLimited once the window
// budget is exceeded. A window with no limit always allows.
func (l *Limiter) Allow(ctx context.Context, key string, w Window) error {
	if w.Limit <= 0 {
		return nil
	}
	count, err := l.incrementWithTTL(ctx, l.key(key), w.Period)
	if err != nil {
		return err
	}
	if count > int64(w.Limit) {
		return ErrRateLimited
	}
	return nil
}

// Check reports ErrRateLimited when key has already reached the budget,
// without recording a hit.
func (l *Limiter) Check(ctx context.Context, key string, w Window) error {
	if w.Limit <= 0 {
		return nil
	}
	count, err := l.Count(ctx, key)
	if err != nil {
		return err
	}
	if count >= w.Limit {
		return ErrRateLimited
	}
	return nil
}

// Count returns the hits recorded in the current window.
func (l *Limiter) Count(ctx context.Context, key string) (int, error) {
	count, err := l.redis.Get(ctx, l.key(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

// Hit records a hit without enforcing a budget and returns the new count.
func (l *Limiter) Hit(ctx context.Context, key string, period time.Duration) (int, error) {
	count, err := l.incrementWithTTL(ctx, l.key(key), period)
	return int(count), err
}

// Reset clears the window for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.redis.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Once sets a marker for key and reports whether this call created it.
// The marker lives for ttl.
func (l *Limiter) Once(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.redis.SetNX(ctx, l.key(key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ok, nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}
