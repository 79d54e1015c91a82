package limiters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/phazeid/internal/rate"
	"github.com/redis/go-redis/v9"
)

var (
	ErrResetRateLimited      = errors.New("reset rate limited")
	ErrResetRedisUnavailable = errors.New("reset redis unavailable")
)

type ResetConfig struct {
	EnableIdentifierThrottle bool
	EnableIPThrottle         bool
	Window                   time.Duration
	MaxAttempts              int
}

// ResetLimiter throttles password reset requests by email and by IP.
type ResetLimiter struct {
	counter *rate.Limiter
	config  ResetConfig
}

func NewResetLimiter(redisClient redis.UniversalClient, cfg ResetConfig) *ResetLimiter {
	return &ResetLimiter{
		counter: rate.New(redisClient, "pzr"),
		config:  cfg,
	}
}

// CheckRequest records one reset request and fails when either budget is
// exhausted.
func (l *ResetLimiter) CheckRequest(ctx context.Context, email, ip string) error {
	if l == nil {
		return nil
	}
	window := rate.Window{Limit: l.config.MaxAttempts, Period: l.config.Window}

	if l.config.EnableIdentifierThrottle {
		if err := l.translate(l.counter.Allow(ctx, "e:"+strings.ToLower(email), window)); err != nil {
			return err
		}
	}
	if l.config.EnableIPThrottle && ip != "" {
		if err := l.translate(l.counter.Allow(ctx, "ip:"+ip, window)); err != nil {
			return err
		}
	}
	return nil
}

func (l *ResetLimiter) translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		return ErrResetRateLimited
	default:
		return fmt.Errorf("%w: %v", ErrResetRedisUnavailable, err)
	}
}
