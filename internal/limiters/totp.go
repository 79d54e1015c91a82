package limiters

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/phazeid/internal/rate"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTOTPMaxAttempts = 5
	defaultTOTPCooldown    = time.Minute
)

var (
	ErrTOTPRateLimited = errors.New("totp rate limited")
	ErrTOTPReplayed    = errors.New("totp code already used")
	ErrTOTPUnavailable = errors.New("totp unavailable")
)

// TOTPLimiterConfig holds configurable thresholds for the TOTP rate limiter.
type TOTPLimiterConfig struct {
	MaxAttempts int
	Cooldown    time.Duration
}

type TOTPLimiter struct {
	counter *rate.Limiter
	window  rate.Window
}

// NewTOTPLimiter creates a TOTP rate limiter. Zero-value fields in cfg
// fall back to defaults (5 attempts / 60s).
func NewTOTPLimiter(redisClient redis.UniversalClient, cfg TOTPLimiterConfig) *TOTPLimiter {
	max := cfg.MaxAttempts
	if max <= 0 {
		max = defaultTOTPMaxAttempts
	}
	cd := cfg.Cooldown
	if cd <= 0 {
		cd = defaultTOTPCooldown
	}
	return &TOTPLimiter{
		counter: rate.New(redisClient, "pzt"),
		window:  rate.Window{Limit: max, Period: cd},
	}
}

// Check fails once the user has used up the failure budget.
func (l *TOTPLimiter) Check(ctx context.Context, userID string) error {
	if l == nil {
		return nil
	}
	return l.translate(l.counter.Check(ctx, userID, l.window))
}

// RecordFailure counts one wrong code.
func (l *TOTPLimiter) RecordFailure(ctx context.Context, userID string) error {
	if l == nil {
		return nil
	}
	count, err := l.counter.Hit(ctx, userID, l.window.Period)
	if err != nil {
		return l.translate(err)
	}
	if count >= l.window.Limit {
		return ErrTOTPRateLimited
	}
	return nil
}

func (l *TOTPLimiter) Reset(ctx context.Context, userID string) error {
	if l == nil {
		return nil
	}
	return l.translate(l.counter.Reset(ctx, userID))
}

func (l *TOTPLimiter) translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		return ErrTOTPRateLimited
	default:
		return fmt.Errorf("%w: %v", ErrTOTPUnavailable, err)
	}
}

// ReplayGuard remembers accepted TOTP steps per user for long enough that
// the same code cannot be presented twice.
type ReplayGuard struct {
	markers *rate.Limiter
	ttl     time.Duration
}

// NewReplayGuard creates a guard. ttl should cover the TOTP period plus the
// accepted skew.
func NewReplayGuard(redisClient redis.UniversalClient, ttl time.Duration) *ReplayGuard {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &ReplayGuard{markers: rate.New(redisClient, "pztr"), ttl: ttl}
}

// Use marks step as consumed for userID. It returns ErrTOTPReplayed when the
// step was already consumed.
func (g *ReplayGuard) Use(ctx context.Context, userID string, step uint64) error {
	if g == nil {
		return nil
	}
	first, err := g.markers.Once(ctx, userID+":"+strconv.FormatUint(step, 10), g.ttl)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTOTPUnavailable, err)
	}
	if !first {
		return ErrTOTPReplayed
	}
	return nil
}
