package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/phazeid/internal/rate"
	"github.com/redis/go-redis/v9"
)

var (
	ErrVerificationRateLimited = errors.New("verification rate limited")
	ErrVerificationUnavailable = errors.New("verification limiter unavailable")
)

// Verification purposes. Each keeps its own budget per user.
const (
	PurposeEmail       = "email"
	PurposeEmailChange = "email_change"
)

type VerificationConfig struct {
	EnableIdentifierThrottle bool
	EnableIPThrottle         bool
	Window                   time.Duration
	MaxAttempts              int
	// IPMaxFailures bounds wrong codes per client IP, across users.
	IPMaxFailures int
}

// VerificationLimiter throttles attempts to confirm an emailed verification
// code. Every attempt counts against the user and a correct code clears
// that window. Only wrong codes count against the client IP, so a shared
// address is not exhausted by legitimate confirmations.
type VerificationLimiter struct {
	counter *rate.Limiter
	config  VerificationConfig
}

func NewVerificationLimiter(redisClient redis.UniversalClient, cfg VerificationConfig) *VerificationLimiter {
	return &VerificationLimiter{
		counter: rate.New(redisClient, "pzv"),
		config:  cfg,
	}
}

// CheckAttempt records one confirmation attempt for userID under purpose
// and fails when the user's budget or the IP's failure budget is exhausted.
func (l *VerificationLimiter) CheckAttempt(ctx context.Context, purpose, userID, ip string) error {
	if l == nil {
		return nil
	}
	if l.config.EnableIPThrottle && ip != "" {
		if err := l.translate(l.counter.Check(ctx, purpose+":ip:"+ip, l.ipWindow())); err != nil {
			return err
		}
	}
	if l.config.EnableIdentifierThrottle {
		window := rate.Window{Limit: l.config.MaxAttempts, Period: l.config.Window}
		if err := l.translate(l.counter.Allow(ctx, purpose+":u:"+userID, window)); err != nil {
			return err
		}
	}
	return nil
}

// RecordFailure counts one wrong code against ip.
func (l *VerificationLimiter) RecordFailure(ctx context.Context, purpose, ip string) error {
	if l == nil || !l.config.EnableIPThrottle || ip == "" {
		return nil
	}
	_, err := l.counter.Hit(ctx, purpose+":ip:"+ip, l.config.Window)
	return l.translate(err)
}

// Reset clears the user's window for purpose. The IP window is left to
// expire.
func (l *VerificationLimiter) Reset(ctx context.Context, purpose, userID string) error {
	if l == nil || !l.config.EnableIdentifierThrottle {
		return nil
	}
	return l.translate(l.counter.Reset(ctx, purpose+":u:"+userID))
}

func (l *VerificationLimiter) ipWindow() rate.Window {
	limit := l.config.IPMaxFailures
	if limit <= 0 {
		limit = l.config.MaxAttempts
	}
	return rate.Window{Limit: limit, Period: l.config.Window}
}

func (l *VerificationLimiter) translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		return ErrVerificationRateLimited
	default:
		return fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
}
