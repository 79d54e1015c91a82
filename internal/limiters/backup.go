package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/phazeid/internal/rate"
	"github.com/redis/go-redis/v9"
)

const (
	defaultBackupCodeMaxAttempts = 5
	defaultBackupCodeCooldown    = 10 * time.Minute
)

var (
	ErrBackupCodeRateLimited = errors.New("backup code rate limited")
	ErrBackupCodeUnavailable = errors.New("backup code limiter unavailable")
)

// BackupCodeLimiterConfig holds the failure budget for backup code
// redemption.
type BackupCodeLimiterConfig struct {
	MaxAttempts int
	Cooldown    time.Duration
}

// BackupCodeLimiter counts wrong backup codes per user. It is separate from
// the TOTP budget so one cannot be used to reset the other.
type BackupCodeLimiter struct {
	counter *rate.Limiter
	window  rate.Window
}

// NewBackupCodeLimiter creates a backup code limiter. Zero-value fields in
// cfg fall back to 5 attempts per 10 minutes.
func NewBackupCodeLimiter(redisClient redis.UniversalClient, cfg BackupCodeLimiterConfig) *BackupCodeLimiter {
	max := cfg.MaxAttempts
	if max <= 0 {
		max = defaultBackupCodeMaxAttempts
	}
	cd := cfg.Cooldown
	if cd <= 0 {
		cd = defaultBackupCodeCooldown
	}
	return &BackupCodeLimiter{
		counter: rate.New(redisClient, "pzb"),
		window:  rate.Window{Limit: max, Period: cd},
	}
}

// Check fails once the user has used up the failure budget.
func (l *BackupCodeLimiter) Check(ctx context.Context, userID string) error {
	if l == nil {
		return nil
	}
	return l.translate(l.counter.Check(ctx, userID, l.window))
}

// RecordFailure counts one wrong backup code and reports
// ErrBackupCodeRateLimited when that failure used up the budget.
func (l *BackupCodeLimiter) RecordFailure(ctx context.Context, userID string) error {
	if l == nil {
		return nil
	}
	count, err := l.counter.Hit(ctx, userID, l.window.Period)
	if err != nil {
		return l.translate(err)
	}
	if count >= l.window.Limit {
		return ErrBackupCodeRateLimited
	}
	return nil
}

func (l *BackupCodeLimiter) Reset(ctx context.Context, userID string) error {
	if l == nil {
		return nil
	}
	return l.translate(l.counter.Reset(ctx, userID))
}

func (l *BackupCodeLimiter) translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		return ErrBackupCodeRateLimited
	default:
		return fmt.Errorf("%w: %v", ErrBackupCodeUnavailable, err)
	}
}
