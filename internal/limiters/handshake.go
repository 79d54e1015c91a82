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
	ErrHandshakeRateLimited = errors.New("handshake rate limited")
	ErrHandshakeUnavailable = errors.New("handshake limiter unavailable")
)

// HandshakeLimiter caps tunnel handshakes per client IP. Each handshake
// costs the server an RSA key generation.
type HandshakeLimiter struct {
	counter *rate.Limiter
	window  rate.Window
}

func NewHandshakeLimiter(redisClient redis.UniversalClient, perWindow int, window time.Duration) *HandshakeLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &HandshakeLimiter{
		counter: rate.New(redisClient, "pzh"),
		window:  rate.Window{Limit: perWindow, Period: window},
	}
}

// Allow records one handshake from ip.
func (l *HandshakeLimiter) Allow(ctx context.Context, ip string) error {
	if l == nil || ip == "" {
		return nil
	}
	err := l.counter.Allow(ctx, ip, l.window)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		return ErrHandshakeRateLimited
	default:
		return fmt.Errorf("%w: %v", ErrHandshakeUnavailable, err)
	}
}
