package limiters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return rdb, mr
}

func TestTOTPLimiterBlocksAfterBudget(t *testing.T) {
	rdb, _ := newRedis(t)
	ctx := context.Background()
	l := NewTOTPLimiter(rdb, TOTPLimiterConfig{MaxAttempts: 3, Cooldown: time.Minute})

	for i := 0; i < 2; i++ {
		if err := l.RecordFailure(ctx, "u"); err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
	}
	if err := l.Check(ctx, "u"); err != nil {
		t.Fatalf("budget not yet exhausted: %v", err)
	}
	if err := l.RecordFailure(ctx, "u"); !errors.Is(err, ErrTOTPRateLimited) {
		t.Fatalf("third failure should exhaust budget, got %v", err)
	}
	if err := l.Check(ctx, "u"); !errors.Is(err, ErrTOTPRateLimited) {
		t.Fatalf("expected ErrTOTPRateLimited, got %v", err)
	}
	if err := l.Reset(ctx, "u"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := l.Check(ctx, "u"); err != nil {
		t.Fatalf("reset should clear budget: %v", err)
	}
}

func TestReplayGuard(t *testing.T) {
	rdb, mr := newRedis(t)
	ctx := context.Background()
	g := NewReplayGuard(rdb, 90*time.Second)

	if err := g.Use(ctx, "u", 100); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := g.Use(ctx, "u", 100); !errors.Is(err, ErrTOTPReplayed) {
		t.Fatalf("expected ErrTOTPReplayed, got %v", err)
	}
	if err := g.Use(ctx, "other", 100); err != nil {
		t.Fatalf("step is per user: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if err := g.Use(ctx, "u", 100); err != nil {
		t.Fatalf("marker should expire: %v", err)
	}
}

func TestResetLimiterPerEmailAndIP(t *testing.T) {
	rdb, _ := newRedis(t)
	ctx := context.Background()
	l := NewResetLimiter(rdb, ResetConfig{
		EnableIdentifierThrottle: true,
		EnableIPThrottle:         true,
		Window:                   time.Hour,
		MaxAttempts:              2,
	})

	if err := l.CheckRequest(ctx, "A@example.com", "1.1.1.1"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := l.CheckRequest(ctx, "a@example.com", "2.2.2.2"); err != nil {
		t.Fatalf("second: %v", err)
	}
	if err := l.CheckRequest(ctx, "a@example.com", "3.3.3.3"); !errors.Is(err, ErrResetRateLimited) {
		t.Fatalf("email budget should be case-insensitive and exhausted, got %v", err)
	}
	if err := l.CheckRequest(ctx, "b@example.com", "1.1.1.1"); err != nil {
		t.Fatalf("ip budget has one left: %v", err)
	}
	if err := l.CheckRequest(ctx, "c@example.com", "1.1.1.1"); !errors.Is(err, ErrResetRateLimited) {
		t.Fatalf("ip budget should be exhausted, got %v", err)
	}
}

func TestHandshakeLimiter(t *testing.T) {
	rdb, _ := newRedis(t)
	ctx := context.Background()
	l := NewHandshakeLimiter(rdb, 1, time.Minute)

	if err := l.Allow(ctx, "1.1.1.1"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := l.Allow(ctx, "1.1.1.1"); !errors.Is(err, ErrHandshakeRateLimited) {
		t.Fatalf("expected ErrHandshakeRateLimited, got %v", err)
	}
	if err := l.Allow(ctx, ""); err != nil {
		t.Fatalf("unknown ip is not limited: %v", err)
	}
}

func TestNilLimitersAllow(t *testing.T) {
	ctx := context.Background()
	var (
		totp *TOTPLimiter
		g    *ReplayGuard
		r    *ResetLimiter
		h    *HandshakeLimiter
	)
	if totp.Check(ctx, "u") != nil || totp.RecordFailure(ctx, "u") != nil || g.Use(ctx, "u", 1) != nil ||
		r.CheckRequest(ctx, "e", "ip") != nil || h.Allow(ctx, "ip") != nil {
		t.Fatal("nil limiters must allow")
	}
}

func TestBackupCodeLimiterHasOwnBudget(t *testing.T) {
	rdb, mr := newRedis(t)
	ctx := context.Background()
	totp := NewTOTPLimiter(rdb, TOTPLimiterConfig{MaxAttempts: 2, Cooldown: time.Minute})
	backup := NewBackupCodeLimiter(rdb, BackupCodeLimiterConfig{MaxAttempts: 2, Cooldown: 10 * time.Minute})

	if err := backup.RecordFailure(ctx, "u"); err != nil {
		t.Fatalf("first failure: %v", err)
	}
	if err := backup.RecordFailure(ctx, "u"); !errors.Is(err, ErrBackupCodeRateLimited) {
		t.Fatalf("second failure should exhaust budget, got %v", err)
	}
	if err := backup.Check(ctx, "u"); !errors.Is(err, ErrBackupCodeRateLimited) {
		t.Fatalf("expected ErrBackupCodeRateLimited, got %v", err)
	}
	if err := totp.Check(ctx, "u"); err != nil {
		t.Fatalf("backup failures must not spend the totp budget: %v", err)
	}
	if err := totp.Reset(ctx, "u"); err != nil {
		t.Fatalf("totp reset: %v", err)
	}
	if err := backup.Check(ctx, "u"); !errors.Is(err, ErrBackupCodeRateLimited) {
		t.Fatalf("totp reset must not clear backup budget, got %v", err)
	}

	mr.FastForward(10 * time.Minute)
	if err := backup.Check(ctx, "u"); err != nil {
		t.Fatalf("cooldown should expire: %v", err)
	}
}

func TestBackupCodeLimiterDefaults(t *testing.T) {
	rdb, _ := newRedis(t)
	l := NewBackupCodeLimiter(rdb, BackupCodeLimiterConfig{})
	if l.window.Limit != 5 || l.window.Period != 10*time.Minute {
		t.Fatalf("unexpected defaults %+v", l.window)
	}
}

func TestVerificationLimiterPerUser(t *testing.T) {
	rdb, _ := newRedis(t)
	ctx := context.Background()
	l := NewVerificationLimiter(rdb, VerificationConfig{
		EnableIdentifierThrottle: true,
		Window:                   15 * time.Minute,
		MaxAttempts:              3,
	})

	for i := 0; i < 3; i++ {
		if err := l.CheckAttempt(ctx, PurposeEmail, "u", "198.51.100.1"); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if err := l.CheckAttempt(ctx, PurposeEmail, "u", "198.51.100.2"); !errors.Is(err, ErrVerificationRateLimited) {
		t.Fatalf("changing IP must not refill the user budget, got %v", err)
	}
	if err := l.CheckAttempt(ctx, PurposeEmailChange, "u", "198.51.100.1"); err != nil {
		t.Fatalf("purposes keep separate budgets: %v", err)
	}
	if err := l.Reset(ctx, PurposeEmail, "u"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := l.CheckAttempt(ctx, PurposeEmail, "u", "198.51.100.1"); err != nil {
		t.Fatalf("reset should clear user budget: %v", err)
	}
}

func TestVerificationLimiterCountsIPFailures(t *testing.T) {
	rdb, mr := newRedis(t)
	ctx := context.Background()
	l := NewVerificationLimiter(rdb, VerificationConfig{
		EnableIPThrottle: true,
		Window:           15 * time.Minute,
		MaxAttempts:      5,
		IPMaxFailures:    2,
	})
	ip := "198.51.100.1"

	for i := 0; i < 10; i++ {
		if err := l.CheckAttempt(ctx, PurposeEmail, "u", ip); err != nil {
			t.Fatalf("successful attempts must not spend the IP budget: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := l.RecordFailure(ctx, PurposeEmail, ip); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if err := l.CheckAttempt(ctx, PurposeEmail, "other", ip); !errors.Is(err, ErrVerificationRateLimited) {
		t.Fatalf("IP budget should cover every user, got %v", err)
	}
	if err := l.CheckAttempt(ctx, PurposeEmail, "other", "198.51.100.9"); err != nil {
		t.Fatalf("other IPs are unaffected: %v", err)
	}

	mr.FastForward(15 * time.Minute)
	if err := l.CheckAttempt(ctx, PurposeEmail, "other", ip); err != nil {
		t.Fatalf("window should expire: %v", err)
	}
}

func TestVerificationLimiterUnavailable(t *testing.T) {
	rdb, mr := newRedis(t)
	l := NewVerificationLimiter(rdb, VerificationConfig{
		EnableIdentifierThrottle: true,
		Window:                   time.Minute,
		MaxAttempts:              3,
	})
	mr.Close()
	if err := l.CheckAttempt(context.Background(), PurposeEmail, "u", ""); !errors.Is(err, ErrVerificationUnavailable) {
		t.Fatalf("expected ErrVerificationUnavailable, got %v", err)
	}
}
