package phazeid

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/phazeid/store"
	"github.com/MrEthical07/phazeid/store/memstore"
)

func TestSignupThenVerifyEmail(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.engine.Signup(ctx, "alice", "hunter22", "Alice@Example.com", testIP)
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if res.Verification.State != StateUnverifiedEmail {
		t.Fatalf("expected UNVERIFIED_EMAIL, got %s", res.Verification.State)
	}
	if res.ExpiresAt != h.clock.Now().Add(h.engine.config.Session.TTL).Unix() {
		t.Fatalf("signup session should carry the full TTL")
	}

	u := h.user(t, "alice")
	if u.Email != "alice@example.com" {
		t.Fatalf("email not normalized: %q", u.Email)
	}
	if len(u.EmailVerificationCode) != h.engine.config.Account.VerificationCodeLength {
		t.Fatalf("unexpected code %q", u.EmailVerificationCode)
	}
	msg, ok := h.mail.last()
	if !ok || !strings.Contains(msg.Body, u.EmailVerificationCode) {
		t.Fatalf("verification code not mailed: %+v", msg)
	}

	if _, err := h.engine.VerifyEmail(ctx, res.Token, testIP, "wrong!"); !errors.Is(err, ErrVerificationCodeInvalid) {
		t.Fatalf("expected ErrVerificationCodeInvalid, got %v", err)
	}

	v, err := h.engine.VerifyEmail(ctx, res.Token, testIP, u.EmailVerificationCode)
	if err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	if !v.Verified() {
		t.Fatalf("expected VERIFIED, got %+v", v)
	}
	if _, err := h.engine.VerifyEmail(ctx, res.Token, testIP, u.EmailVerificationCode); !errors.Is(err, ErrEmailAlreadyVerified) {
		t.Fatalf("expected ErrEmailAlreadyVerified, got %v", err)
	}
	if _, err := h.engine.Profile(ctx, res.Token, testIP); err != nil {
		t.Fatalf("Profile after verification: %v", err)
	}
}

func TestSignupRejectsDuplicatesAndBadInput(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.signup(t, "alice", "hunter22")

	cases := []struct {
		name     string
		username string
		password string
		email    string
		want     error
	}{
		{"username taken", "alice", "pw123456", "other@example.com", ErrUsernameTaken},
		{"email taken", "bob", "pw123456", "ALICE@example.com", ErrEmailTaken},
		{"bad email", "bob", "pw123456", "not-an-email", ErrInvalidEmail},
		{"empty password", "bob", "", "bob@example.com", ErrValidation},
		{"long username", strings.Repeat("b", 51), "pw", "bob@example.com", ErrValidation},
		{"empty username", "", "pw", "bob@example.com", ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.engine.Signup(ctx, tc.username, tc.password, tc.email, testIP); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestLoginIssuesPendingSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.verifiedUser(t, "alice", "hunter22")

	res, err := h.engine.Login(ctx, "alice", "hunter22", testIP)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Verification.State != StateUnverifiedSession {
		t.Fatalf("expected UNVERIFIED_SESSION, got %s", res.Verification.State)
	}
	if res.ExpiresAt != h.clock.Now().Add(h.engine.config.Session.PendingTTL).Unix() {
		t.Fatalf("login session should carry the pending TTL")
	}
	if _, err := h.engine.Profile(ctx, res.Token, testIP); !errors.Is(err, ErrVerificationRequired) {
		t.Fatalf("pending session must not read the profile, got %v", err)
	}

	v, err := h.engine.ConfirmSession(ctx, res.Token, testIP)
	if err != nil || !v.Verified() {
		t.Fatalf("ConfirmSession: %+v %v", v, err)
	}
	msg, _ := h.mail.last()
	if !strings.Contains(msg.Body, testIP) {
		t.Fatalf("login alert should name the ip: %q", msg.Body)
	}
}

func TestLoginUnknownUserIsInvalidCredentials(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.engine.Login(context.Background(), "ghost", "whatever", testIP); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginLocksOnFifthFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.verifiedUser(t, "alice", "hunter22")

	for i := 1; i <= 4; i++ {
		_, err := h.engine.Login(ctx, "alice", "wrong", testIP)
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}

	_, err := h.engine.Login(ctx, "alice", "wrong", testIP)
	var lockErr *LockoutError
	if !errors.As(err, &lockErr) {
		t.Fatalf("fifth failure should lock, got %v", err)
	}
	wantUntil := h.clock.Now().Add(h.engine.config.Lockout.Duration).Unix()
	if lockErr.Until != wantUntil {
		t.Fatalf("locked until %d, want %d", lockErr.Until, wantUntil)
	}

	// A locked attempt, even with the right password, consumes nothing.
	if _, err := h.engine.Login(ctx, "alice", "hunter22", testIP); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
	u := h.user(t, "alice")
	if u.LoginAttempts != 0 || !u.AccountLocked {
		t.Fatalf("unexpected lock state: attempts=%d locked=%v", u.LoginAttempts, u.AccountLocked)
	}
	if got := h.engine.MetricsSnapshot().Counters[MetricAccountLocked]; got != 1 {
		t.Fatalf("expected one lock metric, got %d", got)
	}

	h.clock.Advance(h.engine.config.Lockout.Duration + time.Second)
	if _, err := h.engine.Login(ctx, "alice", "hunter22", testIP); err != nil {
		t.Fatalf("login after lock expiry: %v", err)
	}
	if u := h.user(t, "alice"); u.AccountLocked || u.LoginAttempts != 0 {
		t.Fatalf("lock not cleared: %+v", u)
	}
}

// loginGate holds concurrent logins after they read the user until all of
// them have, and holds the success write until every failure is recorded.
type loginGate struct {
	*memstore.Store

	armed    atomic.Bool
	readers  sync.WaitGroup
	failures atomic.Int32
	want     int32
	recorded chan struct{}
}

func (g *loginGate) arm(readers, failures int) {
	g.readers.Add(readers)
	g.want = int32(failures)
	g.recorded = make(chan struct{})
	g.armed.Store(true)
}

func (g *loginGate) UserByUsername(ctx context.Context, username string) (*store.User, error) {
	u, err := g.Store.UserByUsername(ctx, username)
	if g.armed.Load() {
		g.readers.Done()
		g.readers.Wait()
	}
	return u, err
}

func (g *loginGate) RecordLoginFailure(ctx context.Context, id string, threshold int, now, lockUntil int64) (store.LoginState, error) {
	state, err := g.Store.RecordLoginFailure(ctx, id, threshold, now, lockUntil)
	if g.armed.Load() && g.failures.Add(1) == g.want {
		close(g.recorded)
	}
	return state, err
}

func (g *loginGate) RecordLoginSuccess(ctx context.Context, id string, now int64) (store.LoginState, error) {
	if g.armed.Load() {
		select {
		case <-g.recorded:
		case <-time.After(10 * time.Second):
			return store.LoginState{}, errors.New("failures never recorded")
		}
	}
	return g.Store.RecordLoginSuccess(ctx, id, now)
}

func TestConcurrentLoginsCannotOutrunLockout(t *testing.T) {
	gate := &loginGate{}
	h := newHarness(t, nil, func(b *Builder) { b.WithStore(gate) })
	gate.Store = h.store
	ctx := context.Background()
	h.verifiedUser(t, "alice", "hunter22")

	const wrong = 10
	gate.arm(wrong+1, wrong)

	var wg sync.WaitGroup
	errs := make(chan error, wrong)
	for i := 0; i < wrong; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Login(ctx, "alice", "wrong", testIP)
			errs <- err
		}()
	}
	var correctErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, correctErr = h.engine.Login(ctx, "alice", "hunter22", testIP)
	}()
	wg.Wait()
	close(errs)

	invalid, locked := 0, 0
	for err := range errs {
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			invalid++
		case errors.Is(err, ErrAccountLocked):
			locked++
		default:
			t.Fatalf("unexpected login error: %v", err)
		}
	}
	threshold := h.engine.config.Lockout.Threshold
	if invalid != threshold-1 || locked != wrong-threshold+1 {
		t.Fatalf("invalid=%d locked=%d, want %d and %d", invalid, locked, threshold-1, wrong-threshold+1)
	}
	if !errors.Is(correctErr, ErrAccountLocked) {
		t.Fatalf("correct password must not pass a lock applied mid-flight, got %v", correctErr)
	}
	if got := h.engine.MetricsSnapshot().Counters[MetricAccountLocked]; got != 1 {
		t.Fatalf("lock applied %d times, want 1", got)
	}

	u := h.user(t, "alice")
	wantUntil := h.clock.Now().Add(h.engine.config.Lockout.Duration).Unix()
	if !u.AccountLocked || u.LockedUntil != wantUntil || u.LoginAttempts != 0 {
		t.Fatalf("unexpected lock state: locked=%v until=%d attempts=%d", u.AccountLocked, u.LockedUntil, u.LoginAttempts)
	}
}

func TestLoginSuccessResetsAttempts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.verifiedUser(t, "alice", "hunter22")

	for i := 0; i < 3; i++ {
		_, _ = h.engine.Login(ctx, "alice", "wrong", testIP)
	}
	if _, err := h.engine.Login(ctx, "alice", "hunter22", testIP); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if u := h.user(t, "alice"); u.LoginAttempts != 0 {
		t.Fatalf("attempts not reset: %d", u.LoginAttempts)
	}
}

func TestLoginPurgesUnverifiedSessions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.verifiedUser(t, "alice", "hunter22")

	first, err := h.engine.Login(ctx, "alice", "hunter22", testIP)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := h.engine.Login(ctx, "alice", "hunter22", testIP); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, _, err := h.engine.ResolveSession(ctx, first.Token, testIP); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("earlier pending session should be gone, got %v", err)
	}
}

func TestSecretsNeverStoredInPlaintext(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	token := h.verifiedUser(t, "alice", "hunter22")
	backup := h.enableMFA(t, "alice", token)

	u := h.user(t, "alice")
	if u.PasswordHash == "hunter22" || !strings.HasPrefix(u.PasswordHash, "$argon2id$") {
		t.Fatalf("password not hashed: %q", u.PasswordHash)
	}
	for i, hash := range u.BackupCodes {
		if hash == backup[i] || !strings.HasPrefix(hash, "$argon2id$") {
			t.Fatalf("backup code %d not hashed", i)
		}
	}

	_, sess, err := h.engine.ResolveSession(ctx, token, testIP)
	if err != nil {
		t.Fatalf("ResolveSession: %v", err)
	}
	if strings.Contains(token, sess.SecretHash) || !strings.HasPrefix(sess.SecretHash, "$argon2id$") {
		t.Fatalf("session secret not hashed: %q", sess.SecretHash)
	}
}
