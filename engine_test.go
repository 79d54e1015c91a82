package phazeid

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/phazeid/challenge"
	"github.com/MrEthical07/phazeid/notify"
	"github.com/MrEthical07/phazeid/store"
	"github.com/MrEthical07/phazeid/store/memstore"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testIP = "203.0.113.7"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type mailbox struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (m *mailbox) Send(_ context.Context, msg notify.Message) error {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	return nil
}

func (m *mailbox) last() (notify.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return notify.Message{}, false
	}
	return m.sent[len(m.sent)-1], true
}

func (m *mailbox) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type harness struct {
	engine *Engine
	store  *memstore.Store
	redis  *miniredis.Miniredis
	clock  *testClock
	mail   *mailbox
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Vault.RootSecret = []byte("test-root-secret-0123456789abcdef")
	cfg.Vault.Salt = []byte("test-salt")
	return cfg
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newHarness(t *testing.T, mutate func(*Config), extra ...func(*Builder)) *harness {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	mr, rdb := newTestRedis(t)
	h := &harness{
		store: memstore.New(),
		redis: mr,
		clock: newTestClock(),
		mail:  &mailbox{},
	}
	b := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithStore(h.store).
		WithMailer(h.mail).
		WithChallenge(challenge.Static(true)).
		WithClock(h.clock.Now)
	for _, fn := range extra {
		fn(b)
	}

	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	h.engine = engine
	return h
}

func (h *harness) user(t *testing.T, username string) *store.User {
	t.Helper()
	u, err := h.store.UserByUsername(context.Background(), username)
	if err != nil {
		t.Fatalf("UserByUsername(%q): %v", username, err)
	}
	return u
}

// signup creates an account and returns its unverified session token.
func (h *harness) signup(t *testing.T, username, password string) string {
	t.Helper()
	res, err := h.engine.Signup(context.Background(), username, password, username+"@example.com", testIP)
	if err != nil {
		t.Fatalf("Signup(%q): %v", username, err)
	}
	return res.Token
}

// verifiedUser creates an account with a verified email and returns a
// VERIFIED session token.
func (h *harness) verifiedUser(t *testing.T, username, password string) string {
	t.Helper()
	token := h.signup(t, username, password)
	code := h.user(t, username).EmailVerificationCode
	v, err := h.engine.VerifyEmail(context.Background(), token, testIP, code)
	if err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	if !v.Verified() {
		t.Fatalf("expected verified session, got %+v", v)
	}
	return token
}

// totpCode returns the current code for the user's stored MFA secret.
func (h *harness) totpCode(t *testing.T, username string) string {
	t.Helper()
	u := h.user(t, username)
	secret, err := h.engine.openMFASecret(u.ID, u.MFASecret)
	if err != nil {
		t.Fatalf("openMFASecret: %v", err)
	}
	code, err := h.engine.totp.code(secret, h.clock.Now())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	return code
}

// enableMFA enrolls the user and returns the backup codes. The clock is
// moved one period on so the enrollment code cannot be replayed.
func (h *harness) enableMFA(t *testing.T, username, token string) []string {
	t.Helper()
	ctx := context.Background()
	if _, err := h.engine.BeginMFAEnrollment(ctx, token, testIP); err != nil {
		t.Fatalf("BeginMFAEnrollment: %v", err)
	}
	codes, err := h.engine.ConfirmMFAEnrollment(ctx, token, testIP, h.totpCode(t, username))
	if err != nil {
		t.Fatalf("ConfirmMFAEnrollment: %v", err)
	}
	h.clock.Advance(time.Duration(h.engine.config.MFA.Period) * time.Second)
	return codes
}
