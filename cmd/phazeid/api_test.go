package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/phazeid"
	"github.com/MrEthical07/phazeid/challenge"
	"github.com/MrEthical07/phazeid/middleware"
	"github.com/MrEthical07/phazeid/store/memstore"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const (
	clientIP = "198.51.100.4"
	origin   = "https://id.phazed.xyz"
)

type server struct {
	engine  *phazeid.Engine
	store   *memstore.Store
	handler http.Handler
}

func newServer(t *testing.T, extra ...func(*phazeid.Builder)) *server {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := phazeid.DefaultConfig()
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	st := memstore.New()
	b := phazeid.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithStore(st).
		WithChallenge(challenge.Static(true))
	for _, fn := range extra {
		fn(b)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)

	h, err := newRouter(engine, routerOptions{AllowedOrigins: []string{origin}})
	if err != nil {
		t.Fatalf("newRouter: %v", err)
	}
	return &server{engine: engine, store: st, handler: h}
}

func (s *server) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = clientIP + ":4242"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: token})
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *server) signup(t *testing.T) string {
	t.Helper()
	res, err := s.engine.Signup(context.Background(), "alice", "hunter22", "alice@example.com", clientIP)
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	return res.Token
}

func TestStatusRoute(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodGet, "/api/v1/status", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["store"] != true || body["sessions"] != true {
		t.Fatalf("unexpected health %v", body)
	}
}

func TestEmailVerificationOverHTTP(t *testing.T) {
	s := newServer(t)
	token := s.signup(t)

	rec := s.do(http.MethodGet, "/api/v1/verification", token, "")
	var v phazeid.Verification
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil || v.State != phazeid.StateUnverifiedEmail {
		t.Fatalf("verification = %+v (%v), body %s", v, err, rec.Body)
	}

	if rec := s.do(http.MethodGet, "/api/v1/profile", token, ""); rec.Code != http.StatusForbidden || !strings.Contains(rec.Body.String(), "VERIFY_EMAIL") {
		t.Fatalf("profile before verification: %d %s", rec.Code, rec.Body)
	}
	if rec := s.do(http.MethodPost, "/api/v1/verification/verify_email", token, `{"code":"000000"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a wrong code, got %d", rec.Code)
	}

	u, err := s.store.UserByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("UserByUsername: %v", err)
	}
	rec = s.do(http.MethodPost, "/api/v1/verification/verify_email", token, `{"code":"`+u.EmailVerificationCode+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify_email: %d %s", rec.Code, rec.Body)
	}

	rec = s.do(http.MethodGet, "/api/v1/profile", token, "")
	var p phazeid.Profile
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil || p.Username != "alice" {
		t.Fatalf("profile = %+v (%v)", p, err)
	}
}

func TestVerifyEmailThrottledOverHTTP(t *testing.T) {
	s := newServer(t)
	token := s.signup(t)
	for i := 0; i < phazeid.DefaultConfig().Verify.MaxAttempts; i++ {
		if rec := s.do(http.MethodPost, "/api/v1/verification/verify_email", token, `{"code":"000000"}`); rec.Code != http.StatusBadRequest {
			t.Fatalf("attempt %d: expected 400, got %d %s", i, rec.Code, rec.Body)
		}
	}

	u, err := s.store.UserByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("UserByUsername: %v", err)
	}
	rec := s.do(http.MethodPost, "/api/v1/verification/verify_email", token, `{"code":"`+u.EmailVerificationCode+`"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d %s", rec.Code, rec.Body)
	}
}

func TestRejectedSessionsLookAlike(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Now()
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := newServer(t, func(b *phazeid.Builder) { b.WithClock(clock) })
	token := s.signup(t)

	last := token[len(token)-1:]
	flipped := "a"
	if last == "a" {
		flipped = "b"
	}
	wrongSecret := token[:len(token)-1] + flipped
	unknownID := strings.Repeat("f", 24) + token[24:]

	check := func(name, tok string) {
		t.Helper()
		for path, want := range map[string]string{
			"/api/v1/verification":     `{"error":"invalid session"}`,
			"/api/v1/account/sessions": "unauthorized",
		} {
			rec := s.do(http.MethodGet, path, tok, "")
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("%s %s: expected 401, got %d", name, path, rec.Code)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != want {
				t.Fatalf("%s %s: body %q, want %q", name, path, got, want)
			}
		}
	}
	check("wrong secret", wrongSecret)
	check("unknown id", unknownID)

	mu.Lock()
	now = now.Add(90 * 24 * time.Hour)
	mu.Unlock()
	check("expired", token)
}

func TestAccountRoutesNeedVerifiedSession(t *testing.T) {
	s := newServer(t)
	token := s.signup(t)

	if rec := s.do(http.MethodGet, "/api/v1/account/sessions", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a session, got %d", rec.Code)
	}
	if rec := s.do(http.MethodGet, "/api/v1/account/sessions", token, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a pending session, got %d", rec.Code)
	}
}

func TestChangeUsernameCooldownOverHTTP(t *testing.T) {
	s := newServer(t)
	token := s.signup(t)
	u, _ := s.store.UserByUsername(context.Background(), "alice")
	if _, err := s.engine.VerifyEmail(context.Background(), token, clientIP, u.EmailVerificationCode); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}

	body := `{"username":"alicia","token":"captcha"}`
	if rec := s.do(http.MethodPut, "/api/v1/account/change_username", token, body); rec.Code != http.StatusNoContent {
		t.Fatalf("change_username: %d %s", rec.Code, rec.Body)
	}
	rec := s.do(http.MethodPut, "/api/v1/account/change_username", token, `{"username":"alison","token":"captcha"}`)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d %v", rec.Code, rec.Header())
	}
	if rec := s.do(http.MethodPut, "/api/v1/account/change_username", token, `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed body, got %d", rec.Code)
	}
}

func TestTokenRouteRejectsUnknownCode(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodGet, "/api/v1/oauth/token?grant_type=authorization_code&client_id=x&redirect_uri=y&code=z", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] != phazeid.ErrOAuthCodeInvalid.Error() {
		t.Fatalf("unexpected body %s", rec.Body)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/status", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != origin {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("Access-Control-Allow-Credentials = %q", got)
	}
}

func TestMetricsRoute(t *testing.T) {
	s := newServer(t)
	s.signup(t)

	rec := s.do(http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "phazeid_signup_success_total 1") {
		t.Fatalf("metrics: %d %s", rec.Code, rec.Body)
	}
}

func TestUnknownRoute(t *testing.T) {
	s := newServer(t)
	if rec := s.do(http.MethodGet, "/api/v2/nope", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&phazeid.ValidationError{Field: "username"}, http.StatusBadRequest},
		{&phazeid.SessionError{Reason: phazeid.SessionExpired}, http.StatusUnauthorized},
		{&phazeid.OAuthError{Reason: "redirect"}, http.StatusBadRequest},
		{phazeid.ErrPermissionDenied, http.StatusForbidden},
		{phazeid.ErrEmailTaken, http.StatusConflict},
		{&phazeid.LockoutError{Until: 1}, http.StatusTooManyRequests},
		{phazeid.ErrLinkedSecretNotFound, http.StatusNotFound},
		{phazeid.ErrVaultUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("PHAZEID_DEV", "true")
	t.Setenv("REDIS_ADDRS", "r1:6379,r2:6379")
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Port != 8080 || cfg.SessionBackend != "redis" || len(cfg.Redis.Addrs) != 2 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://id.phazed.xyz" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	engineCfg := cfg.engineConfig()
	if err := engineCfg.Validate(); err != nil {
		t.Fatalf("engine config invalid: %v", err)
	}

	t.Setenv("PHAZEID_SESSION_BACKEND", "sqlite")
	if _, err := loadConfig(); err == nil || !strings.Contains(err.Error(), "PHAZEID_SESSION_BACKEND") {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestLoadConfigNeedsCaptchaOutsideDev(t *testing.T) {
	t.Setenv("PHAZEID_DEV", "false")
	t.Setenv("TURNSTILE_SECRET", "")
	if _, err := loadConfig(); err == nil || !strings.Contains(err.Error(), "TURNSTILE_SECRET") {
		t.Fatalf("expected captcha error, got %v", err)
	}
}

func TestVaultSettingsSealMFASecrets(t *testing.T) {
	cfg := serverConfig{Vault: vaultConfig{Secret: "root", Salt: "salt"}, DeploymentName: "PhazeID"}
	engineCfg := cfg.engineConfig()
	if !engineCfg.MFA.EncryptSecrets || string(engineCfg.Vault.RootSecret) != "root" {
		t.Fatalf("vault not applied: %+v", engineCfg.Vault)
	}
}
