package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MrEthical07/phazeid/store"
)

func newUser(id, username, email string) *store.User {
	return &store.User{ID: id, Username: username, Email: email, PasswordHash: "h"}
}

func TestCreateUserUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.CreateUser(ctx, newUser("a", "alice", "a@example.com")); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	err := s.CreateUser(ctx, newUser("b", "alice", "b@example.com"))
	var dup *store.DuplicateError
	if !errors.As(err, &dup) || dup.Field != "username" {
		t.Fatalf("expected username duplicate, got %v", err)
	}
	err = s.CreateUser(ctx, newUser("c", "carol", "A@Example.com"))
	if !errors.As(err, &dup) || dup.Field != "email" {
		t.Fatalf("expected email duplicate, got %v", err)
	}
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatal("DuplicateError must match ErrDuplicate")
	}
}

func TestReturnedUsersAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.CreateUser(ctx, newUser("a", "alice", "a@example.com"))

	u, _ := s.UserByID(ctx, "a")
	u.Username = "mallory"
	again, _ := s.UserByID(ctx, "a")
	if again.Username != "alice" {
		t.Fatal("mutating a returned user must not affect the store")
	}
}

func TestUpdateUserGuard(t *testing.T) {
	ctx := context.Background()
	s := New()
	u := newUser("a", "alice", "a@example.com")
	u.LastPasswordChange = 1000
	_ = s.CreateUser(ctx, u)

	hash := "new"
	ok, err := s.UpdateUser(ctx, "a",
		store.Guard{Cooldown: store.CooldownPassword, NotAfter: 999},
		store.UserUpdate{PasswordHash: &hash})
	if err != nil || ok {
		t.Fatalf("cooldown guard should fail: ok=%v err=%v", ok, err)
	}

	ok, err = s.UpdateUser(ctx, "a",
		store.Guard{Cooldown: store.CooldownPassword, NotAfter: 1000},
		store.UserUpdate{PasswordHash: &hash})
	if err != nil || !ok {
		t.Fatalf("cooldown guard should hold: ok=%v err=%v", ok, err)
	}
}

func TestLockoutCycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.CreateUser(ctx, newUser("a", "alice", "a@example.com"))

	for i := 1; i < 5; i++ {
		f, err := s.RecordLoginFailure(ctx, "a", 5, 1000, 2000)
		if err != nil || f.Locked || f.Attempts != i {
			t.Fatalf("attempt %d: %+v %v", i, f, err)
		}
	}
	f, err := s.RecordLoginFailure(ctx, "a", 5, 1000, 2000)
	if err != nil || !f.Locked || !f.Tripped || f.LockedUntil != 2000 {
		t.Fatalf("fifth failure should lock: %+v %v", f, err)
	}
	u, _ := s.UserByID(ctx, "a")
	if u.LoginAttempts != 0 || !u.AccountLocked {
		t.Fatalf("lock must reset attempts: %+v", u)
	}

	// While locked, failures change nothing and keep the original expiry.
	f, err = s.RecordLoginFailure(ctx, "a", 5, 1500, 2500)
	if err != nil || !f.Locked || f.Tripped || f.LockedUntil != 2000 {
		t.Fatalf("failure while locked: %+v %v", f, err)
	}
	if u, _ := s.UserByID(ctx, "a"); u.LoginAttempts != 0 || u.LockedUntil != 2000 {
		t.Fatalf("locked failure must not write: %+v", u)
	}

	if f, _ := s.RecordLoginSuccess(ctx, "a", 1999); !f.Locked || f.LockedUntil != 2000 {
		t.Fatalf("success before expiry must report the lock: %+v", f)
	}
	if f, _ := s.RecordLoginSuccess(ctx, "a", 2000); f.Locked {
		t.Fatalf("success at expiry must clear the lock: %+v", f)
	}
	if u, _ := s.UserByID(ctx, "a"); u.AccountLocked || u.LockedUntil != 0 {
		t.Fatalf("lock not cleared: %+v", u)
	}
}

func TestFailureAfterExpiredLockStartsFresh(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.CreateUser(ctx, newUser("a", "alice", "a@example.com"))

	for i := 0; i < 5; i++ {
		_, _ = s.RecordLoginFailure(ctx, "a", 5, 1000, 2000)
	}
	f, err := s.RecordLoginFailure(ctx, "a", 5, 2001, 3000)
	if err != nil || f.Locked || f.Attempts != 1 {
		t.Fatalf("failure after expiry: %+v %v", f, err)
	}
	if u, _ := s.UserByID(ctx, "a"); u.AccountLocked {
		t.Fatalf("expired lock should be lifted: %+v", u)
	}
}

func TestConcurrentLoginFailuresLockOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.CreateUser(ctx, newUser("a", "alice", "a@example.com"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	tripped, locked := 0, 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := s.RecordLoginFailure(ctx, "a", 5, 1000, 2000)
			if err != nil || !f.Locked {
				return
			}
			mu.Lock()
			locked++
			if f.Tripped {
				tripped++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if tripped != 1 || locked != 8 {
		t.Fatalf("tripped=%d locked=%d, want 1 and 8", tripped, locked)
	}
	if u, _ := s.UserByID(ctx, "a"); u.LoginAttempts != 0 || u.LockedUntil != 2000 {
		t.Fatalf("unexpected state: %+v", u)
	}
}

func TestConsumeBackupCodeSingleUse(t *testing.T) {
	ctx := context.Background()
	s := New()
	u := newUser("a", "alice", "a@example.com")
	u.BackupCodes = []string{"h1", "h2"}
	_ = s.CreateUser(ctx, u)

	if ok, _ := s.ConsumeBackupCode(ctx, "a", "h1"); !ok {
		t.Fatal("first consume should succeed")
	}
	if ok, _ := s.ConsumeBackupCode(ctx, "a", "h1"); ok {
		t.Fatal("second consume must fail")
	}
	got, _ := s.UserByID(ctx, "a")
	if len(got.BackupCodes) != 1 || got.BackupCodes[0] != "h2" {
		t.Fatalf("unexpected remaining codes %v", got.BackupCodes)
	}
}

func TestReplaceCodeClearsThePair(t *testing.T) {
	ctx := context.Background()
	s := New()

	_ = s.ReplaceCode(ctx, &store.Code{ID: "r1", UserID: "u", AppID: "app", Refresh: true})
	_ = s.ReplaceCode(ctx, &store.Code{ID: "other", UserID: "u", AppID: "other-app"})
	_ = s.ReplaceCode(ctx, &store.Code{ID: "c1", UserID: "u", AppID: "app"})

	if _, err := s.CodeByID(ctx, "r1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("a new authorization code must drop the pair's refresh code")
	}
	if _, err := s.CodeByID(ctx, "other"); err != nil {
		t.Fatal("codes of other apps must survive")
	}

	_ = s.ReplaceCode(ctx, &store.Code{ID: "r2", UserID: "u", AppID: "app", Refresh: true})
	if _, err := s.CodeByID(ctx, "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("a new refresh code must drop the pair's authorization code")
	}

	if ok, _ := s.ConsumeCode(ctx, "r2"); !ok {
		t.Fatal("consume should succeed once")
	}
	if ok, _ := s.ConsumeCode(ctx, "r2"); ok {
		t.Fatal("consume must not succeed twice")
	}
}

func TestRevokeAllowedApp(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.CreateUser(ctx, newUser("a", "alice", "a@example.com"))

	_ = s.AddAllowedApp(ctx, "a", "app")
	_ = s.AddAllowedApp(ctx, "a", "app")
	u, _ := s.UserByID(ctx, "a")
	if len(u.AllowedApps) != 1 {
		t.Fatalf("allowed apps must be a set: %v", u.AllowedApps)
	}

	_ = s.RevokeAllowedApp(ctx, "a", "app")
	ids, _ := s.UsersPendingAppDeletion(ctx, "app")
	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("pending deletion = %v", ids)
	}
	u, _ = s.UserByID(ctx, "a")
	if len(u.AllowedApps) != 0 {
		t.Fatalf("app should be removed from allowed set: %v", u.AllowedApps)
	}
}

func TestSessionPurges(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.CreateSession(ctx, &store.Session{ID: "old", UserID: "u", ExpiresAt: 10, Valid: true})
	_ = s.CreateSession(ctx, &store.Session{ID: "pending", UserID: "u", ExpiresAt: 100})
	_ = s.CreateSession(ctx, &store.Session{ID: "live", UserID: "u", ExpiresAt: 100, Valid: true})

	if n, _ := s.DeleteExpiredSessions(ctx, "u", 50); n != 1 {
		t.Fatalf("expired purge removed %d", n)
	}
	if n, _ := s.DeleteUnverifiedSessions(ctx, "u"); n != 1 {
		t.Fatalf("unverified purge removed %d", n)
	}
	left, _ := s.UserSessions(ctx, "u")
	if len(left) != 1 || left[0].ID != "live" {
		t.Fatalf("unexpected sessions left: %v", left)
	}
}

func TestPurgedSessionsReadAsExpired(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.CreateSession(ctx, &store.Session{ID: "old", UserID: "u", ExpiresAt: 10, Valid: true})
	_ = s.CreateSession(ctx, &store.Session{ID: "pending", UserID: "u", ExpiresAt: 100})

	_, _ = s.DeleteExpiredSessions(ctx, "u", 50)
	_, _ = s.DeleteUnverifiedSessions(ctx, "u")

	if _, err := s.SessionByID(ctx, "old"); !errors.Is(err, store.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := s.SessionByID(ctx, "pending"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("explicitly removed session should be unknown, got %v", err)
	}
	_ = s.DeleteSession(ctx, "old")
	if _, err := s.SessionByID(ctx, "old"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("logout should forget the id, got %v", err)
	}
}
