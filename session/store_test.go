package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrEthical07/phazeid/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newSessionStoreTest(t *testing.T) (*Store, *redis.Client, *miniredis.Miniredis) {
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
	return NewStore(rdb, "pzs", time.Hour), rdb, mr
}

func testSession(id string, valid bool, expiresIn time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		UserID:     "u-1",
		SecretHash: "hash-" + id,
		CreatedAt:  now.Unix(),
		ExpiresAt:  now.Add(expiresIn).Unix(),
		Valid:      valid,
		Location:   store.Location{IP: "198.51.100.4", City: "Utrecht"},
	}
}

func TestCreateAndGetSession(t *testing.T) {
	s, _, _ := newSessionStoreTest(t)
	ctx := context.Background()
	in := testSession("sid-1", false, time.Hour)

	if err := s.CreateSession(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.SessionByID(ctx, "sid-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "sid-1" || got.UserID != in.UserID || got.SecretHash != in.SecretHash {
		t.Fatalf("unexpected session %+v", got)
	}
	if got.Location != in.Location || got.Valid {
		t.Fatalf("fields not round-tripped: %+v", got)
	}

	if _, err := s.SessionByID(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExpiredSessionStillReadableWithinRetention(t *testing.T) {
	s, _, _ := newSessionStoreTest(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("old", true, -time.Minute)); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.SessionByID(ctx, "old")
	if err != nil {
		t.Fatalf("expired record should be retained: %v", err)
	}
	if got.ExpiresAt >= time.Now().Unix() {
		t.Fatalf("expected an expired record, got %+v", got)
	}
}

func TestRetentionElapsesInRedis(t *testing.T) {
	s, _, mr := newSessionStoreTest(t)
	ctx := context.Background()

	_ = s.CreateSession(ctx, testSession("short", true, time.Minute))
	mr.FastForward(2 * time.Hour)

	if _, err := s.SessionByID(ctx, "short"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected key to expire after retention, got %v", err)
	}
	list, err := s.UserSessions(ctx, "u-1")
	if err != nil || len(list) != 0 {
		t.Fatalf("stale index should be pruned: %v %v", list, err)
	}
}

func TestPurgedExpiredSessionReportsExpired(t *testing.T) {
	s, _, _ := newSessionStoreTest(t)
	ctx := context.Background()

	_ = s.CreateSession(ctx, testSession("old", true, -time.Minute))
	_ = s.CreateSession(ctx, testSession("live", true, time.Hour))

	n, err := s.DeleteExpiredSessions(ctx, "u-1", time.Now().Unix())
	if err != nil || n != 1 {
		t.Fatalf("purge removed %d: %v", n, err)
	}
	if _, err := s.SessionByID(ctx, "old"); !errors.Is(err, store.ErrExpired) {
		t.Fatalf("purged session should report ErrExpired, got %v", err)
	}
	list, _ := s.UserSessions(ctx, "u-1")
	if len(list) != 1 || list[0].ID != "live" {
		t.Fatalf("purged session still listed: %+v", list)
	}
}

func TestExplicitDeleteForgetsSession(t *testing.T) {
	s, _, _ := newSessionStoreTest(t)
	ctx := context.Background()

	_ = s.CreateSession(ctx, testSession("a", true, time.Hour))
	_ = s.CreateSession(ctx, testSession("b", false, time.Hour))
	_ = s.CreateSession(ctx, testSession("c", true, -time.Minute))

	if err := s.DeleteSession(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.DeleteUnverifiedSessions(ctx, "u-1"); err != nil {
		t.Fatalf("delete unverified: %v", err)
	}
	if err := s.DeleteUserSessions(ctx, "u-1"); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.SessionByID(ctx, id); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound after an explicit delete, got %v", id, err)
		}
	}
}

func TestMarkSessionValid(t *testing.T) {
	s, _, mr := newSessionStoreTest(t)
	ctx := context.Background()
	_ = s.CreateSession(ctx, testSession("p", false, 15*time.Minute))

	expiry := time.Now().Add(30 * 24 * time.Hour).Unix()
	if err := s.MarkSessionValid(ctx, "p", expiry); err != nil {
		t.Fatalf("mark valid: %v", err)
	}
	got, _ := s.SessionByID(ctx, "p")
	if !got.Valid || got.ExpiresAt != expiry {
		t.Fatalf("promotion not persisted: %+v", got)
	}
	if ttl := mr.TTL("pzs:p"); ttl < 29*24*time.Hour {
		t.Fatalf("key TTL should follow the new expiry, got %v", ttl)
	}

	if err := s.MarkSessionValid(ctx, "missing", expiry); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteSessionIdempotentAndIndex(t *testing.T) {
	s, rdb, _ := newSessionStoreTest(t)
	ctx := context.Background()
	_ = s.CreateSession(ctx, testSession("sid-1", true, time.Hour))

	if err := s.DeleteSession(ctx, "sid-1"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := s.DeleteSession(ctx, "sid-1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	members, err := rdb.SMembers(ctx, s.userKey("u-1")).Result()
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected no user index members, got %v", members)
	}
}

func TestSelectivePurges(t *testing.T) {
	s, _, _ := newSessionStoreTest(t)
	ctx := context.Background()
	_ = s.CreateSession(ctx, testSession("expired", true, -time.Minute))
	_ = s.CreateSession(ctx, testSession("pending", false, 15*time.Minute))
	_ = s.CreateSession(ctx, testSession("live", true, time.Hour))

	n, err := s.DeleteExpiredSessions(ctx, "u-1", time.Now().Unix())
	if err != nil || n != 1 {
		t.Fatalf("expired purge: n=%d err=%v", n, err)
	}
	n, err = s.DeleteUnverifiedSessions(ctx, "u-1")
	if err != nil || n != 1 {
		t.Fatalf("unverified purge: n=%d err=%v", n, err)
	}

	left, err := s.UserSessions(ctx, "u-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 1 || left[0].ID != "live" {
		t.Fatalf("unexpected sessions left: %v", left)
	}
	if count, _ := s.ActiveSessionCount(ctx, "u-1"); count != 1 {
		t.Fatalf("expected index count 1, got %d", count)
	}
}

func TestDeleteUserSessions(t *testing.T) {
	s, _, _ := newSessionStoreTest(t)
	ctx := context.Background()
	_ = s.CreateSession(ctx, testSession("a", true, time.Hour))
	_ = s.CreateSession(ctx, testSession("b", false, time.Hour))

	if err := s.DeleteUserSessions(ctx, "u-1"); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if _, err := s.SessionByID(ctx, id); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("session %s survived logout-all: %v", id, err)
		}
	}
}

func TestCorruptBlobIsReported(t *testing.T) {
	s, rdb, _ := newSessionStoreTest(t)
	ctx := context.Background()
	_ = rdb.Set(ctx, s.key("bad"), []byte{9, 9, 9}, time.Hour).Err()

	if _, err := s.SessionByID(ctx, "bad"); !errors.Is(err, ErrCorruptSession) {
		t.Fatalf("expected ErrCorruptSession, got %v", err)
	}
	if err := s.DeleteSession(ctx, "bad"); err != nil {
		t.Fatalf("corrupt record should still be deletable: %v", err)
	}
}

func TestRedisDownIsWrapped(t *testing.T) {
	s, _, mr := newSessionStoreTest(t)
	mr.Close()

	err := s.CreateSession(context.Background(), testSession("x", true, time.Hour))
	if !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}
