package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MrEthical07/phazeid/store"
	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps every Redis transport failure.
var ErrRedisUnavailable = errors.New("redis unavailable")

// DefaultRetention is how long past its expiry a session id is still
// reported as expired rather than unknown.
const DefaultRetention = 2629800 * time.Second

// KEYS: blob, user index, expiry marker. ARGV: session id, "1" to drop the marker.
const deleteSessionScript = `
local existed = redis.call("EXISTS", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
if ARGV[2] == "1" then
  redis.call("DEL", KEYS[3])
end
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// Store is a Redis-backed implementation of store.Sessions. Each session is
// one binary blob keyed by ID; a per-user set indexes a user's sessions.
//
// Keys live until ExpiresAt plus the retention window. Expired records are
// therefore still returned by SessionByID and removed by
// DeleteExpiredSessions or by Redis once retention elapses.
//
// Every session also has a marker key with the same lifetime. Explicit
// deletes drop it; expiry purges keep it, so an id whose blob is gone but
// whose marker remains resolves to store.ErrExpired.
type Store struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

var _ store.Sessions = (*Store)(nil)

// NewStore creates a session [Store]. prefix namespaces the keys; a
// non-positive retention selects [DefaultRetention].
func NewStore(client redis.UniversalClient, prefix string, retention time.Duration) *Store {
	if prefix == "" {
		prefix = "pzs"
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{redis: client, prefix: prefix, retention: retention}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) userKey(userID string) string {
	return s.prefix + "u:" + userID
}

func (s *Store) markerKey(sessionID string) string {
	return s.prefix + "x:" + sessionID
}

func (s *Store) keyTTL(expiresAt int64) time.Duration {
	remaining := time.Until(time.Unix(expiresAt, 0))
	if remaining < 0 {
		remaining = 0
	}
	return remaining + s.retention
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
}

// CreateSession persists sess and indexes it under its user.
//
//	Performance: 1 MULTI/EXEC (SET + SET + SADD).
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		ttl := s.keyTTL(sess.ExpiresAt)
		pipe.Set(ctx, s.key(sess.ID), data, ttl)
		pipe.Set(ctx, s.markerKey(sess.ID), "1", ttl)
		pipe.SAdd(ctx, s.userKey(sess.UserID), sess.ID)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// SessionByID returns the stored record, expired or not. A purged expired
// session yields store.ErrExpired and an unknown ID store.ErrNotFound.
func (s *Store) SessionByID(ctx context.Context, id string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			return nil, unavailable(err)
		}
		n, err := s.redis.Exists(ctx, s.markerKey(id)).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		if n == 1 {
			return nil, store.ErrExpired
		}
		return nil, store.ErrNotFound
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, err
	}
	sess.ID = id
	return sess, nil
}

// UserSessions returns the user's stored sessions oldest first. Index
// members whose key is gone are pruned on the way.
func (s *Store) UserSessions(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable(err)
	}

	var (
		out   []*Session
		stale []any
	)
	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				stale = append(stale, ids[i])
				continue
			}
			return nil, unavailable(cmdErr)
		}
		sess, decErr := Decode(data)
		if decErr != nil {
			return nil, decErr
		}
		sess.ID = ids[i]
		out = append(out, sess)
	}

	if len(stale) > 0 {
		if err := s.redis.SRem(ctx, s.userKey(userID), stale...).Err(); err != nil {
			return nil, unavailable(err)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MarkSessionValid promotes a pending session and moves its expiry. The
// read-modify-write runs under WATCH so a concurrent delete wins.
func (s *Store) MarkSessionValid(ctx context.Context, id string, expiresAt int64) error {
	key := s.key(id)

	err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return store.ErrNotFound
			}
			return unavailable(err)
		}
		sess, err := Decode(data)
		if err != nil {
			return err
		}
		sess.Valid = true
		sess.ExpiresAt = expiresAt

		updated, err := Encode(sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			ttl := s.keyTTL(expiresAt)
			pipe.Set(ctx, key, updated, ttl)
			pipe.Set(ctx, s.markerKey(id), "1", ttl)
			return nil
		})
		if err != nil {
			if errors.Is(err, redis.TxFailedErr) {
				return store.ErrNotFound
			}
			return unavailable(err)
		}
		return nil
	}, key)

	return err
}

// DeleteSession removes one session and its index entry. Deleting an
// unknown ID is a no-op.
//
//	Performance: 1 Lua EVALSHA.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.SessionByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if !errors.Is(err, ErrCorruptSession) && !errors.Is(err, store.ErrExpired) {
			return err
		}
		return s.deleteKey(ctx, id)
	}
	_, err = s.deleteScript(ctx, sess.UserID, id, true)
	return err
}

// DeleteUserSessions removes every session of the user.
//
// The member list is read before the delete, so a session created between
// the two steps survives. Logout-all callers accept that window.
func (s *Store) DeleteUserSessions(ctx context.Context, userID string) error {
	userKey := s.userKey(userID)
	ids, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return unavailable(err)
	}

	keys := make([]string, 0, 2*len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.key(id), s.markerKey(id))
	}
	keys = append(keys, userKey)

	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// DeleteExpiredSessions removes the user's sessions that expired before now
// and keeps their expiry markers.
func (s *Store) DeleteExpiredSessions(ctx context.Context, userID string, now int64) (int, error) {
	return s.deleteWhere(ctx, userID, false, func(sess *Session) bool {
		return sess.ExpiresAt < now
	})
}

// DeleteUnverifiedSessions removes the user's sessions that were never
// promoted.
func (s *Store) DeleteUnverifiedSessions(ctx context.Context, userID string) (int, error) {
	return s.deleteWhere(ctx, userID, true, func(sess *Session) bool {
		return !sess.Valid
	})
}

// ActiveSessionCount returns the number of indexed sessions for a user.
func (s *Store) ActiveSessionCount(ctx context.Context, userID string) (int, error) {
	count, err := s.redis.SCard(ctx, s.userKey(userID)).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(count), nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), unavailable(err)
	}
	return time.Since(start), nil
}

func (s *Store) deleteWhere(ctx context.Context, userID string, dropMarker bool, match func(*Session) bool) (int, error) {
	sessions, err := s.UserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, sess := range sessions {
		if !match(sess) {
			continue
		}
		existed, err := s.deleteScript(ctx, userID, sess.ID, dropMarker)
		if err != nil {
			return removed, err
		}
		if existed {
			removed++
		}
	}
	return removed, nil
}

func (s *Store) deleteScript(ctx context.Context, userID, sessionID string, dropMarker bool) (bool, error) {
	drop := "0"
	if dropMarker {
		drop = "1"
	}
	keys := []string{s.key(sessionID), s.userKey(userID), s.markerKey(sessionID)}
	n, err := deleteSessionLua.Run(ctx, s.redis, keys, sessionID, drop).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}

func (s *Store) deleteKey(ctx context.Context, sessionID string) error {
	if err := s.redis.Del(ctx, s.key(sessionID), s.markerKey(sessionID)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}
