// Package memstore is an in-process implementation of the phazeid store
// interfaces. All operations run under one mutex, which makes every
// conditional write atomic.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/MrEthical07/phazeid/store"
)

// Store implements store.Store and store.Sessions.
type Store struct {
	mu       sync.Mutex
	users    map[string]*store.User
	sessions map[string]*store.Session
	expired  map[string]struct{}
	apps     map[string]*store.App
	codes    map[string]*store.Code
	grants   map[string]*store.Grant
}

var (
	_ store.Store    = (*Store)(nil)
	_ store.Sessions = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:    make(map[string]*store.User),
		sessions: make(map[string]*store.Session),
		expired:  make(map[string]struct{}),
		apps:     make(map[string]*store.App),
		codes:    make(map[string]*store.Code),
		grants:   make(map[string]*store.Grant),
	}
}

/* ==== USERS ==== */

func (s *Store) CreateUser(_ context.Context, u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return &store.DuplicateError{Field: "_id"}
	}
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return &store.DuplicateError{Field: "username"}
		}
		if strings.EqualFold(existing.Email, u.Email) {
			return &store.DuplicateError{Field: "email"}
		}
	}
	s.users[u.ID] = u.Clone()
	return nil
}

func (s *Store) UserByID(_ context.Context, id string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u.Clone(), nil
}

func (s *Store) UserByUsername(_ context.Context, username string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return u.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UserByEmail(_ context.Context, email string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return u.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateUser(_ context.Context, id string, guard store.Guard, update store.UserUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok || !guard.Holds(u) {
		return false, nil
	}
	for otherID, other := range s.users {
		if otherID == id {
			continue
		}
		if update.Username != nil && other.Username == *update.Username {
			return false, &store.DuplicateError{Field: "username"}
		}
		if update.Email != nil && strings.EqualFold(other.Email, *update.Email) {
			return false, &store.DuplicateError{Field: "email"}
		}
	}
	update.Apply(u)
	return true, nil
}

func (s *Store) RecordLoginFailure(_ context.Context, id string, threshold int, now, lockUntil int64) (store.LoginState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return store.LoginState{}, store.ErrNotFound
	}
	if u.AccountLocked && u.LockedUntil > now {
		return store.LoginState{Locked: true, LockedUntil: u.LockedUntil}, nil
	}
	u.AccountLocked = false
	u.LockedUntil = 0
	u.LoginAttempts++
	if u.LoginAttempts >= threshold {
		u.AccountLocked = true
		u.LockedUntil = lockUntil
		u.LoginAttempts = 0
		return store.LoginState{Locked: true, LockedUntil: lockUntil, Tripped: true}, nil
	}
	return store.LoginState{Attempts: u.LoginAttempts}, nil
}

func (s *Store) RecordLoginSuccess(_ context.Context, id string, now int64) (store.LoginState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return store.LoginState{}, store.ErrNotFound
	}
	if u.AccountLocked && u.LockedUntil > now {
		return store.LoginState{Locked: true, LockedUntil: u.LockedUntil}, nil
	}
	u.AccountLocked = false
	u.LockedUntil = 0
	u.LoginAttempts = 0
	return store.LoginState{}, nil
}

func (s *Store) ConsumeBackupCode(_ context.Context, id, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return false, store.ErrNotFound
	}
	for i, h := range u.BackupCodes {
		if h == hash {
			u.BackupCodes = append(u.BackupCodes[:i:i], u.BackupCodes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) AddAllowedApp(_ context.Context, id, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.AllowedApps = addToSet(u.AllowedApps, appID)
	return nil
}

func (s *Store) RevokeAllowedApp(_ context.Context, id, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.AllowedApps = pull(u.AllowedApps, appID)
	u.AppsToDeleteData = addToSet(u.AppsToDeleteData, appID)
	return nil
}

func (s *Store) UsersPendingAppDeletion(_ context.Context, appID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, u := range s.users {
		for _, a := range u.AppsToDeleteData {
			if a == appID {
				out = append(out, u.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) SetLinkedSecret(_ context.Context, id, name string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	if blob == nil {
		delete(u.LinkedSecrets, name)
		return nil
	}
	if u.LinkedSecrets == nil {
		u.LinkedSecrets = make(map[string][]byte)
	}
	u.LinkedSecrets[name] = append([]byte(nil), blob...)
	return nil
}

/* ==== SESSIONS ==== */

func (s *Store) CreateSession(_ context.Context, sess *store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return &store.DuplicateError{Field: "_id"}
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *Store) SessionByID(_ context.Context, id string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		if _, gone := s.expired[id]; gone {
			return nil, store.ErrExpired
		}
		return nil, store.ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *Store) UserSessions(_ context.Context, userID string) ([]*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *Store) MarkSessionValid(_ context.Context, id string, expiresAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.Valid = true
	sess.ExpiresAt = expiresAt
	return nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.expired, id)
	return nil
}

func (s *Store) DeleteUserSessions(_ context.Context, userID string) error {
	s.deleteSessionsWhere(false, func(sess *store.Session) bool { return sess.UserID == userID })
	return nil
}

func (s *Store) DeleteExpiredSessions(_ context.Context, userID string, now int64) (int, error) {
	return s.deleteSessionsWhere(true, func(sess *store.Session) bool {
		return sess.UserID == userID && sess.ExpiresAt < now
	}), nil
}

func (s *Store) DeleteUnverifiedSessions(_ context.Context, userID string) (int, error) {
	return s.deleteSessionsWhere(false, func(sess *store.Session) bool {
		return sess.UserID == userID && !sess.Valid
	}), nil
}

// deleteSessionsWhere removes matching sessions. Expired ones are
// remembered so SessionByID keeps reporting them as expired.
func (s *Store) deleteSessionsWhere(remember bool, match func(*store.Session) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if match(sess) {
			delete(s.sessions, id)
			if remember {
				s.expired[id] = struct{}{}
			}
			n++
		}
	}
	return n
}

/* ==== APPS ==== */

func (s *Store) CreateApp(_ context.Context, a *store.App) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[a.ID]; ok {
		return &store.DuplicateError{Field: "_id"}
	}
	s.apps[a.ID] = a.Clone()
	return nil
}

func (s *Store) AppByID(_ context.Context, id string) (*store.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a.Clone(), nil
}

func (s *Store) AppsByOwner(_ context.Context, ownerID string) ([]*store.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.App
	for _, a := range s.apps {
		if a.OwnerID == ownerID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

/* ==== CODES ==== */

func (s *Store) ReplaceCode(_ context.Context, c *store.Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.codes {
		if existing.UserID == c.UserID && existing.AppID == c.AppID {
			delete(s.codes, id)
		}
	}
	s.codes[c.ID] = c.Clone()
	return nil
}

func (s *Store) CodeByID(_ context.Context, id string) (*store.Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Store) ConsumeCode(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[id]; !ok {
		return false, nil
	}
	delete(s.codes, id)
	return true, nil
}

func (s *Store) DeleteUserAppCodes(_ context.Context, userID, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.codes {
		if c.UserID == userID && c.AppID == appID {
			delete(s.codes, id)
		}
	}
	return nil
}

func (s *Store) DeleteUserCodes(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.codes {
		if c.UserID == userID {
			delete(s.codes, id)
		}
	}
	return nil
}

/* ==== GRANTS ==== */

func (s *Store) ReplaceGrant(_ context.Context, g *store.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.grants {
		if existing.UserID == g.UserID && existing.AppID == g.AppID {
			delete(s.grants, id)
		}
	}
	s.grants[g.ID] = g.Clone()
	return nil
}

func (s *Store) GrantByID(_ context.Context, id string) (*store.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return g.Clone(), nil
}

func (s *Store) UserGrants(_ context.Context, userID string) ([]*store.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Grant
	for _, g := range s.grants {
		if g.UserID == userID {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *Store) DeleteGrant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, id)
	return nil
}

func (s *Store) DeleteUserAppGrants(_ context.Context, userID, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, g := range s.grants {
		if g.UserID == userID && g.AppID == appID {
			delete(s.grants, id)
		}
	}
	return nil
}

func (s *Store) DeleteUserGrants(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, g := range s.grants {
		if g.UserID == userID {
			delete(s.grants, id)
		}
	}
	return nil
}

func addToSet(set []string, v string) []string {
	for _, s := range set {
		if s == v {
			return set
		}
	}
	return append(set, v)
}

func pull(set []string, v string) []string {
	out := set[:0:0]
	for _, s := range set {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
