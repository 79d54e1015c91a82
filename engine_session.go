package phazeid

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/phazeid/internal"
	"github.com/MrEthical07/phazeid/store"
	"go.uber.org/zap"
)

// SessionInfo is the client view of one session.
type SessionInfo struct {
	ID        string         `json:"id"`
	CreatedAt int64          `json:"created_on"`
	ExpiresAt int64          `json:"expires_on"`
	Location  store.Location `json:"loc"`
	Valid     bool           `json:"valid"`
	Current   bool           `json:"current"`
}

// IssueSession creates an unverified session for user and returns the raw
// token. Only the argon2id hash of the secret is persisted. A failed
// geolocation lookup is logged and the session records the IP alone.
func (e *Engine) IssueSession(ctx context.Context, user *store.User, ip string, ttl time.Duration) (string, *store.Session, error) {
	if e == nil {
		return "", nil, ErrEngineNotReady
	}

	secret, err := internal.NewSecret()
	if err != nil {
		return "", nil, err
	}
	hash, err := e.passwordHash.Hash(secret)
	if err != nil {
		return "", nil, err
	}

	loc := store.Location{IP: ip}
	if ip != "" {
		found, lookupErr := e.locator.Lookup(ctx, ip)
		if lookupErr != nil {
			e.logger.Warn("geolocation lookup failed", zap.String("user_id", user.ID), zap.Error(lookupErr))
		} else {
			loc = found
			loc.IP = ip
		}
	}

	now := e.now()
	sess := &store.Session{
		ID:         internal.NewID(),
		UserID:     user.ID,
		SecretHash: hash,
		CreatedAt:  now.Unix(),
		ExpiresAt:  now.Add(ttl).Unix(),
		Location:   loc,
		Valid:      false,
	}
	if err := e.sessions.CreateSession(ctx, sess); err != nil {
		return "", nil, unavailable(err)
	}

	e.metricInc(MetricSessionCreated)
	return internal.JoinToken(sess.ID, secret), sess, nil
}

// ResolveSession authenticates a session token and loads its user.
//
// Every rejection matches ErrSessionInvalid; the concrete [*SessionError]
// carries the reason. An expired token purges the user's expired sessions
// and keeps reporting SessionExpired for the session store's retention.
// When Session.BindIP is set, observedIP must equal the issuing IP.
func (e *Engine) ResolveSession(ctx context.Context, token, observedIP string) (*store.User, *store.Session, error) {
	if e == nil {
		return nil, nil, ErrEngineNotReady
	}

	id, secret, err := internal.SplitToken(token)
	if err != nil {
		return nil, nil, e.rejectSession(ctx, "", "", SessionNotFound)
	}

	sess, err := e.sessions.SessionByID(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, nil, e.rejectSession(ctx, "", id, SessionNotFound)
		case errors.Is(err, store.ErrExpired):
			e.metricInc(MetricSessionExpired)
			return nil, nil, e.rejectSession(ctx, "", id, SessionExpired)
		}
		return nil, nil, unavailable(err)
	}

	now := e.unixNow()
	if sess.ExpiresAt < now {
		if _, purgeErr := e.sessions.DeleteExpiredSessions(ctx, sess.UserID, now); purgeErr != nil {
			e.logger.Warn("purge expired sessions", zap.String("user_id", sess.UserID), zap.Error(purgeErr))
		}
		e.metricInc(MetricSessionExpired)
		return nil, nil, e.rejectSession(ctx, sess.UserID, sess.ID, SessionExpired)
	}

	if e.config.Session.BindIP && sess.Location.IP != observedIP {
		return nil, nil, e.rejectSession(ctx, sess.UserID, sess.ID, SessionIPMismatch)
	}

	ok, err := e.passwordHash.Verify(secret, sess.SecretHash)
	if err != nil || !ok {
		return nil, nil, e.rejectSession(ctx, sess.UserID, sess.ID, SessionSecretMismatch)
	}

	user, err := e.store.UserByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, e.rejectSession(ctx, sess.UserID, sess.ID, SessionNotFound)
		}
		return nil, nil, unavailable(err)
	}
	if deletionElapsed(user, now) {
		return nil, nil, e.rejectSession(ctx, user.ID, sess.ID, SessionNotFound)
	}

	return user, sess, nil
}

func (e *Engine) rejectSession(ctx context.Context, userID, sessionID string, reason SessionReason) error {
	err := &SessionError{Reason: reason}
	e.metricInc(MetricSessionRejected)
	e.emitAudit(ctx, auditEventSessionRejected, false, userID, sessionID, err, func() map[string]string {
		return map[string]string{"reason": string(reason)}
	})
	return err
}

// RequireVerified resolves the token and demands the VERIFIED state.
// Otherwise it returns a [*PendingVerificationError] naming the next step.
func (e *Engine) RequireVerified(ctx context.Context, token, ip string) (*store.User, *store.Session, error) {
	user, sess, err := e.ResolveSession(ctx, token, ip)
	if err != nil {
		return nil, nil, err
	}
	if v := VerifyState(user, sess); !v.Verified() {
		return nil, nil, &PendingVerificationError{Verification: v}
	}
	return user, sess, nil
}

// SessionState resolves the token and returns its verification state.
func (e *Engine) SessionState(ctx context.Context, token, ip string) (Verification, error) {
	user, sess, err := e.ResolveSession(ctx, token, ip)
	if err != nil {
		return Verification{}, err
	}
	return VerifyState(user, sess), nil
}

// promoteSession marks sess valid and extends it to the full session TTL.
func (e *Engine) promoteSession(ctx context.Context, sess *store.Session) error {
	expiresAt := e.now().Add(e.config.Session.TTL).Unix()
	if err := e.sessions.MarkSessionValid(ctx, sess.ID, expiresAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &SessionError{Reason: SessionNotFound}
		}
		return unavailable(err)
	}
	sess.Valid = true
	sess.ExpiresAt = expiresAt
	e.metricInc(MetricSessionPromoted)
	e.emitAudit(ctx, auditEventSessionPromoted, true, sess.UserID, sess.ID, nil, nil)
	return nil
}

// Logout deletes the session behind token. Logging out an invalid token
// succeeds.
func (e *Engine) Logout(ctx context.Context, token string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	id, _, err := internal.SplitToken(token)
	if err != nil {
		return nil
	}
	if err := e.sessions.DeleteSession(ctx, id); err != nil {
		return unavailable(err)
	}
	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogoutSession, true, "", id, nil, nil)
	return nil
}

// LogoutAll deletes every session of the user.
func (e *Engine) LogoutAll(ctx context.Context, userID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if err := e.sessions.DeleteUserSessions(ctx, userID); err != nil {
		return unavailable(err)
	}
	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, "", nil, nil)
	return nil
}

// ListSessions returns the caller's sessions oldest first. The caller must
// be verified.
func (e *Engine) ListSessions(ctx context.Context, token, ip string) ([]SessionInfo, error) {
	user, current, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return nil, err
	}
	list, err := e.sessions.UserSessions(ctx, user.ID)
	if err != nil {
		return nil, unavailable(err)
	}

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, SessionInfo{
			ID:        s.ID,
			CreatedAt: s.CreatedAt,
			ExpiresAt: s.ExpiresAt,
			Location:  s.Location,
			Valid:     s.Valid,
			Current:   s.ID == current.ID,
		})
	}
	return out, nil
}

// RevokeSession deletes one of the caller's other sessions.
func (e *Engine) RevokeSession(ctx context.Context, token, ip, sessionID string) error {
	user, _, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return err
	}
	target, err := e.sessions.SessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExpired) {
			return &SessionError{Reason: SessionNotFound}
		}
		return unavailable(err)
	}
	if target.UserID != user.ID {
		return &SessionError{Reason: SessionNotFound}
	}
	if err := e.sessions.DeleteSession(ctx, sessionID); err != nil {
		return unavailable(err)
	}
	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogoutSession, true, user.ID, sessionID, nil, nil)
	return nil
}

func deletionElapsed(user *store.User, now int64) bool {
	return user.DeletionFlaggedAfter != 0 && user.DeletionFlaggedAfter <= now
}
