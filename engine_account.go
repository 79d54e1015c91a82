package phazeid

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/MrEthical07/phazeid/internal"
	"github.com/MrEthical07/phazeid/internal/limiters"
	"github.com/MrEthical07/phazeid/notify"
	"github.com/MrEthical07/phazeid/store"
	"go.uber.org/zap"
)

const maxAvatarKeyLength = 256

// Profile is the account view returned to a verified session.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Avatar   string `json:"avatar"`
	HasMFA   bool   `json:"has_mfa,omitempty"`
}

// DeletionState reports a scheduled account deletion. TimeLeft is -1 when
// nothing is scheduled.
type DeletionState struct {
	Scheduled bool  `json:"is_deleting"`
	TimeLeft  int64 `json:"time_left"`
}

// Profile returns the caller's account view.
func (e *Engine) Profile(ctx context.Context, token, ip string) (*Profile, error) {
	user, _, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return nil, err
	}
	return profileOf(user), nil
}

func profileOf(u *store.User) *Profile {
	return &Profile{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
		Avatar:   u.Avatar,
		HasMFA:   u.HasMFA,
	}
}

// ChangeUsername renames the caller. It needs a passing challenge and is
// limited by the username cooldown.
func (e *Engine) ChangeUsername(ctx context.Context, token, ip, username, challengeToken string) error {
	user, sess, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return err
	}
	if err := e.checkUsername(username); err != nil {
		return err
	}
	if !CooldownElapsed(user.LastUsernameChange, e.config.Cooldown.Username, e.now()) {
		return e.cooldownRejected(ctx, user.ID, "username", user.LastUsernameChange, e.config.Cooldown.Username)
	}
	if err := e.verifyChallenge(ctx, challengeToken, ip); err != nil {
		return err
	}

	if _, err := e.store.UserByUsername(ctx, username); err == nil {
		return ErrUsernameTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return unavailable(err)
	}

	stamp := e.unixNow()
	ok, err := e.store.UpdateUser(ctx, user.ID, e.cooldownGuard(store.CooldownUsername, e.config.Cooldown.Username), store.UserUpdate{
		Username:           &username,
		LastUsernameChange: &stamp,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return ErrUsernameTaken
		}
		return unavailable(err)
	}
	if !ok {
		return e.cooldownRejected(ctx, user.ID, "username", stamp, e.config.Cooldown.Username)
	}

	e.emitAudit(ctx, auditEventUsernameChanged, true, user.ID, sess.ID, nil, nil)
	return nil
}

// ChangeEmail stores a pending address and mails a confirmation code to
// the current one. The address changes on VerifyEmailChange.
func (e *Engine) ChangeEmail(ctx context.Context, token, ip, email, challengeToken string) error {
	user, sess, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return err
	}
	if err := e.checkEmailLength(email); err != nil {
		return err
	}
	if !ValidEmail(email) {
		return ErrInvalidEmail
	}
	email = normalizeEmail(email)

	if !CooldownElapsed(user.LastEmailChange, e.config.Cooldown.Email, e.now()) {
		return e.cooldownRejected(ctx, user.ID, "email", user.LastEmailChange, e.config.Cooldown.Email)
	}
	if err := e.verifyChallenge(ctx, challengeToken, ip); err != nil {
		return err
	}

	if _, err := e.store.UserByEmail(ctx, email); err == nil {
		return ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return unavailable(err)
	}

	code, err := internal.RandomAlphanumeric(e.config.Account.VerificationCodeLength)
	if err != nil {
		return err
	}
	stamp := e.unixNow()
	ok, err := e.store.UpdateUser(ctx, user.ID, e.cooldownGuard(store.CooldownEmail, e.config.Cooldown.Email), store.UserUpdate{
		PendingEmail:    &store.PendingEmail{Email: email, Code: code},
		LastEmailChange: &stamp,
	})
	if err != nil {
		return unavailable(err)
	}
	if !ok {
		return e.cooldownRejected(ctx, user.ID, "email", stamp, e.config.Cooldown.Email)
	}

	e.emitAudit(ctx, auditEventEmailChangeRequested, true, user.ID, sess.ID, nil, nil)
	e.sendMail(ctx, notify.EmailChange, user, notify.Data{Code: code})
	return nil
}

// VerifyEmailChange applies a pending email change when code matches.
func (e *Engine) VerifyEmailChange(ctx context.Context, token, ip, code string) error {
	user, sess, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return err
	}
	if err := e.checkVerifyAttempt(ctx, limiters.PurposeEmailChange, user.ID, ip); err != nil {
		return err
	}
	pending := user.PendingEmail
	if pending == nil || pending.Email == "" || code == "" ||
		subtle.ConstantTimeCompare([]byte(code), []byte(pending.Code)) != 1 {
		e.emitAudit(ctx, auditEventEmailVerifyFailure, false, user.ID, sess.ID, ErrVerificationCodeInvalid, nil)
		return e.verifyFailed(ctx, limiters.PurposeEmailChange, ip)
	}

	verified := true
	ok, err := e.store.UpdateUser(ctx, user.ID, store.Guard{PendingEmailCode: &pending.Code}, store.UserUpdate{
		Email:             &pending.Email,
		EmailVerified:     &verified,
		ClearPendingEmail: true,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return ErrEmailTaken
		}
		return unavailable(err)
	}
	if !ok {
		return ErrVerificationCodeInvalid
	}
	e.resetVerifyAttempts(ctx, limiters.PurposeEmailChange, user.ID)

	e.emitAudit(ctx, auditEventEmailChanged, true, user.ID, sess.ID, nil, nil)
	return nil
}

// ChangeAvatar records a new avatar object key. Uploading the object is
// the caller's concern.
func (e *Engine) ChangeAvatar(ctx context.Context, token, ip, key string) error {
	user, sess, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return err
	}
	if key == "" || len(key) > maxAvatarKeyLength {
		return &ValidationError{Field: "avatar", Reason: "length"}
	}
	if !CooldownElapsed(user.LastAvatarChange, e.config.Cooldown.Avatar, e.now()) {
		return e.cooldownRejected(ctx, user.ID, "avatar", user.LastAvatarChange, e.config.Cooldown.Avatar)
	}

	stamp := e.unixNow()
	ok, err := e.store.UpdateUser(ctx, user.ID, e.cooldownGuard(store.CooldownAvatar, e.config.Cooldown.Avatar), store.UserUpdate{
		Avatar:           &key,
		LastAvatarChange: &stamp,
	})
	if err != nil {
		return unavailable(err)
	}
	if !ok {
		return e.cooldownRejected(ctx, user.ID, "avatar", stamp, e.config.Cooldown.Avatar)
	}

	e.emitAudit(ctx, auditEventAvatarChanged, true, user.ID, sess.ID, nil, nil)
	return nil
}

// ScheduleDeletion flags the caller's account for deletion after the grace
// period and ends every browser and OAuth session.
func (e *Engine) ScheduleDeletion(ctx context.Context, token, ip string) error {
	user, sess, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return err
	}

	after := e.now().Add(e.config.Account.DeletionGrace).Unix()
	if _, err := e.store.UpdateUser(ctx, user.ID, store.Guard{}, store.UserUpdate{DeletionFlaggedAfter: &after}); err != nil {
		return unavailable(err)
	}
	if err := e.sessions.DeleteUserSessions(ctx, user.ID); err != nil {
		return unavailable(err)
	}
	if err := e.store.DeleteUserGrants(ctx, user.ID); err != nil {
		return unavailable(err)
	}

	e.metricInc(MetricDeletionScheduled)
	e.emitAudit(ctx, auditEventDeletionScheduled, true, user.ID, sess.ID, nil, nil)
	e.sendMail(ctx, notify.DeletionScheduled, user, notify.Data{})
	return nil
}

// RestoreAccount cancels a scheduled deletion that has not taken effect.
func (e *Engine) RestoreAccount(ctx context.Context, token, ip string) error {
	user, sess, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return err
	}
	if user.DeletionFlaggedAfter == 0 {
		return ErrDeletionNotScheduled
	}
	if deletionElapsed(user, e.unixNow()) {
		return ErrAccountDeleted
	}

	var zero int64
	if _, err := e.store.UpdateUser(ctx, user.ID, store.Guard{}, store.UserUpdate{DeletionFlaggedAfter: &zero}); err != nil {
		return unavailable(err)
	}

	e.metricInc(MetricAccountRestored)
	e.emitAudit(ctx, auditEventAccountRestored, true, user.ID, sess.ID, nil, nil)
	e.sendMail(ctx, notify.AccountRestored, user, notify.Data{})
	return nil
}

// DeletionState reports whether the caller's account is scheduled for
// deletion and how many seconds remain.
func (e *Engine) DeletionState(ctx context.Context, token, ip string) (DeletionState, error) {
	user, _, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return DeletionState{}, err
	}
	if user.DeletionFlaggedAfter == 0 {
		return DeletionState{TimeLeft: -1}, nil
	}
	return DeletionState{Scheduled: true, TimeLeft: user.DeletionFlaggedAfter - e.unixNow()}, nil
}

// SetLinkedSecret seals secret with the caller's envelope key and stores it
// under name.
func (e *Engine) SetLinkedSecret(ctx context.Context, token, ip, name string, secret []byte) error {
	if e.vault == nil {
		return ErrVaultUnavailable
	}
	user, sess, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return err
	}
	if name == "" {
		return &ValidationError{Field: "name", Reason: "empty"}
	}

	blob, err := e.vault.Seal(user.ID, secret)
	if err != nil {
		return err
	}
	e.metricInc(MetricVaultSeal)
	if err := e.store.SetLinkedSecret(ctx, user.ID, name, blob); err != nil {
		return unavailable(err)
	}

	e.emitAudit(ctx, auditEventLinkedSecretChanged, true, user.ID, sess.ID, nil, func() map[string]string {
		return map[string]string{"name": name, "action": "set"}
	})
	return nil
}

// LinkedSecret opens the secret stored under name for the caller.
func (e *Engine) LinkedSecret(ctx context.Context, token, ip, name string) ([]byte, error) {
	if e.vault == nil {
		return nil, ErrVaultUnavailable
	}
	user, _, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return nil, err
	}
	blob, ok := user.LinkedSecrets[name]
	if !ok {
		return nil, ErrLinkedSecretNotFound
	}
	secret, err := e.vault.Open(user.ID, blob)
	if err != nil {
		e.metricInc(MetricVaultOpenFailure)
		e.logger.Error("open linked secret", zap.String("user_id", user.ID), zap.String("name", name), zap.Error(err))
		return nil, err
	}
	return secret, nil
}

// RemoveLinkedSecret deletes the secret stored under name.
func (e *Engine) RemoveLinkedSecret(ctx context.Context, token, ip, name string) error {
	user, sess, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return err
	}
	if _, ok := user.LinkedSecrets[name]; !ok {
		return ErrLinkedSecretNotFound
	}
	if err := e.store.SetLinkedSecret(ctx, user.ID, name, nil); err != nil {
		return unavailable(err)
	}
	e.emitAudit(ctx, auditEventLinkedSecretChanged, true, user.ID, sess.ID, nil, func() map[string]string {
		return map[string]string{"name": name, "action": "remove"}
	})
	return nil
}

// cooldownGuard holds while the selected field was last changed at least
// cooldown ago.
func (e *Engine) cooldownGuard(field store.CooldownField, cooldown time.Duration) store.Guard {
	return store.Guard{
		Cooldown: field,
		NotAfter: e.now().Add(-cooldown).Unix(),
	}
}

func (e *Engine) cooldownRejected(ctx context.Context, userID, field string, last int64, cooldown time.Duration) error {
	err := &CooldownError{Field: field, Remaining: cooldownRemaining(last, cooldown, e.now())}
	e.metricInc(MetricCooldownRejected)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, userID, "", err, func() map[string]string {
		return map[string]string{"scope": "cooldown_" + field}
	})
	return err
}
