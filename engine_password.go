package phazeid

import (
	"context"
	"errors"

	"github.com/MrEthical07/phazeid/internal"
	"github.com/MrEthical07/phazeid/internal/limiters"
	"github.com/MrEthical07/phazeid/notify"
	"github.com/MrEthical07/phazeid/store"
	"go.uber.org/zap"
)

// ChangePassword replaces the password of a verified session's user after
// checking the current one. The write is guarded on the password cooldown.
func (e *Engine) ChangePassword(ctx context.Context, token, oldPassword, newPassword, ip string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	ctx = withDefaultIP(ctx, ip)

	if err := e.checkPassword("password", newPassword, false); err != nil {
		return err
	}
	if err := e.checkPassword("old_password", oldPassword, true); err != nil {
		return err
	}

	user, sess, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return err
	}

	now := e.now()
	if !CooldownElapsed(user.LastPasswordChange, e.config.Cooldown.Password, now) {
		return e.cooldownRejected(ctx, user.ID, "password", user.LastPasswordChange, e.config.Cooldown.Password)
	}

	ok, err := e.passwordHash.Verify(oldPassword, user.PasswordHash)
	if err != nil || !ok {
		e.metricInc(MetricPasswordChangeInvalidOld)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, user.ID, sess.ID, ErrWrongPassword, nil)
		return ErrWrongPassword
	}

	hash, err := e.passwordHash.Hash(newPassword)
	if err != nil {
		return err
	}
	stamp := now.Unix()
	ok, err = e.store.UpdateUser(ctx, user.ID, e.cooldownGuard(store.CooldownPassword, e.config.Cooldown.Password), store.UserUpdate{
		PasswordHash:       &hash,
		LastPasswordChange: &stamp,
	})
	if err != nil {
		return unavailable(err)
	}
	if !ok {
		return e.cooldownRejected(ctx, user.ID, "password", stamp, e.config.Cooldown.Password)
	}

	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, auditEventPasswordChangeSuccess, true, user.ID, sess.ID, nil, nil)
	e.sendMail(ctx, notify.PasswordChanged, user, notify.Data{IP: ip})
	return nil
}

// RequestPasswordReset mails a reset link to the owner of email. An
// unknown address succeeds without sending anything.
func (e *Engine) RequestPasswordReset(ctx context.Context, email, ip string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	ctx = withDefaultIP(ctx, ip)

	if len(email) > e.config.Account.EmailMaxLength || !ValidEmail(email) {
		return ErrInvalidEmail
	}
	email = normalizeEmail(email)

	if err := e.resetLimiter.CheckRequest(ctx, email, ip); err != nil {
		if errors.Is(err, limiters.ErrResetRateLimited) {
			e.emitRateLimit(ctx, "password_reset", "")
			return ErrRateLimited
		}
		return unavailable(err)
	}

	e.metricInc(MetricPasswordResetRequest)
	user, err := e.store.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.emitAudit(ctx, auditEventPasswordResetRequest, true, "", "", nil, nil)
			return nil
		}
		return unavailable(err)
	}
	if deletionElapsed(user, e.unixNow()) {
		return nil
	}

	secret, err := internal.NewSecret()
	if err != nil {
		return err
	}
	hash, err := e.passwordHash.Hash(secret)
	if err != nil {
		return err
	}
	issued := e.unixNow()
	if _, err := e.store.UpdateUser(ctx, user.ID, store.Guard{}, store.UserUpdate{
		PasswordResetHash:   &hash,
		PasswordResetIssued: &issued,
	}); err != nil {
		return unavailable(err)
	}

	e.emitAudit(ctx, auditEventPasswordResetRequest, true, user.ID, "", nil, nil)
	e.sendMail(ctx, notify.PasswordReset, user, notify.Data{
		Link: e.config.ResetURL + "#" + internal.JoinToken(user.ID, secret),
	})
	return nil
}

// ResetPassword sets a new password from a mailed reset token and logs the
// user out everywhere. An expired token is cleared.
func (e *Engine) ResetPassword(ctx context.Context, token, newPassword string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if err := e.checkPassword("password", newPassword, false); err != nil {
		return err
	}

	userID, secret, err := internal.SplitToken(token)
	if err != nil {
		return e.resetFailed(ctx, "", ErrResetTokenInvalid)
	}
	user, err := e.store.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.resetFailed(ctx, "", ErrResetTokenInvalid)
		}
		return unavailable(err)
	}
	if user.PasswordResetHash == "" {
		e.passwordHash.VerifyDummy(secret)
		return e.resetFailed(ctx, user.ID, ErrResetTokenInvalid)
	}

	now := e.now()
	issuedHash := user.PasswordResetHash
	if user.PasswordResetIssued+int64(e.config.Reset.TokenTTL.Seconds()) <= now.Unix() {
		e.clearResetToken(ctx, user.ID, issuedHash)
		return e.resetFailed(ctx, user.ID, ErrResetTokenInvalid)
	}
	ok, err := e.passwordHash.Verify(secret, issuedHash)
	if err != nil || !ok {
		return e.resetFailed(ctx, user.ID, ErrResetTokenInvalid)
	}

	if !CooldownElapsed(user.LastPasswordChange, e.config.Cooldown.Password, now) {
		return e.cooldownRejected(ctx, user.ID, "password", user.LastPasswordChange, e.config.Cooldown.Password)
	}

	hash, err := e.passwordHash.Hash(newPassword)
	if err != nil {
		return err
	}
	stamp := now.Unix()
	empty := ""
	var zero int64
	guard := e.cooldownGuard(store.CooldownPassword, e.config.Cooldown.Password)
	guard.PasswordResetHash = &issuedHash
	ok, err = e.store.UpdateUser(ctx, user.ID, guard, store.UserUpdate{
		PasswordHash:        &hash,
		LastPasswordChange:  &stamp,
		PasswordResetHash:   &empty,
		PasswordResetIssued: &zero,
	})
	if err != nil {
		return unavailable(err)
	}
	if !ok {
		return e.resetFailed(ctx, user.ID, ErrResetTokenInvalid)
	}

	if err := e.LogoutAll(ctx, user.ID); err != nil {
		return err
	}

	e.metricInc(MetricPasswordResetConfirmSuccess)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, true, user.ID, "", nil, nil)
	e.sendMail(ctx, notify.PasswordChanged, user, notify.Data{IP: clientIPFromContext(ctx)})
	return nil
}

func (e *Engine) clearResetToken(ctx context.Context, userID, issuedHash string) {
	empty := ""
	var zero int64
	if _, err := e.store.UpdateUser(ctx, userID,
		store.Guard{PasswordResetHash: &issuedHash},
		store.UserUpdate{PasswordResetHash: &empty, PasswordResetIssued: &zero},
	); err != nil {
		e.logger.Warn("clear expired reset token", zap.String("user_id", userID), zap.Error(err))
	}
}

func (e *Engine) resetFailed(ctx context.Context, userID string, err error) error {
	e.metricInc(MetricPasswordResetConfirmFailure)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, false, userID, "", err, nil)
	return err
}
