package phazeid

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/MrEthical07/phazeid/internal/limiters"
	"github.com/MrEthical07/phazeid/store"
	"go.uber.org/zap"
)

// VerifyEmail confirms the signup verification code. A user without MFA
// also has the presenting session promoted. Attempts are throttled per user
// and per IP; an exhausted budget returns ErrRateLimited.
func (e *Engine) VerifyEmail(ctx context.Context, token, ip, code string) (Verification, error) {
	user, sess, err := e.ResolveSession(ctx, token, ip)
	if err != nil {
		return Verification{}, err
	}
	if user.EmailVerified {
		return Verification{}, ErrEmailAlreadyVerified
	}
	if err := e.checkVerifyAttempt(ctx, limiters.PurposeEmail, user.ID, ip); err != nil {
		return Verification{}, err
	}
	if code == "" || subtle.ConstantTimeCompare([]byte(code), []byte(user.EmailVerificationCode)) != 1 {
		e.metricInc(MetricEmailVerificationFailure)
		e.emitAudit(ctx, auditEventEmailVerifyFailure, false, user.ID, sess.ID, ErrVerificationCodeInvalid, nil)
		return Verification{}, e.verifyFailed(ctx, limiters.PurposeEmail, ip)
	}

	verified := true
	empty := ""
	if _, err := e.store.UpdateUser(ctx, user.ID, store.Guard{}, store.UserUpdate{
		EmailVerified:         &verified,
		EmailVerificationCode: &empty,
	}); err != nil {
		return Verification{}, unavailable(err)
	}
	user.EmailVerified = true
	user.EmailVerificationCode = ""
	e.resetVerifyAttempts(ctx, limiters.PurposeEmail, user.ID)

	if !user.HasMFA && !sess.Valid {
		if err := e.promoteSession(ctx, sess); err != nil {
			return Verification{}, err
		}
	}

	e.metricInc(MetricEmailVerificationSuccess)
	e.emitAudit(ctx, auditEventEmailVerified, true, user.ID, sess.ID, nil, nil)
	return VerifyState(user, sess), nil
}

// VerifyMFA promotes the session after a TOTP or backup code check. The
// email address must already be verified.
func (e *Engine) VerifyMFA(ctx context.Context, token, ip, code string) (Verification, error) {
	user, sess, err := e.ResolveSession(ctx, token, ip)
	if err != nil {
		return Verification{}, err
	}
	if !user.EmailVerified {
		return Verification{}, &PendingVerificationError{Verification: VerifyState(user, sess)}
	}
	if !user.HasMFA {
		return Verification{}, ErrMFANotEnabled
	}
	if err := e.verifyMFACode(ctx, user, code); err != nil {
		return Verification{}, err
	}
	if !sess.Valid {
		if err := e.promoteSession(ctx, sess); err != nil {
			return Verification{}, err
		}
	}
	e.emitAudit(ctx, auditEventMFASuccess, true, user.ID, sess.ID, nil, nil)
	return VerifyState(user, sess), nil
}

// ConfirmSession promotes a pending login session of a user without MFA.
func (e *Engine) ConfirmSession(ctx context.Context, token, ip string) (Verification, error) {
	user, sess, err := e.ResolveSession(ctx, token, ip)
	if err != nil {
		return Verification{}, err
	}
	if !user.EmailVerified || user.HasMFA {
		return Verification{}, &PendingVerificationError{Verification: VerifyState(user, sess)}
	}
	if !sess.Valid {
		if err := e.promoteSession(ctx, sess); err != nil {
			return Verification{}, err
		}
	}
	return VerifyState(user, sess), nil
}

func (e *Engine) checkVerifyAttempt(ctx context.Context, purpose, userID, ip string) error {
	err := e.verifyLimiter.CheckAttempt(ctx, purpose, userID, ip)
	if err == nil {
		return nil
	}
	if errors.Is(err, limiters.ErrVerificationRateLimited) {
		e.emitRateLimit(ctx, "verify_"+purpose, userID)
		return ErrRateLimited
	}
	return unavailable(err)
}

// verifyFailed counts a wrong code against ip and returns
// ErrVerificationCodeInvalid.
func (e *Engine) verifyFailed(ctx context.Context, purpose, ip string) error {
	if err := e.verifyLimiter.RecordFailure(ctx, purpose, ip); err != nil {
		e.logger.Warn("record verification failure", zap.String("purpose", purpose), zap.Error(err))
	}
	return ErrVerificationCodeInvalid
}

func (e *Engine) resetVerifyAttempts(ctx context.Context, purpose, userID string) {
	if err := e.verifyLimiter.Reset(ctx, purpose, userID); err != nil {
		e.logger.Warn("reset verification limiter", zap.String("user_id", userID), zap.String("purpose", purpose), zap.Error(err))
	}
}
