package phazeid

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"

	"github.com/MrEthical07/phazeid/internal"
	"github.com/MrEthical07/phazeid/internal/limiters"
	"github.com/MrEthical07/phazeid/store"
	"go.uber.org/zap"
)

// sealedSecretPrefix marks an MFA secret stored as a base64 vault blob.
const sealedSecretPrefix = "sealed:"

// BeginMFAEnrollment generates a TOTP secret for the caller and stores it
// unconfirmed. Calling it again before confirmation replaces the secret.
func (e *Engine) BeginMFAEnrollment(ctx context.Context, token, ip string) (*Enrollment, error) {
	user, sess, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return nil, err
	}
	if user.HasMFA {
		return nil, ErrMFAAlreadyEnabled
	}

	enrollment, err := e.totp.generate(user.Username)
	if err != nil {
		return nil, err
	}
	stored, err := e.sealMFASecret(user.ID, enrollment.Secret)
	if err != nil {
		return nil, err
	}

	off := false
	ok, err := e.store.UpdateUser(ctx, user.ID, store.Guard{HasMFA: &off}, store.UserUpdate{MFASecret: &stored})
	if err != nil {
		return nil, unavailable(err)
	}
	if !ok {
		return nil, ErrMFAAlreadyEnabled
	}

	e.emitAudit(ctx, auditEventMFAEnrollmentStarted, true, user.ID, sess.ID, nil, nil)
	return enrollment, nil
}

// ConfirmMFAEnrollment checks code against the pending secret, enables MFA
// and returns the raw backup codes. The codes are never retrievable again.
// Concurrent confirmations enable MFA at most once.
func (e *Engine) ConfirmMFAEnrollment(ctx context.Context, token, ip, code string) ([]string, error) {
	user, sess, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return nil, err
	}
	if user.HasMFA {
		return nil, ErrMFAAlreadyEnabled
	}
	if user.MFASecret == "" {
		return nil, ErrMFANotPending
	}

	if err := e.checkTOTP(ctx, user, code); err != nil {
		return nil, err
	}

	codes, hashes, err := e.newBackupCodes()
	if err != nil {
		return nil, err
	}

	off, on := false, true
	pending := user.MFASecret
	ok, err := e.store.UpdateUser(ctx, user.ID,
		store.Guard{HasMFA: &off, MFASecret: &pending},
		store.UserUpdate{HasMFA: &on, BackupCodes: &hashes},
	)
	if err != nil {
		return nil, unavailable(err)
	}
	if !ok {
		return nil, ErrMFANotPending
	}

	e.metricInc(MetricMFAEnrolled)
	e.emitAudit(ctx, auditEventMFAEnabled, true, user.ID, sess.ID, nil, nil)
	return codes, nil
}

// DisableMFA turns MFA off after checking a current TOTP or backup code.
func (e *Engine) DisableMFA(ctx context.Context, token, ip, code string) error {
	user, sess, err := e.RequireVerified(ctx, token, ip)
	if err != nil {
		return err
	}
	if !user.HasMFA {
		return ErrMFANotEnabled
	}
	if err := e.verifyMFACode(ctx, user, code); err != nil {
		return err
	}

	on, off := true, false
	empty := ""
	none := []string{}
	ok, err := e.store.UpdateUser(ctx, user.ID,
		store.Guard{HasMFA: &on},
		store.UserUpdate{MFASecret: &empty, HasMFA: &off, BackupCodes: &none},
	)
	if err != nil {
		return unavailable(err)
	}
	if !ok {
		return ErrMFANotEnabled
	}

	e.metricInc(MetricMFADisabled)
	e.emitAudit(ctx, auditEventMFADisabled, true, user.ID, sess.ID, nil, nil)
	return nil
}

// verifyMFACode accepts a TOTP code or one unused backup code.
func (e *Engine) verifyMFACode(ctx context.Context, user *store.User, code string) error {
	code = strings.TrimSpace(code)
	if e.totp.looksLikeTOTP(code) {
		return e.checkTOTP(ctx, user, code)
	}
	return e.consumeBackupCode(ctx, user, code)
}

func (e *Engine) checkTOTP(ctx context.Context, user *store.User, code string) error {
	if err := e.totpLimiter.Check(ctx, user.ID); err != nil {
		return e.translateTOTPLimit(ctx, user.ID, err)
	}

	secret, err := e.openMFASecret(user.ID, user.MFASecret)
	if err != nil {
		return err
	}

	ok, step, err := e.totp.validate(secret, code, e.now())
	if err != nil {
		e.logger.Error("totp validation", zap.String("user_id", user.ID), zap.Error(err))
		return e.mfaFailed(ctx, user.ID, ErrMFACodeInvalid)
	}
	if !ok {
		if limitErr := e.totpLimiter.RecordFailure(ctx, user.ID); limitErr != nil && !errors.Is(limitErr, limiters.ErrTOTPRateLimited) {
			return e.translateTOTPLimit(ctx, user.ID, limitErr)
		}
		return e.mfaFailed(ctx, user.ID, ErrMFACodeInvalid)
	}

	if err := e.totpReplay.Use(ctx, user.ID, step); err != nil {
		if errors.Is(err, limiters.ErrTOTPReplayed) {
			e.metricInc(MetricMFAReplayAttempt)
			return e.mfaFailed(ctx, user.ID, ErrMFACodeInvalid)
		}
		return unavailable(err)
	}
	if err := e.totpLimiter.Reset(ctx, user.ID); err != nil {
		e.logger.Warn("reset totp limiter", zap.String("user_id", user.ID), zap.Error(err))
	}

	e.metricInc(MetricTOTPSuccess)
	return nil
}

func (e *Engine) translateTOTPLimit(ctx context.Context, userID string, err error) error {
	if errors.Is(err, limiters.ErrTOTPRateLimited) {
		e.emitRateLimit(ctx, "totp", userID)
		return ErrMFARateLimited
	}
	return unavailable(err)
}

func (e *Engine) mfaFailed(ctx context.Context, userID string, err error) error {
	e.metricInc(MetricTOTPFailure)
	e.emitAudit(ctx, auditEventMFAFailure, false, userID, "", err, nil)
	return err
}

// consumeBackupCode removes the matching backup hash. The store pull is
// conditional, so two concurrent uses of one code cannot both succeed.
// Wrong codes draw on a budget separate from TOTP.
func (e *Engine) consumeBackupCode(ctx context.Context, user *store.User, code string) error {
	if err := e.backupLimiter.Check(ctx, user.ID); err != nil {
		return e.translateBackupLimit(ctx, user.ID, err)
	}
	if code != "" && len(code) == e.config.MFA.BackupCodeLength {
		for _, hash := range user.BackupCodes {
			ok, err := e.passwordHash.Verify(code, hash)
			if err != nil || !ok {
				continue
			}
			consumed, err := e.store.ConsumeBackupCode(ctx, user.ID, hash)
			if err != nil {
				return unavailable(err)
			}
			if !consumed {
				break
			}
			if err := e.backupLimiter.Reset(ctx, user.ID); err != nil {
				e.logger.Warn("reset backup code limiter", zap.String("user_id", user.ID), zap.Error(err))
			}
			e.metricInc(MetricBackupCodeUsed)
			e.emitAudit(ctx, auditEventBackupCodeUsed, true, user.ID, "", nil, func() map[string]string {
				return map[string]string{"remaining": strconv.Itoa(len(user.BackupCodes) - 1)}
			})
			return nil
		}
	}

	if limitErr := e.backupLimiter.RecordFailure(ctx, user.ID); limitErr != nil && !errors.Is(limitErr, limiters.ErrBackupCodeRateLimited) {
		return e.translateBackupLimit(ctx, user.ID, limitErr)
	}
	e.metricInc(MetricBackupCodeFailed)
	e.emitAudit(ctx, auditEventMFAFailure, false, user.ID, "", ErrMFACodeInvalid, func() map[string]string {
		return map[string]string{"method": "backup_code"}
	})
	return ErrMFACodeInvalid
}

func (e *Engine) translateBackupLimit(ctx context.Context, userID string, err error) error {
	if errors.Is(err, limiters.ErrBackupCodeRateLimited) {
		e.emitRateLimit(ctx, "backup_code", userID)
		return ErrMFARateLimited
	}
	return unavailable(err)
}

// newBackupCodes returns unique raw codes and their hashes.
func (e *Engine) newBackupCodes() ([]string, []string, error) {
	count := e.config.MFA.BackupCodeCount
	seen := make(map[string]struct{}, count)
	codes := make([]string, 0, count)
	hashes := make([]string, 0, count)
	for len(codes) < count {
		c, err := internal.RandomAlphanumeric(e.config.MFA.BackupCodeLength)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		h, err := e.passwordHash.Hash(c)
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, c)
		hashes = append(hashes, h)
	}
	return codes, hashes, nil
}

func (e *Engine) sealMFASecret(userID, secret string) (string, error) {
	if !e.config.MFA.EncryptSecrets {
		return secret, nil
	}
	if e.vault == nil {
		return "", ErrVaultUnavailable
	}
	blob, err := e.vault.Seal(userID, []byte(secret))
	if err != nil {
		return "", err
	}
	e.metricInc(MetricVaultSeal)
	return sealedSecretPrefix + base64.StdEncoding.EncodeToString(blob), nil
}

func (e *Engine) openMFASecret(userID, stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedSecretPrefix) {
		return stored, nil
	}
	if e.vault == nil {
		return "", ErrVaultUnavailable
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedSecretPrefix))
	if err != nil {
		e.metricInc(MetricVaultOpenFailure)
		return "", err
	}
	secret, err := e.vault.Open(userID, blob)
	if err != nil {
		e.metricInc(MetricVaultOpenFailure)
		return "", err
	}
	return string(secret), nil
}
