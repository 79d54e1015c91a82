package phazeid

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrValidation is matched by every [*ValidationError].
	ErrValidation = errors.New("invalid input")
	// ErrInvalidCredentials is returned for an unknown username or a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is matched by every [*LockoutError].
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountDeleted is returned once the deletion grace period of an account has ended.
	ErrAccountDeleted = errors.New("account deleted")
	// ErrDeletionNotScheduled is returned by RestoreAccount for an account that is not flagged.
	ErrDeletionNotScheduled = errors.New("account is not flagged for deletion")
	// ErrUsernameTaken is returned when a username is already in use.
	ErrUsernameTaken = errors.New("username already in use")
	// ErrEmailTaken is returned when an email address is already in use.
	ErrEmailTaken = errors.New("email already in use")
	// ErrInvalidEmail is returned for an address that does not match the email pattern.
	ErrInvalidEmail = errors.New("invalid email")
	// ErrSessionInvalid is matched by every [*SessionError].
	ErrSessionInvalid = errors.New("invalid session")
	// ErrVerificationRequired is matched by every [*PendingVerificationError].
	ErrVerificationRequired = errors.New("verification required")
	// ErrVerificationCodeInvalid is returned for a wrong email or email-change code.
	ErrVerificationCodeInvalid = errors.New("invalid verification code")
	// ErrEmailAlreadyVerified is returned by VerifyEmail for a verified address.
	ErrEmailAlreadyVerified = errors.New("email already verified")
	// ErrWrongPassword is returned when the current password does not verify.
	ErrWrongPassword = errors.New("current password is incorrect")
	// ErrRateLimited is matched by every [*CooldownError] and by limiter rejections.
	ErrRateLimited = errors.New("rate limited")
	// ErrChallengeFailed is returned when a captcha token does not verify.
	ErrChallengeFailed = errors.New("invalid captcha")
	// ErrResetTokenInvalid is returned for an unknown, mismatched or expired reset token.
	ErrResetTokenInvalid = errors.New("invalid reset token")
	// ErrMFAAlreadyEnabled is returned when enrolling while MFA is active.
	ErrMFAAlreadyEnabled = errors.New("mfa already enabled")
	// ErrMFANotEnabled is returned when an operation needs active MFA.
	ErrMFANotEnabled = errors.New("mfa not enabled")
	// ErrMFANotPending is returned by ConfirmMFAEnrollment without a pending secret.
	ErrMFANotPending = errors.New("mfa enrollment not started")
	// ErrMFACodeInvalid is returned for a wrong TOTP or backup code.
	ErrMFACodeInvalid = errors.New("invalid mfa code")
	// ErrMFARateLimited is returned after too many failed TOTP attempts.
	ErrMFARateLimited = errors.New("mfa attempts rate limited")
	// ErrPermissionDenied is returned when the caller's roles lack a permission.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrOAuthAppInvalid is returned for an unknown client or unregistered redirect URI.
	ErrOAuthAppInvalid = errors.New("invalid oauth application")
	// ErrOAuthRequestInvalid is returned for an unsupported response type or scope.
	ErrOAuthRequestInvalid = errors.New("invalid oauth request")
	// ErrOAuthCodeInvalid is matched by every [*OAuthError]; token exchange never
	// reports anything more specific.
	ErrOAuthCodeInvalid = errors.New("invalid code")
	// ErrOAuthTokenInvalid is returned for an unknown, expired or mismatched access token.
	ErrOAuthTokenInvalid = errors.New("invalid access token")
	// ErrOAuthScopeDenied is returned when a grant lacks the requested scope.
	ErrOAuthScopeDenied = errors.New("scope not granted")
	// ErrLinkedSecretNotFound is returned when no secret is linked under a name.
	ErrLinkedSecretNotFound = errors.New("linked secret not found")
	// ErrVaultUnavailable is returned when no envelope vault is configured.
	ErrVaultUnavailable = errors.New("envelope vault not configured")
	// ErrStoreUnavailable wraps credential store and Redis failures.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrEngineNotReady is returned by methods on a nil or unbuilt engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// ValidationError reports an input that failed a length or format rule.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// SessionReason tells why a session token was rejected.
type SessionReason string

const (
	SessionNotFound       SessionReason = "not_found"
	SessionExpired        SessionReason = "expired"
	SessionIPMismatch     SessionReason = "ip_mismatch"
	SessionSecretMismatch SessionReason = "secret_mismatch"
)

// SessionError is returned by ResolveSession. Its text is always that of
// ErrSessionInvalid; Reason is for logs and metrics only.
type SessionError struct {
	Reason SessionReason
}

func (e *SessionError) Error() string { return ErrSessionInvalid.Error() }

func (e *SessionError) Is(target error) bool { return target == ErrSessionInvalid }

// LockoutError carries the unix time the lock ends.
type LockoutError struct {
	Until int64
}

func (e *LockoutError) Error() string {
	return "account locked until " + strconv.FormatInt(e.Until, 10)
}

func (e *LockoutError) Is(target error) bool { return target == ErrAccountLocked }

// CooldownError is returned when a per-field change cooldown has not elapsed.
type CooldownError struct {
	Field     string
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s was changed recently, retry in %s", e.Field, e.Remaining.Round(time.Second))
}

func (e *CooldownError) Is(target error) bool { return target == ErrRateLimited }

// PendingVerificationError is returned when an operation needs a VERIFIED
// session. Verification tells the client which step comes next.
type PendingVerificationError struct {
	Verification Verification
}

func (e *PendingVerificationError) Error() string {
	return "verification required: " + string(e.Verification.Procedure)
}

func (e *PendingVerificationError) Is(target error) bool { return target == ErrVerificationRequired }

// OAuthError is the internal form of a rejected token exchange. Reason
// never leaves the process.
type OAuthError struct {
	Reason string
}

func (e *OAuthError) Error() string { return ErrOAuthCodeInvalid.Error() }

func (e *OAuthError) Is(target error) bool { return target == ErrOAuthCodeInvalid }

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
