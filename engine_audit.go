package phazeid

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	auditEventLoginSuccess            = "login_success"
	auditEventLoginFailure            = "login_failure"
	auditEventAccountLocked           = "account_locked"
	auditEventSignupSuccess           = "signup_success"
	auditEventSignupFailure           = "signup_failure"
	auditEventSessionRejected         = "session_rejected"
	auditEventSessionPromoted         = "session_promoted"
	auditEventLogoutSession           = "logout_session"
	auditEventLogoutAll               = "logout_all"
	auditEventEmailVerified           = "email_verified"
	auditEventEmailVerifyFailure      = "email_verification_failure"
	auditEventMFAEnrollmentStarted    = "mfa_enrollment_started"
	auditEventMFAEnabled              = "mfa_enabled"
	auditEventMFADisabled             = "mfa_disabled"
	auditEventMFASuccess              = "mfa_success"
	auditEventMFAFailure              = "mfa_failure"
	auditEventBackupCodeUsed          = "backup_code_used"
	auditEventPasswordChangeSuccess   = "password_change_success"
	auditEventPasswordChangeFailure   = "password_change_failure"
	auditEventPasswordResetRequest    = "password_reset_request"
	auditEventPasswordResetConfirm    = "password_reset_confirm"
	auditEventUsernameChanged         = "username_changed"
	auditEventEmailChangeRequested    = "email_change_requested"
	auditEventEmailChanged            = "email_changed"
	auditEventAvatarChanged           = "avatar_changed"
	auditEventDeletionScheduled       = "deletion_scheduled"
	auditEventAccountRestored         = "account_restored"
	auditEventOAuthAppRegistered      = "oauth_app_registered"
	auditEventOAuthAuthorize          = "oauth_authorize"
	auditEventOAuthExchange           = "oauth_exchange"
	auditEventOAuthGrantRevoked       = "oauth_grant_revoked"
	auditEventOAuthAppRemoved         = "oauth_app_removed"
	auditEventLinkedSecretChanged     = "linked_secret_changed"
	auditEventRateLimitTriggered      = "rate_limit_triggered"
	auditEventTunnelHandshakeRejected = "tunnel_handshake_rejected"
)

var auditCategories = map[string]AuditCategory{
	auditEventLoginSuccess:            AuditSession,
	auditEventLoginFailure:            AuditSession,
	auditEventSessionRejected:         AuditSession,
	auditEventSessionPromoted:         AuditSession,
	auditEventLogoutSession:           AuditSession,
	auditEventLogoutAll:               AuditSession,
	auditEventAccountLocked:           AuditLockout,
	auditEventMFAEnrollmentStarted:    AuditMFA,
	auditEventMFAEnabled:              AuditMFA,
	auditEventMFADisabled:             AuditMFA,
	auditEventMFASuccess:              AuditMFA,
	auditEventMFAFailure:              AuditMFA,
	auditEventBackupCodeUsed:          AuditMFA,
	auditEventOAuthAppRegistered:      AuditOAuth,
	auditEventOAuthAuthorize:          AuditOAuth,
	auditEventOAuthExchange:           AuditOAuth,
	auditEventOAuthGrantRevoked:       AuditOAuth,
	auditEventOAuthAppRemoved:         AuditOAuth,
	auditEventDeletionScheduled:       AuditDeletion,
	auditEventAccountRestored:         AuditDeletion,
	auditEventTunnelHandshakeRejected: AuditTunnel,
	auditEventRateLimitTriggered:      AuditRateLimit,
}

// auditCategory returns the category of eventType. Signup, verification,
// credential and profile events are account events.
func auditCategory(eventType string) AuditCategory {
	if c, ok := auditCategories[eventType]; ok {
		return c
	}
	return AuditAccount
}

// AuditErrorCode is the stable error label attached to failed audit events.
type AuditErrorCode string

const (
	auditErrInvalidInput       AuditErrorCode = "invalid_input"
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrAccountLocked      AuditErrorCode = "account_locked"
	auditErrAccountDeleted     AuditErrorCode = "account_deleted"
	auditErrDuplicate          AuditErrorCode = "duplicate"
	auditErrInvalidSession     AuditErrorCode = "invalid_session"
	auditErrUnverified         AuditErrorCode = "verification_required"
	auditErrInvalidCode        AuditErrorCode = "invalid_code"
	auditErrRateLimited        AuditErrorCode = "rate_limited"
	auditErrChallengeFailed    AuditErrorCode = "challenge_failed"
	auditErrMFAState           AuditErrorCode = "mfa_state"
	auditErrPermissionDenied   AuditErrorCode = "permission_denied"
	auditErrOAuthInvalid       AuditErrorCode = "oauth_invalid"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}
	if ua := userAgentFromContext(ctx); ua != "" {
		if metadata == nil {
			metadata = make(map[string]string, 1)
		}
		metadata["user_agent"] = ua
	}

	event := AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Category:  auditCategory(eventType),
		EventType: eventType,
		UserID:    userID,
		SessionID: sessionID,
		ConnID:    connIDFromContext(ctx),
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(ctx context.Context, scope string, userID string) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, userID, "", ErrRateLimited, func() map[string]string {
		return map[string]string{"scope": scope}
	})
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrInvalidEmail):
		return auditErrInvalidInput
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrWrongPassword):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrAccountDeleted):
		return auditErrAccountDeleted
	case errors.Is(err, ErrUsernameTaken),
		errors.Is(err, ErrEmailTaken):
		return auditErrDuplicate
	case errors.Is(err, ErrSessionInvalid):
		return auditErrInvalidSession
	case errors.Is(err, ErrVerificationRequired):
		return auditErrUnverified
	case errors.Is(err, ErrVerificationCodeInvalid),
		errors.Is(err, ErrMFACodeInvalid),
		errors.Is(err, ErrResetTokenInvalid):
		return auditErrInvalidCode
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrMFARateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrChallengeFailed):
		return auditErrChallengeFailed
	case errors.Is(err, ErrMFAAlreadyEnabled),
		errors.Is(err, ErrMFANotEnabled),
		errors.Is(err, ErrMFANotPending):
		return auditErrMFAState
	case errors.Is(err, ErrPermissionDenied):
		return auditErrPermissionDenied
	case errors.Is(err, ErrOAuthCodeInvalid),
		errors.Is(err, ErrOAuthAppInvalid),
		errors.Is(err, ErrOAuthRequestInvalid),
		errors.Is(err, ErrOAuthTokenInvalid),
		errors.Is(err, ErrOAuthScopeDenied):
		return auditErrOAuthInvalid
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
