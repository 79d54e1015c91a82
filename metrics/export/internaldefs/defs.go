package internaldefs

import (
	"github.com/MrEthical07/phazeid"
)

// Area groups counters by the part of the identity provider they measure.
// Exporters with attributes emit one instrument per area.
type Area string

const (
	AreaAccount   Area = "account"
	AreaSession   Area = "session"
	AreaLockout   Area = "lockout"
	AreaMFA       Area = "mfa"
	AreaOAuth     Area = "oauth"
	AreaDeletion  Area = "deletion"
	AreaTunnel    Area = "tunnel"
	AreaVault     Area = "vault"
	AreaRateLimit Area = "rate_limit"
)

// Areas lists every area in exposition order.
var Areas = []Area{
	AreaAccount,
	AreaSession,
	AreaLockout,
	AreaMFA,
	AreaOAuth,
	AreaDeletion,
	AreaTunnel,
	AreaVault,
	AreaRateLimit,
}

// CounterDef names one engine counter for export. Name is the flat
// Prometheus name; Area and Event label the same counter for exporters
// with attributes.
type CounterDef struct {
	ID    phazeid.MetricID
	Name  string
	Area  Area
	Event string
	Help  string
}

// HistogramDef names one engine histogram for export. Instrument is the
// dotted name used by exporters with attributes.
type HistogramDef struct {
	ID         phazeid.MetricID
	Name       string
	Instrument string
	Help       string
}

// AuditDroppedName is the counter of audit events dropped under backpressure.
const AuditDroppedName = "phazeid_audit_dropped_total"

// AuditDroppedInstrument is AuditDroppedName for exporters with
// attributes, labelled by audit category.
const AuditDroppedInstrument = "phazeid.audit.dropped"

// AreaInstrument returns the dotted instrument name counting events of a.
func AreaInstrument(a Area) string {
	return "phazeid." + string(a) + ".events"
}

// CounterDefs lists every exported counter in exposition order.
var CounterDefs = []CounterDef{
	{ID: phazeid.MetricLoginSuccess, Name: "phazeid_login_success_total", Area: AreaSession, Event: "login_success", Help: "Successful password logins."},
	{ID: phazeid.MetricLoginFailure, Name: "phazeid_login_failure_total", Area: AreaSession, Event: "login_failure", Help: "Failed password logins."},
	{ID: phazeid.MetricAccountLocked, Name: "phazeid_account_locked_total", Area: AreaLockout, Event: "account_locked", Help: "Accounts locked after repeated failures."},
	{ID: phazeid.MetricSignupSuccess, Name: "phazeid_signup_success_total", Area: AreaAccount, Event: "signup_success", Help: "Created accounts."},
	{ID: phazeid.MetricSignupDuplicate, Name: "phazeid_signup_duplicate_total", Area: AreaAccount, Event: "signup_duplicate", Help: "Signups rejected for a taken username or email."},
	{ID: phazeid.MetricSessionCreated, Name: "phazeid_session_created_total", Area: AreaSession, Event: "session_created", Help: "Issued sessions."},
	{ID: phazeid.MetricSessionPromoted, Name: "phazeid_session_promoted_total", Area: AreaSession, Event: "session_promoted", Help: "Sessions promoted to verified."},
	{ID: phazeid.MetricSessionExpired, Name: "phazeid_session_expired_total", Area: AreaSession, Event: "session_expired", Help: "Expired session tokens presented."},
	{ID: phazeid.MetricSessionRejected, Name: "phazeid_session_rejected_total", Area: AreaSession, Event: "session_rejected", Help: "Rejected session tokens."},
	{ID: phazeid.MetricLogout, Name: "phazeid_logout_total", Area: AreaSession, Event: "logout", Help: "Single session logouts."},
	{ID: phazeid.MetricLogoutAll, Name: "phazeid_logout_all_total", Area: AreaSession, Event: "logout_all", Help: "Logouts of every session of a user."},
	{ID: phazeid.MetricEmailVerificationSuccess, Name: "phazeid_email_verification_success_total", Area: AreaAccount, Event: "email_verification_success", Help: "Successful email verifications."},
	{ID: phazeid.MetricEmailVerificationFailure, Name: "phazeid_email_verification_failure_total", Area: AreaAccount, Event: "email_verification_failure", Help: "Failed email verifications."},
	{ID: phazeid.MetricMFAEnrolled, Name: "phazeid_mfa_enrolled_total", Area: AreaMFA, Event: "mfa_enrolled", Help: "Completed MFA enrollments."},
	{ID: phazeid.MetricMFADisabled, Name: "phazeid_mfa_disabled_total", Area: AreaMFA, Event: "mfa_disabled", Help: "MFA disable operations."},
	{ID: phazeid.MetricTOTPSuccess, Name: "phazeid_totp_success_total", Area: AreaMFA, Event: "totp_success", Help: "Accepted TOTP codes."},
	{ID: phazeid.MetricTOTPFailure, Name: "phazeid_totp_failure_total", Area: AreaMFA, Event: "totp_failure", Help: "Rejected TOTP codes."},
	{ID: phazeid.MetricMFAReplayAttempt, Name: "phazeid_mfa_replay_attempt_total", Area: AreaMFA, Event: "mfa_replay_attempt", Help: "Replayed TOTP codes."},
	{ID: phazeid.MetricBackupCodeUsed, Name: "phazeid_backup_code_used_total", Area: AreaMFA, Event: "backup_code_used", Help: "Consumed backup codes."},
	{ID: phazeid.MetricBackupCodeFailed, Name: "phazeid_backup_code_failed_total", Area: AreaMFA, Event: "backup_code_failed", Help: "Rejected backup codes."},
	{ID: phazeid.MetricPasswordChangeSuccess, Name: "phazeid_password_change_success_total", Area: AreaAccount, Event: "password_change_success", Help: "Password changes."},
	{ID: phazeid.MetricPasswordChangeInvalidOld, Name: "phazeid_password_change_invalid_old_total", Area: AreaAccount, Event: "password_change_invalid_old", Help: "Password changes with a wrong current password."},
	{ID: phazeid.MetricPasswordResetRequest, Name: "phazeid_password_reset_request_total", Area: AreaAccount, Event: "password_reset_request", Help: "Password reset requests."},
	{ID: phazeid.MetricPasswordResetConfirmSuccess, Name: "phazeid_password_reset_confirm_success_total", Area: AreaAccount, Event: "password_reset_confirm_success", Help: "Completed password resets."},
	{ID: phazeid.MetricPasswordResetConfirmFailure, Name: "phazeid_password_reset_confirm_failure_total", Area: AreaAccount, Event: "password_reset_confirm_failure", Help: "Rejected password reset tokens."},
	{ID: phazeid.MetricCooldownRejected, Name: "phazeid_cooldown_rejected_total", Area: AreaAccount, Event: "cooldown_rejected", Help: "Changes rejected by a field cooldown."},
	{ID: phazeid.MetricRateLimitHit, Name: "phazeid_rate_limit_hit_total", Area: AreaRateLimit, Event: "rate_limit_hit", Help: "Requests denied by a rate limiter."},
	{ID: phazeid.MetricTunnelCommand, Name: "phazeid_tunnel_command_total", Area: AreaTunnel, Event: "tunnel_command", Help: "Commands run over the encrypted tunnel."},
	{ID: phazeid.MetricTunnelRejected, Name: "phazeid_tunnel_rejected_total", Area: AreaTunnel, Event: "tunnel_rejected", Help: "Tunnel handshakes rejected by the limiter."},
	{ID: phazeid.MetricOAuthAuthorize, Name: "phazeid_oauth_authorize_total", Area: AreaOAuth, Event: "oauth_authorize", Help: "Issued authorization codes."},
	{ID: phazeid.MetricOAuthExchangeSuccess, Name: "phazeid_oauth_exchange_success_total", Area: AreaOAuth, Event: "oauth_exchange_success", Help: "Successful token exchanges."},
	{ID: phazeid.MetricOAuthExchangeFailure, Name: "phazeid_oauth_exchange_failure_total", Area: AreaOAuth, Event: "oauth_exchange_failure", Help: "Rejected token exchanges."},
	{ID: phazeid.MetricOAuthTokenRejected, Name: "phazeid_oauth_token_rejected_total", Area: AreaOAuth, Event: "oauth_token_rejected", Help: "Rejected access tokens."},
	{ID: phazeid.MetricDeletionScheduled, Name: "phazeid_deletion_scheduled_total", Area: AreaDeletion, Event: "deletion_scheduled", Help: "Scheduled account deletions."},
	{ID: phazeid.MetricAccountRestored, Name: "phazeid_account_restored_total", Area: AreaDeletion, Event: "account_restored", Help: "Cancelled account deletions."},
	{ID: phazeid.MetricVaultSeal, Name: "phazeid_vault_seal_total", Area: AreaVault, Event: "vault_seal", Help: "Secrets sealed with the envelope vault."},
	{ID: phazeid.MetricVaultOpenFailure, Name: "phazeid_vault_open_failure_total", Area: AreaVault, Event: "vault_open_failure", Help: "Envelope blobs that failed to open."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: phazeid.MetricHandshakeLatency, Name: "phazeid_tunnel_handshake_seconds", Instrument: "phazeid.tunnel.handshake.duration", Help: "Tunnel key exchange latency."},
}

// HistogramBounds are the upper bounds of the engine buckets in seconds.
// The last bucket is unbounded.
var HistogramBounds = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// NormalizeBuckets pads or truncates raw to the engine bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
