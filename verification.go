package phazeid

import (
	"time"

	"github.com/MrEthical07/phazeid/store"
)

// VerificationState is the verification level of a (user, session) pair.
type VerificationState string

const (
	StateUnverifiedEmail   VerificationState = "UNVERIFIED_EMAIL"
	StateUnverifiedMFA     VerificationState = "UNVERIFIED_MFA"
	StateUnverifiedSession VerificationState = "UNVERIFIED_SESSION"
	StateVerified          VerificationState = "VERIFIED"
)

// Procedure names the step a client must complete next.
type Procedure string

const (
	ProcedureVerifyEmail Procedure = "VERIFY_EMAIL"
	ProcedureVerifyMFA   Procedure = "VERIFY_MFA"
	ProcedureVerify      Procedure = "VERIFY"
	ProcedureNone        Procedure = "NONE"
)

// Verification is the result of [VerifyState]. Endpoint is a client hint
// and is empty once verified.
type Verification struct {
	State     VerificationState `json:"state"`
	Procedure Procedure         `json:"procedure"`
	Endpoint  string            `json:"endpoint,omitempty"`
}

// Verified reports whether no further step is needed.
func (v Verification) Verified() bool {
	return v.State == StateVerified
}

// VerifyState computes the verification level. Checks run in a fixed
// order: email, then MFA, then session validity.
func VerifyState(user *store.User, sess *store.Session) Verification {
	switch {
	case !user.EmailVerified:
		return Verification{State: StateUnverifiedEmail, Procedure: ProcedureVerifyEmail, Endpoint: "/verify-email"}
	case user.HasMFA && !sess.Valid:
		return Verification{State: StateUnverifiedMFA, Procedure: ProcedureVerifyMFA, Endpoint: "/verify-mfa"}
	case !sess.Valid:
		return Verification{State: StateUnverifiedSession, Procedure: ProcedureVerify, Endpoint: "/verify"}
	default:
		return Verification{State: StateVerified, Procedure: ProcedureNone}
	}
}

// CooldownElapsed reports whether at least cooldown has passed since the
// unix time last.
func CooldownElapsed(last int64, cooldown time.Duration, now time.Time) bool {
	return last+int64(cooldown/time.Second) <= now.Unix()
}

func cooldownRemaining(last int64, cooldown time.Duration, now time.Time) time.Duration {
	remaining := time.Unix(last, 0).Add(cooldown).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
