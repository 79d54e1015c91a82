package phazeid

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/MrEthical07/phazeid/geo"
	"github.com/MrEthical07/phazeid/internal"
	"github.com/MrEthical07/phazeid/notify"
	"github.com/MrEthical07/phazeid/store"
	"go.uber.org/zap"
)

// RFC 822 addr-spec.
var emailPattern = regexp.MustCompile(`^([^\x00-\x20\x22\x28\x29\x2c\x2e\x3a-\x3c\x3e\x40\x5b-\x5d\x7f-\xff]+|\x22([^\x0d\x22\x5c\x80-\xff]|\x5c[\x00-\x7f])*\x22)(\x2e([^\x00-\x20\x22\x28\x29\x2c\x2e\x3a-\x3c\x3e\x40\x5b-\x5d\x7f-\xff]+|\x22([^\x0d\x22\x5c\x80-\xff]|\x5c[\x00-\x7f])*\x22))*\x40([^\x00-\x20\x22\x28\x29\x2c\x2e\x3a-\x3c\x3e\x40\x5b-\x5d\x7f-\xff]+|\x5b([^\x0d\x5b-\x5d\x80-\xff]|\x5c[\x00-\x7f])*\x5d)(\x2e([^\x00-\x20\x22\x28\x29\x2c\x2e\x3a-\x3c\x3e\x40\x5b-\x5d\x7f-\xff]+|\x5b([^\x0d\x5b-\x5d\x80-\xff]|\x5c[\x00-\x7f])*\x5d))*$`)

// AuthResult is returned by Login and Signup.
type AuthResult struct {
	Token        string
	UserID       string
	SessionID    string
	ExpiresAt    int64
	Verification Verification
}

// ValidEmail reports whether s is a syntactically valid email address.
func ValidEmail(s string) bool {
	return emailPattern.MatchString(s)
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (e *Engine) checkUsername(username string) error {
	if username == "" || len(username) > e.config.Account.UsernameMaxLength {
		return &ValidationError{Field: "username", Reason: "length"}
	}
	return nil
}

func (e *Engine) checkPassword(field, pw string, allowEmpty bool) error {
	if (!allowEmpty && pw == "") || len(pw) > e.config.Password.MaxLength {
		return &ValidationError{Field: field, Reason: "length"}
	}
	return nil
}

func (e *Engine) checkEmailLength(email string) error {
	if email == "" || len(email) > e.config.Account.EmailMaxLength {
		return &ValidationError{Field: "email", Reason: "length"}
	}
	return nil
}

// Login authenticates a username and password and issues a pending session.
//
// An unknown username still runs a dummy hash verification. A locked
// account is rejected without consuming an attempt; the failure that
// reaches Lockout.Threshold locks the account in the same store write.
// Both outcomes are recorded by writes that re-check the lock in the store,
// so a correct password racing a locking failure is still rejected.
// Success purges the user's unverified and expired sessions and mails a
// login alert.
func (e *Engine) Login(ctx context.Context, username, password, ip string) (*AuthResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	ctx = withDefaultIP(ctx, ip)

	if err := e.checkUsername(username); err != nil {
		return nil, e.loginFailed(ctx, "", err)
	}
	if err := e.checkPassword("password", password, true); err != nil {
		return nil, e.loginFailed(ctx, "", err)
	}

	user, err := e.store.UserByUsername(ctx, username)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, unavailable(err)
	}
	now := e.unixNow()
	if user == nil || deletionElapsed(user, now) {
		e.passwordHash.VerifyDummy(password)
		return nil, e.loginFailed(ctx, "", ErrInvalidCredentials)
	}

	if user.AccountLocked && user.LockedUntil > now {
		return nil, e.loginFailed(ctx, user.ID, &LockoutError{Until: user.LockedUntil})
	}

	ok, err := e.passwordHash.Verify(password, user.PasswordHash)
	if err != nil || !ok {
		lockUntil := e.now().Add(e.config.Lockout.Duration).Unix()
		state, recErr := e.store.RecordLoginFailure(ctx, user.ID, e.config.Lockout.Threshold, now, lockUntil)
		if recErr != nil {
			return nil, unavailable(recErr)
		}
		if state.Locked {
			lockErr := &LockoutError{Until: state.LockedUntil}
			if state.Tripped {
				e.metricInc(MetricAccountLocked)
				e.emitAudit(ctx, auditEventAccountLocked, false, user.ID, "", lockErr, nil)
			}
			return nil, e.loginFailed(ctx, user.ID, lockErr)
		}
		return nil, e.loginFailed(ctx, user.ID, ErrInvalidCredentials)
	}

	// A concurrent failure may have locked the account since it was read.
	state, err := e.store.RecordLoginSuccess(ctx, user.ID, now)
	if err != nil {
		return nil, unavailable(err)
	}
	if state.Locked {
		return nil, e.loginFailed(ctx, user.ID, &LockoutError{Until: state.LockedUntil})
	}
	e.maybeUpgradeHash(ctx, user, password)

	if _, err := e.sessions.DeleteUnverifiedSessions(ctx, user.ID); err != nil {
		return nil, unavailable(err)
	}
	if _, err := e.sessions.DeleteExpiredSessions(ctx, user.ID, now); err != nil {
		return nil, unavailable(err)
	}

	token, sess, err := e.IssueSession(ctx, user, ip, e.config.Session.PendingTTL)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.ID, sess.ID, nil, nil)
	e.sendMail(ctx, notify.LoginAlert, user, notify.Data{
		IP:       ip,
		Location: geo.Describe(sess.Location),
	})

	return &AuthResult{
		Token:        token,
		UserID:       user.ID,
		SessionID:    sess.ID,
		ExpiresAt:    sess.ExpiresAt,
		Verification: VerifyState(user, sess),
	}, nil
}

func (e *Engine) loginFailed(ctx context.Context, userID string, err error) error {
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, userID, "", err, nil)
	return err
}

func (e *Engine) maybeUpgradeHash(ctx context.Context, user *store.User, password string) {
	if !e.config.Password.UpgradeOnLogin {
		return
	}
	needs, err := e.passwordHash.NeedsUpgrade(user.PasswordHash)
	if err != nil || !needs {
		return
	}
	hash, err := e.passwordHash.Hash(password)
	if err != nil {
		return
	}
	if _, err := e.store.UpdateUser(ctx, user.ID, store.Guard{}, store.UserUpdate{PasswordHash: &hash}); err != nil {
		e.logger.Warn("password hash upgrade", zap.String("user_id", user.ID), zap.Error(err))
	}
}

// Signup creates an account and a session with the full TTL. The session
// stays unverified until the mailed email code is confirmed.
func (e *Engine) Signup(ctx context.Context, username, password, email, ip string) (*AuthResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	ctx = withDefaultIP(ctx, ip)

	if err := e.checkUsername(username); err != nil {
		return nil, e.signupFailed(ctx, err)
	}
	if err := e.checkPassword("password", password, false); err != nil {
		return nil, e.signupFailed(ctx, err)
	}
	if err := e.checkEmailLength(email); err != nil {
		return nil, e.signupFailed(ctx, err)
	}
	if !ValidEmail(email) {
		return nil, e.signupFailed(ctx, ErrInvalidEmail)
	}
	email = normalizeEmail(email)

	if _, err := e.store.UserByUsername(ctx, username); err == nil {
		return nil, e.signupFailed(ctx, ErrUsernameTaken)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, unavailable(err)
	}
	if _, err := e.store.UserByEmail(ctx, email); err == nil {
		return nil, e.signupFailed(ctx, ErrEmailTaken)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, unavailable(err)
	}

	hash, err := e.passwordHash.Hash(password)
	if err != nil {
		return nil, err
	}
	code, err := internal.RandomAlphanumeric(e.config.Account.VerificationCodeLength)
	if err != nil {
		return nil, err
	}

	user := &store.User{
		ID:                    internal.NewID(),
		Username:              username,
		PasswordHash:          hash,
		Email:                 email,
		EmailVerificationCode: code,
		Avatar:                e.config.Account.DefaultAvatar,
		Roles:                 []string{e.config.DefaultRole},
		CreatedAt:             e.unixNow(),
	}
	if err := e.store.CreateUser(ctx, user); err != nil {
		var dup *store.DuplicateError
		if errors.As(err, &dup) {
			if dup.Field == "email" {
				return nil, e.signupFailed(ctx, ErrEmailTaken)
			}
			return nil, e.signupFailed(ctx, ErrUsernameTaken)
		}
		return nil, unavailable(err)
	}

	token, sess, err := e.IssueSession(ctx, user, ip, e.config.Session.TTL)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricSignupSuccess)
	e.emitAudit(ctx, auditEventSignupSuccess, true, user.ID, sess.ID, nil, nil)
	e.sendMail(ctx, notify.SignupVerification, user, notify.Data{Code: code})

	return &AuthResult{
		Token:        token,
		UserID:       user.ID,
		SessionID:    sess.ID,
		ExpiresAt:    sess.ExpiresAt,
		Verification: VerifyState(user, sess),
	}, nil
}

func (e *Engine) signupFailed(ctx context.Context, err error) error {
	if errors.Is(err, ErrUsernameTaken) || errors.Is(err, ErrEmailTaken) {
		e.metricInc(MetricSignupDuplicate)
	}
	e.emitAudit(ctx, auditEventSignupFailure, false, "", "", err, nil)
	return err
}

func withDefaultIP(ctx context.Context, ip string) context.Context {
	if ip == "" || clientIPFromContext(ctx) != "" {
		return ctx
	}
	return WithClientIP(ctx, ip)
}
