package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when a write violates a unique key.
	ErrDuplicate = errors.New("store: duplicate key")
	// ErrExpired is returned by SessionByID for a session that expired and
	// was purged while the store still remembers its id.
	ErrExpired = errors.New("store: expired")
)

// DuplicateError names the unique field a write collided on.
type DuplicateError struct {
	Field string
}

func (e *DuplicateError) Error() string {
	return "store: duplicate " + e.Field
}

// Is makes errors.Is(err, ErrDuplicate) hold.
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

// CooldownField selects the per-field change timestamp a Guard checks.
type CooldownField uint8

const (
	CooldownNone CooldownField = iota
	CooldownUsername
	CooldownEmail
	CooldownPassword
	CooldownAvatar
)

// Guard is the precondition of a conditional user update. Zero-valued
// fields are not checked.
type Guard struct {
	HasMFA    *bool
	MFASecret *string

	// Cooldown requires the selected Last*Change timestamp to be <= NotAfter.
	Cooldown CooldownField
	NotAfter int64

	PasswordResetHash *string
	PendingEmailCode  *string
}

// UserUpdate lists the fields to set. Nil pointers are left untouched.
type UserUpdate struct {
	Username     *string
	PasswordHash *string

	Email                 *string
	EmailVerified         *bool
	EmailVerificationCode *string
	PendingEmail          *PendingEmail
	ClearPendingEmail     bool

	MFASecret   *string
	HasMFA      *bool
	BackupCodes *[]string

	LastUsernameChange *int64
	LastEmailChange    *int64
	LastPasswordChange *int64
	LastAvatarChange   *int64

	Avatar *string

	PasswordResetHash   *string
	PasswordResetIssued *int64

	DeletionFlaggedAfter *int64
}

// LoginState is the lockout state after RecordLoginFailure or
// RecordLoginSuccess.
type LoginState struct {
	Attempts    int
	Locked      bool
	LockedUntil int64
	// Tripped is set on the one failure that applied the lock.
	Tripped bool
}

// Users persists accounts. Every mutating method is a single atomic
// conditional write on one user record.
type Users interface {
	CreateUser(ctx context.Context, u *User) error
	UserByID(ctx context.Context, id string) (*User, error)
	UserByUsername(ctx context.Context, username string) (*User, error)
	UserByEmail(ctx context.Context, email string) (*User, error)

	// UpdateUser applies update when guard holds and reports whether it did.
	UpdateUser(ctx context.Context, id string, guard Guard, update UserUpdate) (bool, error)

	// RecordLoginFailure increments the attempt counter unless the account
	// is locked past now, in which case nothing is written and the current
	// lock is returned. When the counter reaches threshold the same write
	// locks the account until lockUntil and resets the counter.
	RecordLoginFailure(ctx context.Context, id string, threshold int, now, lockUntil int64) (LoginState, error)
	// RecordLoginSuccess clears the counter and any lock that ended at or
	// before now. An account locked past now is left untouched and its lock
	// is returned.
	RecordLoginSuccess(ctx context.Context, id string, now int64) (LoginState, error)

	// ConsumeBackupCode removes hash from the user's backup codes and
	// reports whether this call removed it.
	ConsumeBackupCode(ctx context.Context, id, hash string) (bool, error)

	AddAllowedApp(ctx context.Context, id, appID string) error
	// RevokeAllowedApp moves appID from the allowed set to the set of apps
	// that must delete the user's data.
	RevokeAllowedApp(ctx context.Context, id, appID string) error
	UsersPendingAppDeletion(ctx context.Context, appID string) ([]string, error)

	// SetLinkedSecret stores blob under name. A nil blob removes it.
	SetLinkedSecret(ctx context.Context, id, name string, blob []byte) error
}

// Sessions persists browser and device sessions.
type Sessions interface {
	CreateSession(ctx context.Context, s *Session) error
	SessionByID(ctx context.Context, id string) (*Session, error)
	UserSessions(ctx context.Context, userID string) ([]*Session, error)
	// MarkSessionValid sets valid=true and moves the expiry to expiresAt.
	MarkSessionValid(ctx context.Context, id string, expiresAt int64) error
	DeleteSession(ctx context.Context, id string) error
	DeleteUserSessions(ctx context.Context, userID string) error
	// DeleteExpiredSessions removes the user's sessions that expired before
	// now. Their ids keep resolving to ErrExpired for the store's retention.
	DeleteExpiredSessions(ctx context.Context, userID string, now int64) (int, error)
	DeleteUnverifiedSessions(ctx context.Context, userID string) (int, error)
}

// Apps persists OAuth applications.
type Apps interface {
	CreateApp(ctx context.Context, a *App) error
	AppByID(ctx context.Context, id string) (*App, error)
	AppsByOwner(ctx context.Context, ownerID string) ([]*App, error)
}

// Codes persists OAuth authorization and refresh codes.
type Codes interface {
	// ReplaceCode deletes every code for the (user, app) pair, authorization
	// and refresh alike, and inserts c.
	ReplaceCode(ctx context.Context, c *Code) error
	CodeByID(ctx context.Context, id string) (*Code, error)
	// ConsumeCode deletes the code and reports whether this call deleted it.
	ConsumeCode(ctx context.Context, id string) (bool, error)
	DeleteUserAppCodes(ctx context.Context, userID, appID string) error
	DeleteUserCodes(ctx context.Context, userID string) error
}

// Grants persists OAuth sessions.
type Grants interface {
	// ReplaceGrant deletes any grant for the (user, app) pair and inserts g.
	ReplaceGrant(ctx context.Context, g *Grant) error
	GrantByID(ctx context.Context, id string) (*Grant, error)
	UserGrants(ctx context.Context, userID string) ([]*Grant, error)
	DeleteGrant(ctx context.Context, id string) error
	DeleteUserAppGrants(ctx context.Context, userID, appID string) error
	DeleteUserGrants(ctx context.Context, userID string) error
}

// Store is the credential store consumed by the engine.
type Store interface {
	Users
	Apps
	Codes
	Grants
}
