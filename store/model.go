package store

// Location is the network origin recorded on a session at issuance.
type Location struct {
	IP       string `bson:"ip" json:"ip"`
	City     string `bson:"city,omitempty" json:"city,omitempty"`
	Region   string `bson:"region,omitempty" json:"region,omitempty"`
	Country  string `bson:"country,omitempty" json:"country,omitempty"`
	Org      string `bson:"org,omitempty" json:"org,omitempty"`
	Timezone string `bson:"timezone,omitempty" json:"timezone,omitempty"`
}

// PendingEmail holds an email change awaiting confirmation.
type PendingEmail struct {
	Email string `bson:"email"`
	Code  string `bson:"code"`
}

// User is the persisted account record.
type User struct {
	ID           string `bson:"_id"`
	Username     string `bson:"username"`
	PasswordHash string `bson:"password"`

	Email                 string        `bson:"email"`
	EmailVerified         bool          `bson:"email_verified"`
	EmailVerificationCode string        `bson:"email_verification_code"`
	PendingEmail          *PendingEmail `bson:"email_update,omitempty"`

	// MFASecret is empty when MFA is off. A non-empty secret with HasMFA
	// false is an enrollment that has not been confirmed yet.
	MFASecret   string   `bson:"mfa_string"`
	HasMFA      bool     `bson:"has_mfa"`
	BackupCodes []string `bson:"backup_codes"`

	LoginAttempts int   `bson:"login_attempts"`
	AccountLocked bool  `bson:"account_locked"`
	LockedUntil   int64 `bson:"locked_until"`

	LastUsernameChange int64 `bson:"last_username_change"`
	LastEmailChange    int64 `bson:"last_email_change"`
	LastPasswordChange int64 `bson:"last_password_change"`
	LastAvatarChange   int64 `bson:"last_avatar_change"`

	Avatar string `bson:"avatar"`

	PasswordResetHash   string `bson:"password_change_token,omitempty"`
	PasswordResetIssued int64  `bson:"password_change_token_generated"`

	Roles            []string `bson:"roles"`
	AllowedApps      []string `bson:"allowed_apps"`
	AppsToDeleteData []string `bson:"apps_to_delete_data"`

	DeletionFlaggedAfter int64             `bson:"deletion_flagged_after"`
	LinkedSecrets        map[string][]byte `bson:"linked_secrets,omitempty"`

	CreatedAt int64 `bson:"created_at"`
}

// Clone returns a deep copy of u.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	if u.PendingEmail != nil {
		pe := *u.PendingEmail
		out.PendingEmail = &pe
	}
	out.BackupCodes = cloneStrings(u.BackupCodes)
	out.Roles = cloneStrings(u.Roles)
	out.AllowedApps = cloneStrings(u.AllowedApps)
	out.AppsToDeleteData = cloneStrings(u.AppsToDeleteData)
	if u.LinkedSecrets != nil {
		out.LinkedSecrets = make(map[string][]byte, len(u.LinkedSecrets))
		for k, v := range u.LinkedSecrets {
			out.LinkedSecrets[k] = append([]byte(nil), v...)
		}
	}
	return &out
}

// Session is one browser or device login. SecretHash is the only form of
// the token secret that is ever persisted.
type Session struct {
	ID         string   `bson:"_id"`
	UserID     string   `bson:"user_id"`
	SecretHash string   `bson:"token"`
	CreatedAt  int64    `bson:"created_on"`
	ExpiresAt  int64    `bson:"expires_on"`
	Location   Location `bson:"loc"`
	Valid      bool     `bson:"valid"`
}

// Clone returns a copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

// App is a registered OAuth client.
type App struct {
	ID           string   `bson:"_id"`
	Name         string   `bson:"name"`
	AllowSkip    bool     `bson:"allow_skip"`
	KeyHash      string   `bson:"key"`
	RedirectURIs []string `bson:"redirect_uris"`
	OwnerID      string   `bson:"owner_id"`
	CreatedAt    int64    `bson:"created_at"`
}

// Clone returns a deep copy of a.
func (a *App) Clone() *App {
	if a == nil {
		return nil
	}
	out := *a
	out.RedirectURIs = cloneStrings(a.RedirectURIs)
	return &out
}

// HasRedirect reports whether uri is registered for the app.
func (a *App) HasRedirect(uri string) bool {
	for _, r := range a.RedirectURIs {
		if r == uri {
			return true
		}
	}
	return false
}

// Code is an OAuth authorization or refresh code.
type Code struct {
	ID          string   `bson:"_id"`
	SecretHash  string   `bson:"token"`
	AppID       string   `bson:"app_id"`
	RedirectURI string   `bson:"redirect_uri"`
	CreatedAt   int64    `bson:"created_on"`
	ExpiresAt   int64    `bson:"expires_on"`
	Refresh     bool     `bson:"refresh"`
	UserID      string   `bson:"user_id"`
	Scopes      []string `bson:"scopes"`
}

// Clone returns a deep copy of c.
func (c *Code) Clone() *Code {
	if c == nil {
		return nil
	}
	out := *c
	out.Scopes = cloneStrings(c.Scopes)
	return &out
}

// Grant is an issued OAuth access grant (OAuth session).
type Grant struct {
	ID         string   `bson:"_id"`
	SecretHash string   `bson:"token"`
	CreatedAt  int64    `bson:"created_on"`
	ExpiresAt  int64    `bson:"expires_on"`
	AppID      string   `bson:"app_id"`
	AppName    string   `bson:"app_name"`
	UserID     string   `bson:"user_id"`
	Scopes     []string `bson:"scopes"`
}

// Clone returns a deep copy of g.
func (g *Grant) Clone() *Grant {
	if g == nil {
		return nil
	}
	out := *g
	out.Scopes = cloneStrings(g.Scopes)
	return &out
}

// HasScope reports whether scope was granted.
func (g *Grant) HasScope(scope string) bool {
	for _, s := range g.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
