package phazeid

import (
	"errors"
	"time"
)

// Config is the immutable engine configuration. Start from [DefaultConfig]
// and override fields before passing it to [Builder.WithConfig].
type Config struct {
	// DeploymentName is the product name used as TOTP issuer and in mail subjects.
	DeploymentName string
	// DefaultRole is assigned to every new account.
	DefaultRole string
	// ResetURL is the page that receives a password reset token in its fragment.
	ResetURL string

	Session  SessionConfig
	Lockout  LockoutConfig
	Cooldown CooldownConfig
	Account  AccountConfig
	Password PasswordConfig
	MFA      MFAConfig
	OAuth    OAuthConfig
	Tunnel   TunnelConfig
	Vault    VaultConfig
	Reset    ResetConfig
	Verify   VerifyConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls session lifetime and binding.
type SessionConfig struct {
	RedisPrefix string
	// TTL is the lifetime of a verified session.
	TTL time.Duration
	// PendingTTL is the lifetime of a login session until it is verified.
	PendingTTL time.Duration
	// Retention is how long past expiry a session id is still reported as
	// expired instead of unknown.
	Retention time.Duration
	// BindIP rejects a session presented from an IP other than the issuing one.
	BindIP bool
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig controls brute-force lockout on login.
type LockoutConfig struct {
	Threshold int
	Duration  time.Duration
}

// CooldownConfig holds the minimum interval between changes of each field.
type CooldownConfig struct {
	Username time.Duration
	Email    time.Duration
	Password time.Duration
	Avatar   time.Duration
}

/*
====================================
ACCOUNT CONFIG
====================================
*/

// AccountConfig holds account input limits and lifecycle settings.
type AccountConfig struct {
	UsernameMaxLength      int
	EmailMaxLength         int
	VerificationCodeLength int
	DefaultAvatar          string
	// DeletionGrace is how long a scheduled deletion can be undone.
	DeletionGrace time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds argon2id parameters and the password length limit.
type PasswordConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	MaxLength      int
	UpgradeOnLogin bool
}

/*
====================================
MFA CONFIG
====================================
*/

// MFAConfig controls TOTP and backup codes.
type MFAConfig struct {
	Digits           int
	Period           int
	Skew             int
	BackupCodeCount  int
	BackupCodeLength int
	// MaxAttempts failed TOTP codes within Cooldown block further attempts.
	MaxAttempts             int
	Cooldown                time.Duration
	EnforceReplayProtection bool
	// BackupCodeMaxAttempts failed backup codes block backup redemption for
	// BackupCodeCooldown.
	BackupCodeMaxAttempts int
	BackupCodeCooldown    time.Duration
	// EncryptSecrets seals stored TOTP secrets with the envelope vault.
	EncryptSecrets bool
}

/*
====================================
OAUTH CONFIG
====================================
*/

// OAuthConfig controls the authorization server.
type OAuthConfig struct {
	CodeTTL        time.Duration
	GrantTTL       time.Duration
	RefreshCodeTTL time.Duration
	EnableRefresh  bool
	// Scopes lists the scopes an application may request.
	Scopes []string
	// RegisterPermission is the permission needed to register applications.
	RegisterPermission string
}

/*
====================================
TUNNEL CONFIG
====================================
*/

// TunnelConfig controls the encrypted command channel.
type TunnelConfig struct {
	KeyBits int
	// AllowWeakClientKeys accepts 1024-bit client keys.
	AllowWeakClientKeys bool
	StepTimeout         time.Duration
	HandshakeLimit      int
	HandshakeWindow     time.Duration
}

// VaultConfig holds the envelope encryption root material. Both values are
// copied at build time.
type VaultConfig struct {
	RootSecret []byte
	Salt       []byte
}

/*
====================================
RESET CONFIG
====================================
*/

// ResetConfig controls password reset requests.
type ResetConfig struct {
	TokenTTL                 time.Duration
	MaxRequests              int
	Window                   time.Duration
	EnableIPThrottle         bool
	EnableIdentifierThrottle bool
}

// VerifyConfig throttles email verification code attempts, both for new
// accounts and for pending email changes. MaxAttempts counts every attempt
// per user; IPMaxFailures counts wrong codes per client IP.
type VerifyConfig struct {
	MaxAttempts              int
	IPMaxFailures            int
	Window                   time.Duration
	EnableIPThrottle         bool
	EnableIdentifierThrottle bool
}

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls in-process metrics.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		DeploymentName: "PhazeID",
		DefaultRole:    "USER",
		ResetURL:       "https://id.phazed.xyz/reset-password",
		Session: SessionConfig{
			RedisPrefix: "pzs",
			TTL:         2629800 * time.Second,
			PendingTTL:  15 * time.Minute,
			Retention:   2629800 * time.Second,
			BindIP:      false,
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Duration:  15 * time.Minute,
		},
		Cooldown: CooldownConfig{
			Username: 15 * time.Minute,
			Email:    15 * time.Minute,
			Password: 15 * time.Minute,
			Avatar:   15 * time.Second,
		},
		Account: AccountConfig{
			UsernameMaxLength:      50,
			EmailMaxLength:         100,
			VerificationCodeLength: 6,
			DefaultAvatar:          "default",
			DeletionGrace:          24 * time.Hour,
		},
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			MaxLength:      50,
			UpgradeOnLogin: true,
		},
		MFA: MFAConfig{
			Digits:                  6,
			Period:                  30,
			Skew:                    0,
			BackupCodeCount:         6,
			BackupCodeLength:        8,
			MaxAttempts:             5,
			Cooldown:                time.Minute,
			EnforceReplayProtection: true,
			BackupCodeMaxAttempts:   5,
			BackupCodeCooldown:      10 * time.Minute,
		},
		OAuth: OAuthConfig{
			CodeTTL:            60 * time.Second,
			GrantTTL:           2629800 * time.Second,
			RefreshCodeTTL:     31557600 * time.Second,
			EnableRefresh:      true,
			Scopes:             []string{"identify"},
			RegisterPermission: "oauth.app.register",
		},
		Tunnel: TunnelConfig{
			KeyBits:         2048,
			StepTimeout:     30 * time.Second,
			HandshakeLimit:  30,
			HandshakeWindow: time.Minute,
		},
		Reset: ResetConfig{
			TokenTTL:                 15 * time.Minute,
			MaxRequests:              5,
			Window:                   15 * time.Minute,
			EnableIPThrottle:         true,
			EnableIdentifierThrottle: true,
		},
		Verify: VerifyConfig{
			MaxAttempts:              5,
			IPMaxFailures:            20,
			Window:                   15 * time.Minute,
			EnableIPThrottle:         true,
			EnableIdentifierThrottle: true,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Vault.RootSecret = cloneBytes(cfg.Vault.RootSecret)
	out.Vault.Salt = cloneBytes(cfg.Vault.Salt)
	if cfg.OAuth.Scopes != nil {
		out.OAuth.Scopes = append([]string(nil), cfg.OAuth.Scopes...)
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.DeploymentName == "" {
		return errors.New("DeploymentName must be set")
	}
	if c.DefaultRole == "" {
		return errors.New("DefaultRole must be set")
	}

	// Session
	if c.Session.TTL <= 0 {
		return errors.New("Session TTL must be > 0")
	}
	if c.Session.PendingTTL <= 0 || c.Session.PendingTTL > c.Session.TTL {
		return errors.New("Session PendingTTL must be > 0 and <= TTL")
	}
	if c.Session.Retention < 0 {
		return errors.New("Session Retention must be >= 0")
	}

	// Lockout
	if c.Lockout.Threshold < 1 {
		return errors.New("Lockout Threshold must be >= 1")
	}
	if c.Lockout.Duration <= 0 {
		return errors.New("Lockout Duration must be > 0")
	}

	if c.Cooldown.Username < 0 || c.Cooldown.Email < 0 || c.Cooldown.Password < 0 || c.Cooldown.Avatar < 0 {
		return errors.New("Cooldown durations must be >= 0")
	}

	// Account
	if c.Account.UsernameMaxLength < 1 {
		return errors.New("Account UsernameMaxLength must be >= 1")
	}
	if c.Account.EmailMaxLength < 3 {
		return errors.New("Account EmailMaxLength must be >= 3")
	}
	if c.Account.VerificationCodeLength < 4 {
		return errors.New("Account VerificationCodeLength must be >= 4")
	}
	if c.Account.DeletionGrace <= 0 {
		return errors.New("Account DeletionGrace must be > 0")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MaxLength < 1 {
		return errors.New("Password MaxLength must be >= 1")
	}

	// MFA
	if c.MFA.Digits != 6 && c.MFA.Digits != 8 {
		return errors.New("MFA Digits must be 6 or 8")
	}
	if c.MFA.Period <= 0 {
		return errors.New("MFA Period must be > 0")
	}
	if c.MFA.Skew < 0 || c.MFA.Skew > 2 {
		return errors.New("MFA Skew must be between 0 and 2")
	}
	if c.MFA.BackupCodeCount < 1 {
		return errors.New("MFA BackupCodeCount must be >= 1")
	}
	if c.MFA.BackupCodeLength < 6 {
		return errors.New("MFA BackupCodeLength must be >= 6")
	}
	if c.MFA.BackupCodeMaxAttempts < 1 {
		return errors.New("MFA BackupCodeMaxAttempts must be >= 1")
	}
	if c.MFA.BackupCodeCooldown <= 0 {
		return errors.New("MFA BackupCodeCooldown must be > 0")
	}
	if c.MFA.EncryptSecrets && len(c.Vault.RootSecret) == 0 {
		return errors.New("MFA EncryptSecrets requires Vault RootSecret")
	}

	// OAuth
	if c.OAuth.CodeTTL <= 0 || c.OAuth.GrantTTL <= 0 {
		return errors.New("OAuth CodeTTL and GrantTTL must be > 0")
	}
	if c.OAuth.EnableRefresh && c.OAuth.RefreshCodeTTL <= 0 {
		return errors.New("OAuth RefreshCodeTTL must be > 0 when EnableRefresh is true")
	}
	if len(c.OAuth.Scopes) == 0 {
		return errors.New("OAuth Scopes must not be empty")
	}
	if c.OAuth.RegisterPermission == "" {
		return errors.New("OAuth RegisterPermission must be set")
	}

	// Tunnel
	if c.Tunnel.KeyBits < 2048 {
		return errors.New("Tunnel KeyBits must be >= 2048")
	}
	if c.Tunnel.StepTimeout <= 0 {
		return errors.New("Tunnel StepTimeout must be > 0")
	}
	if c.Tunnel.HandshakeLimit < 0 {
		return errors.New("Tunnel HandshakeLimit must be >= 0")
	}
	if c.Tunnel.HandshakeLimit > 0 && c.Tunnel.HandshakeWindow <= 0 {
		return errors.New("Tunnel HandshakeWindow must be > 0 when HandshakeLimit is set")
	}

	// Reset
	if c.Reset.TokenTTL <= 0 {
		return errors.New("Reset TokenTTL must be > 0")
	}
	if (c.Reset.EnableIPThrottle || c.Reset.EnableIdentifierThrottle) && (c.Reset.MaxRequests < 1 || c.Reset.Window <= 0) {
		return errors.New("Reset MaxRequests and Window must be set when throttling is enabled")
	}

	// Verify
	if (c.Verify.EnableIPThrottle || c.Verify.EnableIdentifierThrottle) && (c.Verify.MaxAttempts < 1 || c.Verify.Window <= 0) {
		return errors.New("Verify MaxAttempts and Window must be set when throttling is enabled")
	}
	if c.Verify.IPMaxFailures < 0 {
		return errors.New("Verify IPMaxFailures must be >= 0")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}

	return nil
}
