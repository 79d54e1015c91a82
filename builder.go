package phazeid

import (
	"errors"
	"time"

	"github.com/MrEthical07/phazeid/challenge"
	"github.com/MrEthical07/phazeid/envelope"
	"github.com/MrEthical07/phazeid/geo"
	"github.com/MrEthical07/phazeid/internal/audit"
	"github.com/MrEthical07/phazeid/internal/limiters"
	"github.com/MrEthical07/phazeid/notify"
	"github.com/MrEthical07/phazeid/password"
	"github.com/MrEthical07/phazeid/permission"
	"github.com/MrEthical07/phazeid/session"
	"github.com/MrEthical07/phazeid/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RoleDeveloper may register OAuth applications under the default roles.
const RoleDeveloper = "DEV"

// Builder assembles an [Engine]. Configure it during initialization and
// call Build once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	store    store.Store
	sessions store.Sessions

	permissions []string
	roles       map[string][]string

	mailer    notify.Mailer
	locator   geo.Locator
	challenge challenge.Verifier
	auditSink AuditSink
	logger    *zap.Logger
	now       func() time.Time

	built bool
}

// New returns a builder holding [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client used by the session store and the
// attempt limiters. It is required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithStore sets the credential store. It is required.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithSessionStore overrides the Redis session store.
func (b *Builder) WithSessionStore(s store.Sessions) *Builder {
	b.sessions = s
	return b
}

// WithPermissions registers extra permission names usable in roles.
func (b *Builder) WithPermissions(perms []string) *Builder {
	b.permissions = perms
	return b
}

// WithRoles replaces the default roles. Each role maps to the permissions
// it grants.
func (b *Builder) WithRoles(r map[string][]string) *Builder {
	b.roles = r
	return b
}

// WithMailer sets the notification mailer. Mail is discarded without one.
func (b *Builder) WithMailer(m notify.Mailer) *Builder {
	b.mailer = m
	return b
}

// WithLocator sets the IP geolocation lookup used on session issue.
func (b *Builder) WithLocator(l geo.Locator) *Builder {
	b.locator = l
	return b
}

// WithChallenge sets the captcha verifier. Without one every challenge fails.
func (b *Builder) WithChallenge(v challenge.Verifier) *Builder {
	b.challenge = v
	return b
}

// WithAuditSink sets where audit events go when auditing is enabled.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the engine logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock overrides the time source.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithMetricsEnabled toggles in-process metrics.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and wires the engine. A builder can
// only be built once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.store == nil {
		return nil, errors.New("credential store required")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}

	// -------- PERMISSION REGISTRY --------
	registry := permission.NewRegistry()
	if err := registry.Register(cfg.OAuth.RegisterPermission); err != nil {
		return nil, err
	}
	for _, p := range b.permissions {
		if p == cfg.OAuth.RegisterPermission {
			continue
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	registry.Freeze()

	// -------- ROLE MANAGER --------
	roles := b.roles
	if len(roles) == 0 {
		roles = map[string][]string{
			cfg.DefaultRole: nil,
			RoleDeveloper:   {cfg.OAuth.RegisterPermission},
		}
	}
	roleManager := permission.NewRoleManager(registry)
	for roleName, permList := range roles {
		if err := roleManager.RegisterRole(roleName, permList); err != nil {
			return nil, err
		}
	}
	roleManager.Freeze()

	if !roleManager.HasRole(cfg.DefaultRole) {
		return nil, errors.New("DefaultRole does not exist in role manager")
	}

	// -------- SESSION STORE --------
	sessions := b.sessions
	if sessions == nil {
		sessions = session.NewStore(b.redis, cfg.Session.RedisPrefix, cfg.Session.Retention)
	}

	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	var vault *envelope.Vault
	if len(cfg.Vault.RootSecret) > 0 {
		vault, err = envelope.NewVault(cfg.Vault.RootSecret, cfg.Vault.Salt)
		if err != nil {
			return nil, err
		}
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mailer := b.mailer
	if mailer == nil {
		mailer = notify.Discard
	}
	locator := b.locator
	if locator == nil {
		locator = geo.Static()
	}
	verifier := b.challenge
	if verifier == nil {
		verifier = challenge.Static(false)
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	engine := &Engine{
		config:       cloneConfig(cfg),
		logger:       logger.Named("phazeid"),
		store:        b.store,
		sessions:     sessions,
		passwordHash: ph,
		vault:        vault,
		roleManager:  roleManager,
		mailer:       mailer,
		locator:      locator,
		challenge:    verifier,
		now:          now,
	}

	engine.totpLimiter = limiters.NewTOTPLimiter(b.redis, limiters.TOTPLimiterConfig{
		MaxAttempts: cfg.MFA.MaxAttempts,
		Cooldown:    cfg.MFA.Cooldown,
	})
	if cfg.MFA.EnforceReplayProtection {
		period := time.Duration(cfg.MFA.Period) * time.Second
		engine.totpReplay = limiters.NewReplayGuard(b.redis, period*time.Duration(2*cfg.MFA.Skew+2))
	}
	engine.backupLimiter = limiters.NewBackupCodeLimiter(b.redis, limiters.BackupCodeLimiterConfig{
		MaxAttempts: cfg.MFA.BackupCodeMaxAttempts,
		Cooldown:    cfg.MFA.BackupCodeCooldown,
	})
	engine.verifyLimiter = limiters.NewVerificationLimiter(b.redis, limiters.VerificationConfig{
		EnableIdentifierThrottle: cfg.Verify.EnableIdentifierThrottle,
		EnableIPThrottle:         cfg.Verify.EnableIPThrottle,
		Window:                   cfg.Verify.Window,
		MaxAttempts:              cfg.Verify.MaxAttempts,
		IPMaxFailures:            cfg.Verify.IPMaxFailures,
	})
	engine.resetLimiter = limiters.NewResetLimiter(b.redis, limiters.ResetConfig{
		EnableIdentifierThrottle: cfg.Reset.EnableIdentifierThrottle,
		EnableIPThrottle:         cfg.Reset.EnableIPThrottle,
		Window:                   cfg.Reset.Window,
		MaxAttempts:              cfg.Reset.MaxRequests,
	})
	if cfg.Tunnel.HandshakeLimit > 0 {
		engine.handshakeLimiter = limiters.NewHandshakeLimiter(b.redis, cfg.Tunnel.HandshakeLimit, cfg.Tunnel.HandshakeWindow)
	}
	engine.totp = newTOTPManager(cfg.DeploymentName, cfg.MFA)
	engine.metrics = NewMetrics(cfg.Metrics)
	if cfg.Audit.Enabled {
		engine.audit = audit.NewDispatcher(audit.Config{
			Enabled:    true,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, b.auditSink)
	}

	b.built = true

	return engine, nil
}
