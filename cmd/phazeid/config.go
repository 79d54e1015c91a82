package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/phazeid"
	"github.com/caarlos0/env/v11"
)

// serverConfig is the process configuration read from the environment.
type serverConfig struct {
	Port           int      `env:"PORT" envDefault:"8080"`
	Dev            bool     `env:"PHAZEID_DEV"`
	AllowedOrigins []string `env:"PHAZEID_ALLOWED_ORIGINS" envSeparator:"," envDefault:"https://id.phaz.uk,https://id.phazed.xyz"`
	DeploymentName string   `env:"PHAZEID_DEPLOYMENT_NAME" envDefault:"PhazeID"`
	ResetURL       string   `env:"PHAZEID_RESET_URL" envDefault:"https://id.phazed.xyz/reset-password"`
	BindSessionIP  bool     `env:"PHAZEID_BIND_SESSION_IP"`
	Audit          bool     `env:"PHAZEID_AUDIT"`

	// AuditSecurityFile receives lockout, deletion and session audit events
	// as JSON lines when set.
	AuditSecurityFile string `env:"PHAZEID_AUDIT_SECURITY_FILE"`

	// SessionBackend selects where sessions live: "redis" or "mongo".
	SessionBackend string `env:"PHAZEID_SESSION_BACKEND" envDefault:"redis"`

	ShutdownTimeout time.Duration `env:"PHAZEID_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	Mongo     mongoConfig     `envPrefix:"MONGO_"`
	Redis     redisConfig     `envPrefix:"REDIS_"`
	SMTP      smtpConfig      `envPrefix:"SMTP_"`
	Vault     vaultConfig     `envPrefix:"VAULT_"`
	Turnstile turnstileConfig `envPrefix:"TURNSTILE_"`
	IPInfo    ipinfoConfig    `envPrefix:"IPINFO_"`
}

type mongoConfig struct {
	URI      string `env:"URI" envDefault:"mongodb://localhost:27017"`
	Database string `env:"DATABASE" envDefault:"phazeid"`
}

type redisConfig struct {
	Addrs    []string `env:"ADDRS" envSeparator:"," envDefault:"localhost:6379"`
	Password string   `env:"PASSWORD"`
	DB       int      `env:"DB"`
}

type smtpConfig struct {
	Addr     string `env:"ADDR"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	From     string `env:"FROM" envDefault:"noreply@phazed.xyz"`
	FromName string `env:"FROM_NAME" envDefault:"PhazeID"`
}

type vaultConfig struct {
	Secret string `env:"SECRET"`
	Salt   string `env:"SALT"`
}

type turnstileConfig struct {
	Secret string `env:"SECRET"`
}

type ipinfoConfig struct {
	Token string `env:"TOKEN"`
}

// loadConfig parses the environment into a serverConfig.
func loadConfig() (serverConfig, error) {
	cfg, err := env.ParseAs[serverConfig]()
	if err != nil {
		return serverConfig{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return serverConfig{}, err
	}
	return cfg, nil
}

func (c serverConfig) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("PORT must be between 1 and 65535")
	}
	switch c.SessionBackend {
	case "redis", "mongo":
	default:
		return fmt.Errorf("PHAZEID_SESSION_BACKEND must be redis or mongo, got %q", c.SessionBackend)
	}
	if len(c.Redis.Addrs) == 0 {
		return errors.New("REDIS_ADDRS must name at least one address")
	}
	if c.Turnstile.Secret == "" && !c.Dev {
		return errors.New("TURNSTILE_SECRET is required outside dev mode")
	}
	if c.Vault.Secret != "" && c.Vault.Salt == "" {
		return errors.New("VAULT_SALT is required when VAULT_SECRET is set")
	}
	return nil
}

// engineConfig maps the process settings onto the engine defaults.
func (c serverConfig) engineConfig() phazeid.Config {
	cfg := phazeid.DefaultConfig()
	cfg.DeploymentName = c.DeploymentName
	cfg.ResetURL = c.ResetURL
	cfg.Session.BindIP = c.BindSessionIP
	cfg.Audit.Enabled = c.Audit
	if c.Vault.Secret != "" {
		cfg.Vault.RootSecret = []byte(c.Vault.Secret)
		cfg.Vault.Salt = []byte(c.Vault.Salt)
		cfg.MFA.EncryptSecrets = true
	}
	return cfg
}
