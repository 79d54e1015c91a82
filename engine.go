package phazeid

import (
	"context"
	"time"

	"github.com/MrEthical07/phazeid/challenge"
	"github.com/MrEthical07/phazeid/envelope"
	"github.com/MrEthical07/phazeid/geo"
	"github.com/MrEthical07/phazeid/internal/audit"
	"github.com/MrEthical07/phazeid/internal/limiters"
	"github.com/MrEthical07/phazeid/notify"
	"github.com/MrEthical07/phazeid/password"
	"github.com/MrEthical07/phazeid/permission"
	"github.com/MrEthical07/phazeid/store"
	"go.uber.org/zap"
)

const mailTimeout = 10 * time.Second

// Engine runs every credential and session flow. It is built once by
// [Builder] and is safe for concurrent use.
type Engine struct {
	config           Config
	logger           *zap.Logger
	store            store.Store
	sessions         store.Sessions
	passwordHash     *password.Argon2
	vault            *envelope.Vault
	roleManager      *permission.RoleManager
	mailer           notify.Mailer
	locator          geo.Locator
	challenge        challenge.Verifier
	totp             *totpManager
	totpLimiter      *limiters.TOTPLimiter
	totpReplay       *limiters.ReplayGuard
	backupLimiter    *limiters.BackupCodeLimiter
	resetLimiter     *limiters.ResetLimiter
	verifyLimiter    *limiters.VerificationLimiter
	handshakeLimiter *limiters.HandshakeLimiter
	audit            *audit.Dispatcher
	metrics          *Metrics
	now              func() time.Time
}

// Close flushes and stops the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns how many audit events were dropped under backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// AuditDroppedByCategory returns dropped audit events keyed by category
// name. Every category is present.
func (e *Engine) AuditDroppedByCategory() map[string]uint64 {
	if e == nil {
		return (*audit.Dispatcher)(nil).DroppedByCategory()
	}
	return e.audit.DroppedByCategory()
}

// MetricsSnapshot returns a copy of the engine metrics.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	if e == nil {
		return Config{}
	}
	return cloneConfig(e.config)
}

// HealthStatus is an on-demand backend health result.
type HealthStatus struct {
	StoreAvailable    bool
	SessionsAvailable bool
	SessionsLatency   time.Duration
}

type storePinger interface {
	Ping(ctx context.Context) error
}

type sessionPinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// Health pings the backends that support it. Backends without a Ping
// method are reported available.
func (e *Engine) Health(ctx context.Context) HealthStatus {
	if e == nil {
		return HealthStatus{}
	}

	status := HealthStatus{StoreAvailable: true, SessionsAvailable: true}
	if p, ok := e.store.(storePinger); ok {
		status.StoreAvailable = p.Ping(ctx) == nil
	}
	if p, ok := e.sessions.(sessionPinger); ok {
		latency, err := p.Ping(ctx)
		status.SessionsAvailable = err == nil
		status.SessionsLatency = latency
	}
	return status
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) metricObserve(id MetricID, d time.Duration) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Observe(id, d)
}

func (e *Engine) unixNow() int64 {
	return e.now().Unix()
}

// sendMail renders and sends a notification. Delivery failures are logged
// and never reach the caller.
func (e *Engine) sendMail(ctx context.Context, kind notify.Kind, user *store.User, data notify.Data) {
	data.Product = e.config.DeploymentName
	if data.Username == "" {
		data.Username = user.Username
	}

	msg, err := notify.Render(kind, user.Username, user.Email, data)
	if err != nil {
		e.logger.Error("render notification", zap.String("user_id", user.ID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mailTimeout)
	defer cancel()
	if err := e.mailer.Send(ctx, msg); err != nil {
		e.logger.Warn("send notification",
			zap.String("user_id", user.ID),
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
	}
}

func (e *Engine) verifyChallenge(ctx context.Context, token, ip string) error {
	ok, err := e.challenge.Verify(ctx, token, ip)
	if err != nil {
		e.logger.Warn("challenge verification", zap.Error(err))
		return ErrChallengeFailed
	}
	if !ok {
		return ErrChallengeFailed
	}
	return nil
}
