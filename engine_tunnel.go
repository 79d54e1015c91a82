package phazeid

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/phazeid/tunnel"
	"go.uber.org/zap"
)

// TunnelServer returns a tunnel server that runs login, signup, password
// change and password reset commands against e.
func (e *Engine) TunnelServer() (*tunnel.Server, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	cfg := e.config.Tunnel
	return tunnel.NewServer(tunnel.Config{
		KeyBits:             cfg.KeyBits,
		AllowWeakClientKeys: cfg.AllowWeakClientKeys,
		StepTimeout:         cfg.StepTimeout,
		Challenge:           e.challenge,
		Limiter:             tunnelLimiter{e},
		Logger:              e.logger,
		ObserveHandshake: func(d time.Duration) {
			e.metricObserve(MetricHandshakeLatency, d)
		},
	}, tunnelHandler{e})
}

type tunnelLimiter struct{ e *Engine }

func (l tunnelLimiter) Allow(ctx context.Context, ip string) error {
	err := l.e.handshakeLimiter.Allow(ctx, ip)
	if err == nil {
		return nil
	}
	ctx = WithClientIP(ctx, ip)
	l.e.metricInc(MetricTunnelRejected)
	l.e.emitAudit(ctx, auditEventTunnelHandshakeRejected, false, "", "", ErrRateLimited, nil)
	return err
}

type tunnelHandler struct{ e *Engine }

// Handle runs one decrypted command. Field order follows the opcode table
// in package tunnel.
func (h tunnelHandler) Handle(ctx context.Context, meta tunnel.Meta, cmd tunnel.Command) tunnel.Reply {
	e := h.e
	ctx = WithConnID(WithClientIP(ctx, meta.RemoteIP), meta.ConnID)
	e.metricInc(MetricTunnelCommand)

	var (
		payload string
		err     error
	)
	switch cmd.Op {
	case tunnel.OpLogin:
		var res *AuthResult
		if res, err = e.Login(ctx, cmd.Fields[0], cmd.Fields[1], meta.RemoteIP); err == nil {
			payload = res.Token
		}
	case tunnel.OpSignup:
		var res *AuthResult
		if res, err = e.Signup(ctx, cmd.Fields[0], cmd.Fields[1], cmd.Fields[2], meta.RemoteIP); err == nil {
			payload = res.Token
		}
	case tunnel.OpChangePassword:
		err = e.ChangePassword(ctx, meta.SessionToken, cmd.Fields[1], cmd.Fields[0], meta.RemoteIP)
	case tunnel.OpRequestReset:
		err = e.RequestPasswordReset(ctx, cmd.Fields[0], meta.RemoteIP)
	case tunnel.OpResetPassword:
		err = e.ResetPassword(ctx, cmd.Fields[1], cmd.Fields[0])
	default:
		return tunnel.Reply{Status: tunnel.StatusInternal}
	}

	if err == nil {
		return tunnel.Reply{Status: tunnel.StatusOK, Payload: payload}
	}
	reply := tunnelReply(cmd.Op, err)
	if reply.Status == tunnel.StatusInternal {
		e.logger.Error("tunnel command failed",
			zap.String("conn_id", meta.ConnID),
			zap.String("opcode", string(cmd.Op)),
			zap.Error(err),
		)
	}
	return reply
}

// tunnelReply maps an engine error to the wire status of op.
func tunnelReply(op tunnel.Opcode, err error) tunnel.Reply {
	var lockErr *LockoutError
	switch {
	case errors.As(err, &lockErr):
		return tunnel.Reply{Status: tunnel.StatusLocked, LockedUntil: lockErr.Until}
	case errors.Is(err, ErrInvalidCredentials):
		return tunnel.Reply{Status: tunnel.StatusInvalidCredentials}
	case errors.Is(err, ErrInvalidEmail):
		return tunnel.Reply{Status: tunnel.StatusInvalidEmail}
	case errors.Is(err, ErrValidation):
		if op == tunnel.OpRequestReset {
			return tunnel.Reply{Status: tunnel.StatusInvalidEmail}
		}
		return tunnel.Reply{Status: tunnel.StatusInvalidInput}
	case errors.Is(err, ErrUsernameTaken):
		return tunnel.Reply{Status: tunnel.StatusUsernameTaken}
	case errors.Is(err, ErrEmailTaken):
		return tunnel.Reply{Status: tunnel.StatusEmailTaken}
	case errors.Is(err, ErrSessionInvalid), errors.Is(err, ErrVerificationRequired):
		return tunnel.Reply{Status: tunnel.StatusInvalidSession}
	case errors.Is(err, ErrWrongPassword):
		return tunnel.Reply{Status: tunnel.StatusWrongPassword}
	case errors.Is(err, ErrResetTokenInvalid):
		return tunnel.Reply{Status: tunnel.StatusInvalidToken}
	case errors.Is(err, ErrRateLimited):
		var cd *CooldownError
		if errors.As(err, &cd) {
			return tunnel.Reply{Status: tunnel.StatusCooldown}
		}
		return tunnel.Reply{Status: tunnel.StatusRateLimited}
	}
	return tunnel.Reply{Status: tunnel.StatusInternal}
}
