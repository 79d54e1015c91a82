package tunnel

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/MrEthical07/phazeid/challenge"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrHandshakeLimited = errors.New("tunnel: handshake rate limited")
	ErrChallengeFailed  = errors.New("tunnel: challenge failed")
	ErrNoReply          = errors.New("tunnel: status has no wire code")
)

const defaultStepTimeout = 30 * time.Second

// Conn is a message-oriented connection. Each call moves one whole message.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, msg []byte) error
}

// Meta describes the transport a command arrived on.
type Meta struct {
	ConnID   string
	RemoteIP string
	// SessionToken is the caller's session token taken from the transport,
	// used by OpChangePassword.
	SessionToken string
}

// Command is a decrypted command.
type Command struct {
	Op     Opcode
	Fields []string
}

// Handler runs decrypted commands.
type Handler interface {
	Handle(ctx context.Context, meta Meta, cmd Command) Reply
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, meta Meta, cmd Command) Reply

func (f HandlerFunc) Handle(ctx context.Context, meta Meta, cmd Command) Reply {
	return f(ctx, meta, cmd)
}

// Limiter admits handshakes per client IP.
type Limiter interface {
	Allow(ctx context.Context, ip string) error
}

// Config configures a Server.
type Config struct {
	// KeyBits is the size of the per-connection server key.
	KeyBits int
	// AllowWeakClientKeys lowers the client key minimum to WeakKeyBits.
	AllowWeakClientKeys bool
	// StepTimeout bounds every read.
	StepTimeout time.Duration

	Challenge challenge.Verifier
	Limiter   Limiter
	Logger    *zap.Logger
	// ObserveHandshake receives the time from challenge acceptance to the
	// encrypted OK.
	ObserveHandshake func(time.Duration)
}

// Server runs the tunnel protocol on accepted connections.
type Server struct {
	cfg     Config
	handler Handler
	logger  *zap.Logger
}

// NewServer validates cfg and returns a server dispatching to h.
func NewServer(cfg Config, h Handler) (*Server, error) {
	if h == nil {
		return nil, errors.New("tunnel: handler required")
	}
	if cfg.Challenge == nil {
		return nil, errors.New("tunnel: challenge verifier required")
	}
	if cfg.KeyBits == 0 {
		cfg.KeyBits = MinKeyBits
	}
	if cfg.KeyBits < WeakKeyBits {
		return nil, fmt.Errorf("tunnel: key size %d below %d", cfg.KeyBits, WeakKeyBits)
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, handler: h, logger: logger.Named("tunnel")}, nil
}

// Serve runs one handshake and one command on conn. It never replies to a
// peer that breaks the protocol; the returned error says why the exchange
// ended early. The caller closes conn.
func (s *Server) Serve(ctx context.Context, conn Conn, meta Meta) error {
	if meta.ConnID == "" {
		meta.ConnID = uuid.NewString()
	}
	log := s.logger.With(zap.String("conn_id", meta.ConnID), zap.String("ip", meta.RemoteIP))

	if s.cfg.Limiter != nil {
		if err := s.cfg.Limiter.Allow(ctx, meta.RemoteIP); err != nil {
			log.Info("handshake rejected", zap.Error(err))
			return fmt.Errorf("%w: %v", ErrHandshakeLimited, err)
		}
	}

	token, err := s.read(ctx, conn)
	if err != nil {
		return err
	}
	ok, err := s.cfg.Challenge.Verify(ctx, string(token), meta.RemoteIP)
	if err != nil {
		log.Warn("challenge verification", zap.Error(err))
		return ErrChallengeFailed
	}
	if !ok {
		return ErrChallengeFailed
	}

	start := time.Now()
	priv, clientPub, err := s.handshake(ctx, conn)
	if err != nil {
		log.Debug("handshake failed", zap.Error(err))
		return err
	}
	if s.cfg.ObserveHandshake != nil {
		s.cfg.ObserveHandshake(time.Since(start))
	}

	frame, err := s.read(ctx, conn)
	if err != nil {
		return err
	}
	cmd, err := decryptCommand(frame, priv)
	if err != nil {
		log.Debug("bad command frame", zap.Error(err))
		return err
	}

	reply := s.handler.Handle(ctx, meta, cmd)
	log = log.With(zap.String("opcode", string(cmd.Op)), zap.Stringer("status", reply.Status))
	if reply.Status == StatusInternal {
		log.Warn("command failed")
		return ErrNoReply
	}
	wire, ok := EncodeReply(cmd.Op, reply)
	if !ok {
		log.Error("status not mapped for opcode")
		return ErrNoReply
	}

	out, err := encryptReply(clientPub, []byte(wire))
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(ctx, out); err != nil {
		return err
	}
	log.Debug("command served")
	return nil
}

func (s *Server) handshake(ctx context.Context, conn Conn) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	priv, err := GenerateKey(s.cfg.KeyBits)
	if err != nil {
		return nil, nil, err
	}
	encoded, err := EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	if err := conn.WriteMessage(ctx, []byte(encoded)); err != nil {
		return nil, nil, err
	}

	msg, err := s.read(ctx, conn)
	if err != nil {
		return nil, nil, err
	}
	minBits := MinKeyBits
	if s.cfg.AllowWeakClientKeys {
		minBits = WeakKeyBits
	}
	clientPub, err := ParsePublicKey(string(msg), minBits)
	if err != nil {
		return nil, nil, err
	}

	okMsg, err := EncryptOAEP(clientPub, []byte("OK"))
	if err != nil {
		return nil, nil, err
	}
	if err := conn.WriteMessage(ctx, okMsg); err != nil {
		return nil, nil, err
	}
	return priv, clientPub, nil
}

func (s *Server) read(ctx context.Context, conn Conn) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()
	return conn.ReadMessage(ctx)
}

func decryptCommand(frame []byte, priv *rsa.PrivateKey) (Command, error) {
	op, segments, err := DecodeCommand(frame, priv.Size())
	if err != nil {
		return Command{}, err
	}
	fields := make([]string, len(segments))
	for i, seg := range segments {
		plain, err := DecryptOAEP(priv, seg)
		if err != nil {
			return Command{}, err
		}
		if !utf8.Valid(plain) {
			return Command{}, ErrMalformedFrame
		}
		fields[i] = string(plain)
	}
	return Command{Op: op, Fields: fields}, nil
}

// encryptReply splits msg into chunks that fit one OAEP block each.
func encryptReply(pub *rsa.PublicKey, msg []byte) ([]byte, error) {
	chunk := MaxPlaintext(pub)
	var segments [][]byte
	for len(msg) > 0 {
		n := min(chunk, len(msg))
		ct, err := EncryptOAEP(pub, msg[:n])
		if err != nil {
			return nil, err
		}
		segments = append(segments, ct)
		msg = msg[n:]
	}
	return EncodeReplyFrame(segments)
}
