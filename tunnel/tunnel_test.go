package tunnel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/phazeid/challenge"
)

type pipeConn struct {
	in   <-chan []byte
	out  chan<- []byte
	once sync.Once
}

func pipe() (*pipeConn, *pipeConn) {
	a := make(chan []byte, 4)
	b := make(chan []byte, 4)
	return &pipeConn{in: a, out: b}, &pipeConn{in: b, out: a}
}

func (p *pipeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-p.in:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) WriteMessage(_ context.Context, msg []byte) error {
	p.out <- append([]byte(nil), msg...)
	return nil
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.out) })
	return nil
}

type runResult struct {
	reply     Reply
	clientErr error
	serverErr error
}

func run(t *testing.T, srv *Server, client *Client, token string, op Opcode, fields ...string) runResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	serverSide, clientSide := pipe()
	errCh := make(chan error, 1)
	go func() {
		err := srv.Serve(ctx, serverSide, Meta{RemoteIP: "203.0.113.9", SessionToken: "sess"})
		serverSide.Close()
		errCh <- err
	}()
	reply, err := client.Do(ctx, clientSide, token, op, fields...)
	return runResult{reply: reply, clientErr: err, serverErr: <-errCh}
}

func newTestServer(t *testing.T, cfg Config, h Handler) *Server {
	t.Helper()
	if cfg.Challenge == nil {
		cfg.Challenge = challenge.Static(true)
	}
	srv, err := NewServer(cfg, h)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func TestServeLoginRoundTrip(t *testing.T) {
	var got Command
	var gotMeta Meta
	h := HandlerFunc(func(_ context.Context, meta Meta, cmd Command) Reply {
		got, gotMeta = cmd, meta
		return Reply{Status: StatusOK, Payload: "session-token"}
	})
	var observed time.Duration
	srv := newTestServer(t, Config{ObserveHandshake: func(d time.Duration) { observed = d }}, h)

	res := run(t, srv, &Client{}, "captcha", OpLogin, "alice", "correct horse")
	if res.clientErr != nil || res.serverErr != nil {
		t.Fatalf("client=%v server=%v", res.clientErr, res.serverErr)
	}
	if res.reply.Status != StatusOK || res.reply.Payload != "session-token" {
		t.Fatalf("unexpected reply %+v", res.reply)
	}
	if got.Op != OpLogin || len(got.Fields) != 2 || got.Fields[0] != "alice" || got.Fields[1] != "correct horse" {
		t.Fatalf("handler got %+v", got)
	}
	if gotMeta.ConnID == "" || gotMeta.SessionToken != "sess" {
		t.Fatalf("meta not propagated: %+v", gotMeta)
	}
	if observed <= 0 {
		t.Fatal("expected handshake observation")
	}
}

func TestServeChunksReplyForWeakClientKey(t *testing.T) {
	payload := strings.Repeat("a", 24) + strings.Repeat("b", 64) + strings.Repeat("c", 40)
	h := HandlerFunc(func(context.Context, Meta, Command) Reply {
		return Reply{Status: StatusOK, Payload: payload}
	})
	srv := newTestServer(t, Config{AllowWeakClientKeys: true}, h)

	res := run(t, srv, &Client{KeyBits: WeakKeyBits}, "captcha", OpSignup, "bob", "pw", "bob@example.com")
	if res.clientErr != nil || res.serverErr != nil {
		t.Fatalf("client=%v server=%v", res.clientErr, res.serverErr)
	}
	if res.reply.Payload != payload {
		t.Fatalf("payload mismatch: %q", res.reply.Payload)
	}
}

func TestServeRejectsWeakClientKey(t *testing.T) {
	h := HandlerFunc(func(context.Context, Meta, Command) Reply {
		t.Fatal("handler must not run")
		return Reply{}
	})
	srv := newTestServer(t, Config{}, h)

	res := run(t, srv, &Client{KeyBits: WeakKeyBits}, "captcha", OpRequestReset, "a@example.com")
	if !errors.Is(res.serverErr, ErrWeakKey) {
		t.Fatalf("expected ErrWeakKey, got %v", res.serverErr)
	}
	if res.clientErr == nil {
		t.Fatal("client should see the connection end")
	}
}

func TestServeChallengeFailureClosesSilently(t *testing.T) {
	h := HandlerFunc(func(context.Context, Meta, Command) Reply {
		t.Fatal("handler must not run")
		return Reply{}
	})
	srv := newTestServer(t, Config{Challenge: challenge.Static(false)}, h)

	res := run(t, srv, &Client{}, "bad", OpRequestReset, "a@example.com")
	if !errors.Is(res.serverErr, ErrChallengeFailed) {
		t.Fatalf("expected ErrChallengeFailed, got %v", res.serverErr)
	}
	if !errors.Is(res.clientErr, io.EOF) {
		t.Fatalf("expected EOF on client, got %v", res.clientErr)
	}
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) error { return errors.New("over limit") }

func TestServeHandshakeLimit(t *testing.T) {
	h := HandlerFunc(func(context.Context, Meta, Command) Reply { return Reply{} })
	srv := newTestServer(t, Config{Limiter: denyLimiter{}}, h)

	serverSide, _ := pipe()
	err := srv.Serve(context.Background(), serverSide, Meta{RemoteIP: "198.51.100.1"})
	if !errors.Is(err, ErrHandshakeLimited) {
		t.Fatalf("expected ErrHandshakeLimited, got %v", err)
	}
}

func TestServeInternalStatusSendsNothing(t *testing.T) {
	h := HandlerFunc(func(context.Context, Meta, Command) Reply {
		return Reply{Status: StatusInternal}
	})
	srv := newTestServer(t, Config{}, h)

	res := run(t, srv, &Client{}, "captcha", OpResetPassword, "newpass", "token")
	if !errors.Is(res.serverErr, ErrNoReply) {
		t.Fatalf("expected ErrNoReply, got %v", res.serverErr)
	}
	if !errors.Is(res.clientErr, io.EOF) {
		t.Fatalf("expected EOF on client, got %v", res.clientErr)
	}
}

func TestServeLockedReply(t *testing.T) {
	h := HandlerFunc(func(context.Context, Meta, Command) Reply {
		return Reply{Status: StatusLocked, LockedUntil: 1700000000}
	})
	srv := newTestServer(t, Config{}, h)

	res := run(t, srv, &Client{}, "captcha", OpLogin, "alice", "x")
	if res.clientErr != nil {
		t.Fatalf("client: %v", res.clientErr)
	}
	if res.reply.Status != StatusLocked || res.reply.LockedUntil != 1700000000 {
		t.Fatalf("unexpected reply %+v", res.reply)
	}
}

func TestServeRejectsTamperedFrame(t *testing.T) {
	key, err := GenerateKey(MinKeyBits)
	if err != nil {
		t.Fatal(err)
	}
	ct, err := EncryptOAEP(&key.PublicKey, []byte("alice"))
	if err != nil {
		t.Fatal(err)
	}
	frame, err := EncodeCommand(OpLogin, [][]byte{ct, ct})
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string][]byte{
		"truncated":     frame[:len(frame)-1],
		"trailing":      append(append([]byte(nil), frame...), 0),
		"unknown op":    append([]byte("ZZ"), frame[2:]...),
		"wrong count":   append([]byte("RP"), frame[2:]...),
		"empty":         {},
		"oversized seg": append([]byte("AL\x01\xff\xff"), bytes.Repeat([]byte{1}, 0xffff)...),
	}
	for name, f := range cases {
		if _, _, err := DecodeCommand(f, key.Size()); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("%s: expected ErrMalformedFrame, got %v", name, err)
		}
	}

	flipped := append([]byte(nil), frame...)
	flipped[len(flipped)-1] ^= 0xff
	if _, err := decryptCommand(flipped, key); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestReplyWireCodes(t *testing.T) {
	cases := []struct {
		op    Opcode
		reply Reply
		wire  string
	}{
		{OpLogin, Reply{Status: StatusOK, Payload: "tok"}, "0tok"},
		{OpLogin, Reply{Status: StatusInvalidCredentials}, "10"},
		{OpLogin, Reply{Status: StatusLocked, LockedUntil: 42}, "1142"},
		{OpSignup, Reply{Status: StatusEmailTaken}, "13"},
		{OpChangePassword, Reply{Status: StatusCooldown}, "13"},
		{OpRequestReset, Reply{Status: StatusRateLimited}, "11"},
		{OpResetPassword, Reply{Status: StatusInvalidToken}, "10"},
	}
	for _, tc := range cases {
		wire, ok := EncodeReply(tc.op, tc.reply)
		if !ok || wire != tc.wire {
			t.Fatalf("%s %s: got %q ok=%v, want %q", tc.op, tc.reply.Status, wire, ok, tc.wire)
		}
	}

	if _, ok := EncodeReply(OpRequestReset, Reply{Status: StatusLocked}); ok {
		t.Fatal("locked has no code for reset requests")
	}
	if r, err := ParseReply(OpLogin, "10"); err != nil || r.Status != StatusInvalidCredentials {
		t.Fatalf("ParseReply: %+v %v", r, err)
	}
	if _, err := ParseReply(OpSignup, "99"); !errors.Is(err, ErrUnknownReply) {
		t.Fatalf("expected ErrUnknownReply, got %v", err)
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePublicKey("not base64!", MinKeyBits); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}
	if _, err := ParsePublicKey("AAAA", MinKeyBits); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}
}
