package phazeid

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/phazeid/transport/ws"
	"github.com/MrEthical07/phazeid/tunnel"
)

type tunnelFixture struct {
	h      *harness
	server *httptest.Server
	client *tunnel.Client
}

func newTunnelFixture(t *testing.T) *tunnelFixture {
	t.Helper()
	h := newHarness(t, nil)
	srv, err := h.engine.TunnelServer()
	if err != nil {
		t.Fatalf("TunnelServer: %v", err)
	}
	ts := httptest.NewServer(ws.Handler(srv, ws.Options{}))
	t.Cleanup(ts.Close)
	return &tunnelFixture{h: h, server: ts, client: &tunnel.Client{}}
}

// do runs one command on a fresh connection, sending session as the
// session cookie when set.
func (f *tunnelFixture) do(t *testing.T, session string, op tunnel.Opcode, fields ...string) tunnel.Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	header := http.Header{}
	if session != "" {
		header.Add("Cookie", ws.SessionCookie+"="+session)
	}
	conn, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(f.server.URL, "http"), header)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	reply, err := f.client.Do(ctx, conn, "captcha", op, fields...)
	if err != nil {
		t.Fatalf("Do(%s): %v", op, err)
	}
	return reply
}

func TestTunnelLogin(t *testing.T) {
	f := newTunnelFixture(t)
	f.h.verifiedUser(t, "alice", "hunter22")

	reply := f.do(t, "", tunnel.OpLogin, "alice", "hunter22")
	if reply.Status != tunnel.StatusOK {
		t.Fatalf("expected ok, got %s", reply.Status)
	}
	v, err := f.h.engine.SessionState(context.Background(), reply.Payload, "127.0.0.1")
	if err != nil {
		t.Fatalf("SessionState: %v", err)
	}
	if v.State != StateUnverifiedSession {
		t.Fatalf("tunnel login should issue a pending session, got %s", v.State)
	}

	if reply := f.do(t, "", tunnel.OpLogin, "alice", "wrong"); reply.Status != tunnel.StatusInvalidCredentials {
		t.Fatalf("expected invalid credentials, got %s", reply.Status)
	}
	snap := f.h.engine.MetricsSnapshot()
	if snap.Counters[MetricTunnelCommand] != 2 {
		t.Fatalf("expected 2 tunnel commands, got %d", snap.Counters[MetricTunnelCommand])
	}
}

func TestTunnelSignup(t *testing.T) {
	f := newTunnelFixture(t)

	reply := f.do(t, "", tunnel.OpSignup, "alice", "hunter22", "alice@example.com")
	if reply.Status != tunnel.StatusOK || reply.Payload == "" {
		t.Fatalf("expected ok with a token, got %+v", reply)
	}
	if reply := f.do(t, "", tunnel.OpSignup, "alice", "hunter22", "other@example.com"); reply.Status != tunnel.StatusUsernameTaken {
		t.Fatalf("expected username taken, got %s", reply.Status)
	}
	if reply := f.do(t, "", tunnel.OpSignup, "bob", "hunter22", "bad"); reply.Status != tunnel.StatusInvalidEmail {
		t.Fatalf("expected invalid email, got %s", reply.Status)
	}
}

func TestTunnelChangePasswordReadsSessionCookie(t *testing.T) {
	f := newTunnelFixture(t)
	session := f.h.verifiedUser(t, "alice", "hunter22")

	if reply := f.do(t, "", tunnel.OpChangePassword, "newpass1", "hunter22"); reply.Status != tunnel.StatusInvalidSession {
		t.Fatalf("expected invalid session without a cookie, got %s", reply.Status)
	}
	if reply := f.do(t, session, tunnel.OpChangePassword, "newpass1", "wrong"); reply.Status != tunnel.StatusWrongPassword {
		t.Fatalf("expected wrong password, got %s", reply.Status)
	}
	if reply := f.do(t, session, tunnel.OpChangePassword, "newpass1", "hunter22"); reply.Status != tunnel.StatusOK {
		t.Fatalf("expected ok, got %s", reply.Status)
	}
	if reply := f.do(t, session, tunnel.OpChangePassword, "newpass2", "newpass1"); reply.Status != tunnel.StatusCooldown {
		t.Fatalf("expected cooldown, got %s", reply.Status)
	}
}

func TestTunnelPasswordReset(t *testing.T) {
	f := newTunnelFixture(t)
	f.h.verifiedUser(t, "alice", "hunter22")

	if reply := f.do(t, "", tunnel.OpRequestReset, "alice@example.com"); reply.Status != tunnel.StatusOK {
		t.Fatalf("expected ok, got %s", reply.Status)
	}
	msg, _ := f.h.mail.last()
	_, token, _ := strings.Cut(msg.Body, "#")
	token = strings.TrimSpace(token)

	if reply := f.do(t, "", tunnel.OpResetPassword, "newpass1", flipLast(token)); reply.Status != tunnel.StatusInvalidToken {
		t.Fatalf("expected invalid token, got %s", reply.Status)
	}
	if reply := f.do(t, "", tunnel.OpResetPassword, "newpass1", token); reply.Status != tunnel.StatusOK {
		t.Fatalf("expected ok, got %s", reply.Status)
	}
	if reply := f.do(t, "", tunnel.OpRequestReset, "nope"); reply.Status != tunnel.StatusInvalidEmail {
		t.Fatalf("expected invalid email, got %s", reply.Status)
	}
}

func TestTunnelHandlerReportsLockout(t *testing.T) {
	h := newHarness(t, nil)
	h.verifiedUser(t, "alice", "hunter22")
	handler := tunnelHandler{h.engine}
	meta := tunnel.Meta{ConnID: "c1", RemoteIP: testIP}
	login := tunnel.Command{Op: tunnel.OpLogin, Fields: []string{"alice", "wrong"}}

	var reply tunnel.Reply
	for i := 0; i < h.engine.config.Lockout.Threshold; i++ {
		reply = handler.Handle(context.Background(), meta, login)
	}
	if reply.Status != tunnel.StatusLocked {
		t.Fatalf("expected locked, got %s", reply.Status)
	}
	if want := h.clock.Now().Add(h.engine.config.Lockout.Duration).Unix(); reply.LockedUntil != want {
		t.Fatalf("locked until %d, want %d", reply.LockedUntil, want)
	}
	wire, ok := tunnel.EncodeReply(tunnel.OpLogin, reply)
	if !ok || wire != fmt.Sprintf("11%d", reply.LockedUntil) {
		t.Fatalf("unexpected wire reply %q", wire)
	}
}

func TestTunnelReplyMapping(t *testing.T) {
	cases := []struct {
		name string
		op   tunnel.Opcode
		err  error
		want tunnel.Status
	}{
		{"credentials", tunnel.OpLogin, ErrInvalidCredentials, tunnel.StatusInvalidCredentials},
		{"lockout", tunnel.OpLogin, &LockoutError{Until: 42}, tunnel.StatusLocked},
		{"login validation", tunnel.OpLogin, &ValidationError{Field: "username"}, tunnel.StatusInvalidInput},
		{"reset validation", tunnel.OpRequestReset, &ValidationError{Field: "email"}, tunnel.StatusInvalidEmail},
		{"email taken", tunnel.OpSignup, ErrEmailTaken, tunnel.StatusEmailTaken},
		{"pending session", tunnel.OpChangePassword, &PendingVerificationError{}, tunnel.StatusInvalidSession},
		{"expired session", tunnel.OpChangePassword, &SessionError{Reason: SessionExpired}, tunnel.StatusInvalidSession},
		{"cooldown", tunnel.OpResetPassword, &CooldownError{Field: "password"}, tunnel.StatusCooldown},
		{"reset limit", tunnel.OpRequestReset, ErrRateLimited, tunnel.StatusRateLimited},
		{"store down", tunnel.OpLogin, unavailable(errors.New("dial tcp: refused")), tunnel.StatusInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tunnelReply(tc.op, tc.err).Status; got != tc.want {
				t.Fatalf("status = %s, want %s", got, tc.want)
			}
		})
	}
}
