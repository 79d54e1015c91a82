// Package ws carries the tunnel protocol over gorilla/websocket.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/MrEthical07/phazeid/tunnel"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// SessionCookie carries the caller's session token for OpChangePassword.
	SessionCookie = "token"

	writeWait      = 10 * time.Second
	maxMessageSize = 16 * 1024
)

// Conn adapts a websocket connection to tunnel.Conn. Context deadlines
// become socket deadlines.
type Conn struct {
	ws *websocket.Conn
}

// NewConn wraps c.
func NewConn(c *websocket.Conn) *Conn {
	c.SetReadLimit(maxMessageSize)
	return &Conn{ws: c}
}

func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	deadline, _ := ctx.Deadline()
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, msg, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if kind == websocket.BinaryMessage || kind == websocket.TextMessage {
			return msg, nil
		}
	}
}

func (c *Conn) WriteMessage(ctx context.Context, msg []byte) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, msg)
}

// Close sends a normal close frame and closes the socket.
func (c *Conn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// Options configures Handler.
type Options struct {
	// AllowedOrigins lists accepted Origin headers. Empty accepts any.
	AllowedOrigins []string
	// ClientIP extracts the caller address. Defaults to the host of RemoteAddr.
	ClientIP func(*http.Request) string
	Logger   *zap.Logger
}

// Handler upgrades requests and serves one tunnel exchange per connection.
func Handler(srv *tunnel.Server, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clientIP := opts.ClientIP
	if clientIP == nil {
		clientIP = RemoteHost
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		conn := NewConn(c)
		defer conn.Close()

		meta := tunnel.Meta{RemoteIP: clientIP(r)}
		if cookie, err := r.Cookie(SessionCookie); err == nil {
			meta.SessionToken = cookie.Value
		}
		if err := srv.Serve(r.Context(), conn, meta); err != nil {
			logger.Debug("tunnel exchange ended", zap.String("ip", meta.RemoteIP), zap.Error(err))
		}
	})
}

// Dial opens a tunnel connection to url. header may carry the session cookie.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, errors.New("ws: dial " + url + ": " + resp.Status)
		}
		return nil, err
	}
	return NewConn(c), nil
}

// RemoteHost returns the host part of r.RemoteAddr.
func RemoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		for _, a := range allowed {
			if strings.EqualFold(origin, a) {
				return true
			}
		}
		return false
	}
}
