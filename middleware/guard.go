package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/MrEthical07/phazeid"
	"github.com/MrEthical07/phazeid/store"
)

// SessionCookie is the cookie that carries the session token.
const SessionCookie = "token"

type sessionContextKey struct{}
type grantContextKey struct{}

// Session is the authenticated caller attached to the request context.
type Session struct {
	Token   string
	User    *store.User
	Session *store.Session
}

// Grant is the OAuth caller attached to the request context.
type Grant struct {
	User  *store.User
	Grant *store.Grant
}

// SessionFromContext returns the session stored by RequireVerifiedSession.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(*Session)
	return s, ok
}

// GrantFromContext returns the grant stored by RequireOAuthScope.
func GrantFromContext(ctx context.Context) (*Grant, bool) {
	g, ok := ctx.Value(grantContextKey{}).(*Grant)
	return g, ok
}

// RequireVerifiedSession admits requests whose session token resolves to a
// VERIFIED session. A pending session gets 403 so the client can continue
// verification; anything else gets 401.
func RequireVerifiedSession(engine *phazeid.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token := SessionToken(r)
			if token == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := WithRequestContext(r)
			user, sess, err := engine.RequireVerified(ctx, token, ClientIP(r))
			switch {
			case err == nil:
			case errors.Is(err, phazeid.ErrVerificationRequired):
				http.Error(w, "verification required", http.StatusForbidden)
				return
			case errors.Is(err, phazeid.ErrStoreUnavailable):
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			default:
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx = context.WithValue(ctx, sessionContextKey{}, &Session{Token: token, User: user, Session: sess})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireOAuthScope admits requests whose bearer access token holds scope.
func RequireOAuthScope(engine *phazeid.Engine, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := WithRequestContext(r)
			user, grant, err := engine.ResolveAccessToken(ctx, token, scope)
			switch {
			case err == nil:
			case errors.Is(err, phazeid.ErrOAuthScopeDenied):
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			case errors.Is(err, phazeid.ErrStoreUnavailable):
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			default:
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx = context.WithValue(ctx, grantContextKey{}, &Grant{User: user, Grant: grant})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionToken reads the session cookie, falling back to a bearer
// Authorization header.
func SessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	token, _ := bearerToken(r.Header.Get("Authorization"))
	return token
}

// ClientIP returns the host part of r.RemoteAddr. Deployments behind a proxy
// should rewrite RemoteAddr before this runs.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WithRequestContext attaches the client IP and user agent of r to its
// context for audit events.
func WithRequestContext(r *http.Request) context.Context {
	ctx := phazeid.WithClientIP(r.Context(), ClientIP(r))
	return phazeid.WithUserAgent(ctx, r.UserAgent())
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
