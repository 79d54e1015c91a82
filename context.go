package phazeid

import "context"

type clientIPContextKey struct{}
type userAgentContextKey struct{}
type connIDContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. The engine uses it
// for audit events when an operation has no explicit IP argument.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the HTTP User-Agent string to ctx for audit metadata.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// WithConnID attaches a tunnel connection id to ctx.
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDContextKey{}, connID)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func userAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	userAgent, _ := ctx.Value(userAgentContextKey{}).(string)
	return userAgent
}

func connIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	connID, _ := ctx.Value(connIDContextKey{}).(string)
	return connID
}
