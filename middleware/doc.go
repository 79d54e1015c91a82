// Package middleware exposes HTTP guards built on phazeid.Engine session and
// OAuth token resolution.
//
// # Guards
//
//   - [RequireVerifiedSession]: the session cookie (or bearer header) must
//     resolve to a VERIFIED session.
//   - [RequireOAuthScope]: the bearer access token must hold a scope.
//
// Each guard stores the resolved caller in the request context, read back
// with [SessionFromContext] or [GrantFromContext].
//
// This package translates HTTP semantics into Engine calls. All decisions
// are made by the Engine.
package middleware
