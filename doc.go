// Package phazeid is an identity provider core: account credentials, opaque
// session tokens with a verification state machine, brute-force lockout,
// TOTP second factor with backup codes, and an OAuth2 authorization-code
// server for third-party applications.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Tokens
//
// Every credential the engine hands out (session, reset, OAuth code and
// access token) has the form {24 hex id}{64 alphanumeric secret}. Only an
// argon2id hash of the secret is stored.
//
// # Verification
//
// A session moves through email verification, then MFA, then session
// confirmation. [VerifyState] reports the next step; operations that need
// a VERIFIED session return a [*PendingVerificationError] naming it.
//
// # Architecture boundaries
//
// The package exposes [Engine], [Builder], [Config] and value types. Storage
// lives behind the interfaces in package store, the encrypted command
// channel in package tunnel, and rate limiting and audit dispatch under
// internal/.
//
// # What this package must NOT do
//
//   - Store a token secret, password or backup code in plaintext.
//   - Tell an OAuth client why a token exchange failed.
//   - Import any sub-package that re-imports phazeid.
package phazeid
