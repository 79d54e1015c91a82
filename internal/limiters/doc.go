// Package limiters provides domain-specific rate limiters built on top of the
// internal/rate primitives.
//
// # Limiters
//
//   - [TOTPLimiter]: per-user failure budget for MFA codes.
//   - [ReplayGuard]: rejects a TOTP step that was already accepted for a user.
//   - [BackupCodeLimiter]: per-user failure budget for MFA backup codes.
//   - [VerificationLimiter]: per-user + per-IP budget for email code attempts.
//   - [ResetLimiter]: per-email + per-IP budget for password reset requests.
//   - [HandshakeLimiter]: per-IP budget for tunnel handshakes.
//
// All limiters are nil-safe: calling any method on a nil receiver allows.
//
// # Architecture boundaries
//
// Each limiter owns its own Redis key namespace and error types. Thresholds
// come from Config structs supplied at construction time.
//
// # What this package must NOT do
//
//   - Import phazeid or any sibling internal package except internal/rate.
//   - Make policy decisions beyond counting; the Engine decides consequences.
package limiters
