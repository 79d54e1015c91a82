// Package rate provides the Redis fixed-window counter and one-shot marker
// the domain limiters are built on.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. The first
// request of a window sets the TTL; the window does not slide.
//
// # What this package must NOT do
//
//   - Implement domain-specific policies (those live in internal/limiters).
//   - Be imported outside the phazeid module.
package rate
