// Package internal contains helpers that are private to phazeid: opaque token
// encoding and secure random generation.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - rate: Redis-backed fixed-window counters and one-shot markers
//   - limiters: domain limiters built on rate (TOTP, reset requests, tunnel handshakes)
//
// # What this package must NOT do
//
//   - Export types that appear in the public phazeid API.
//   - Be imported by any package outside the phazeid module.
package internal
