// Package session provides Redis-backed persistence for login sessions and
// the compact binary encoding they are stored in.
//
// # Binary encoding
//
// A session is stored as a single versioned blob (see [Encode]). The session
// ID is the key; the secret itself is never stored, only its PHC hash.
//
// # Architecture boundaries
//
// This package owns the [Store] (Redis operations) and the codec. It does
// NOT verify secrets, compute verification state, or decide expiry policy;
// those responsibilities belong to the Engine.
//
// # What this package must NOT do
//
//   - Import phazeid (no upward imports).
//   - Store plaintext secrets.
package session
