// Package store defines the persistence contract of phazeid: the record
// models (users, sessions, OAuth applications, codes and grants) and the
// interfaces the engine consumes.
//
// Adapters live in sub-packages:
//
//   - mongostore: MongoDB, used in production
//   - memstore: in-process maps, used by tests and local runs
//
// The Redis session store in package session also satisfies [Sessions].
//
// Mutations that guard security state (lockout counters, one-time codes,
// backup codes, cooldown-protected fields) are single conditional writes so
// that concurrent requests cannot double count or double spend.
package store
