// Package password implements argon2id hashing and verification for phazeid.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// The same hasher protects user passwords and the secret half of every opaque
// credential the engine issues. Only the PHC string is ever persisted.
//
// # Architecture boundaries
//
// This package owns hashing and verification only. Length policy and lockout
// are enforced by the Engine.
//
// # What this package must NOT do
//
//   - Store or retrieve secrets. Callers supply plaintext and receive hashes.
//   - Import any other phazeid package.
//   - Log plaintext input.
package password
