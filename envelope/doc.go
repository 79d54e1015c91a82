// Package envelope implements per-user envelope encryption for secrets at rest.
//
// A user key is derived with HKDF-SHA256 from the deployment root secret, a
// global salt, a fixed label and the user identifier, so no key is ever stored.
// Blobs are AES-256-GCM with the random nonce prepended.
//
// A database dump alone does not disclose sealed values. The root secret is
// also required.
package envelope
