// Package crypto exposes the primitives the session, handshake, and group
// packages build on: X25519 key generation and Diffie-Hellman, Ed25519
// signing, key fingerprints, and best-effort memory wiping for sensitive
// byte slices.
//
// Key generation, Diffie-Hellman and signing operate on the fixed-size key
// types in internal/domain so callers never need to guess a slice's role
// from its length.
package crypto
