package domain

import "crypto/ed25519"

// X25519Public and X25519Private are raw Curve25519 key material.
type X25519Public [32]byte
type X25519Private [32]byte

func (p X25519Public) Slice() []byte  { return p[:] }
func (p X25519Private) Slice() []byte { return p[:] }

// Ed25519Public and Ed25519Private wrap the stdlib signing key shapes so
// callers never mix them up with the X25519 family.
type Ed25519Public [ed25519.PublicKeySize]byte
type Ed25519Private [ed25519.PrivateKeySize]byte

func (p Ed25519Public) Slice() ed25519.PublicKey   { return ed25519.PublicKey(p[:]) }
func (p Ed25519Private) Slice() ed25519.PrivateKey { return ed25519.PrivateKey(p[:]) }

// Identity is a device's long-term key material: an X25519 pair used for
// session establishment and an Ed25519 pair used for signing.
type Identity struct {
	XPriv X25519Private
	XPub  X25519Public

	EdPriv Ed25519Private
	EdPub  Ed25519Public
}
