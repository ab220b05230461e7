// Package handshake runs an X3DH agreement against a peer's published
// prekey bundle and produces a shared root secret for
// session.Store.EstablishFromSecret. It is strictly additive: a caller who
// already knows a peer's static public key can call session.Store.Establish
// and skip this package entirely.
package handshake

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"xlink/internal/crypto"
	"xlink/internal/domain"
)

const x3dhInfo = "xlink-x3dh-v1"

// SignedPrekey is a medium-term X25519 public key, signed by the owning
// device's Ed25519 identity key so a recipient can authenticate it without
// a prior interactive exchange.
type SignedPrekey struct {
	ID        string
	Public    domain.X25519Public
	Signature []byte
}

// OneTimePrekey is single-use X25519 material that, when present, is
// consumed by exactly one handshake and then discarded to strengthen
// forward secrecy of that first message.
type OneTimePrekey struct {
	ID     string
	Public domain.X25519Public
}

// PrekeyBundle is what a device publishes so peers can bootstrap a session
// with it while it is offline.
type PrekeyBundle struct {
	DeviceID       domain.DeviceId
	IdentityKey    domain.X25519Public
	VerifyingKey   domain.Ed25519Public
	SignedPrekey   SignedPrekey
	OneTimePrekeys []OneTimePrekey
}

// SignBundle produces the signed-prekey signature for a bundle the local
// device is about to publish.
func SignBundle(edPriv domain.Ed25519Private, spk domain.X25519Public) []byte {
	return crypto.Sign(edPriv, spk[:])
}

// VerifyBundle checks the signed prekey's signature against the bundle's
// published verifying key.
func VerifyBundle(bundle PrekeyBundle) bool {
	return crypto.Verify(bundle.VerifyingKey, bundle.SignedPrekey.Public[:], bundle.SignedPrekey.Signature)
}

// InitiatorResult is what the initiator produces: the derived root secret
// (fed into session.Store.EstablishFromSecret in place of a bare DH) plus
// the identifiers the responder needs to reconstruct it.
type InitiatorResult struct {
	RootRaw         [32]byte // HKDF output over the DH transcript; EstablishFromSecret derives root/chain keys from it like any DH output
	EphemeralPublic domain.X25519Public
	SignedPrekeyID  string
	OneTimePrekeyID string // empty if none consumed
}

// InitiateHandshake runs the initiator side of X3DH against a responder's
// published bundle, optionally consuming one one-time prekey.
func InitiateHandshake(local domain.Identity, bundle PrekeyBundle, otp *OneTimePrekey) (InitiatorResult, error) {
	var result InitiatorResult

	if !VerifyBundle(bundle) {
		return result, domain.New(domain.ErrInvalidPeerKey, "signed prekey signature invalid", map[string]any{"peer": bundle.DeviceID.String()})
	}

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return result, domain.Wrap(domain.ErrEncryptionFailed, "generate ephemeral key", err, nil)
	}

	dh1, err := crypto.DH(local.XPriv, bundle.SignedPrekey.Public) // IKa . SPKb
	if err != nil {
		return result, wrapDH(err)
	}
	dh2, err := crypto.DH(ephPriv, bundle.IdentityKey) // EKa . IKb
	if err != nil {
		return result, wrapDH(err)
	}
	dh3, err := crypto.DH(ephPriv, bundle.SignedPrekey.Public) // EKa . SPKb
	if err != nil {
		return result, wrapDH(err)
	}

	transcript := make([]byte, 0, 32*4)
	transcript = append(transcript, dh1[:]...)
	transcript = append(transcript, dh2[:]...)
	transcript = append(transcript, dh3[:]...)

	var otpID string
	if otp != nil {
		dh4, err := crypto.DH(ephPriv, otp.Public) // EKa . OPKb
		if err != nil {
			return result, wrapDH(err)
		}
		transcript = append(transcript, dh4[:]...)
		otpID = otp.ID
	}

	root := deriveRoot(transcript)
	crypto.Wipe(transcript)

	result.RootRaw = root
	result.EphemeralPublic = ephPub
	result.SignedPrekeyID = bundle.SignedPrekey.ID
	result.OneTimePrekeyID = otpID
	return result, nil
}

// RespondHandshake runs the responder side: given the initiator's identity
// public key and ephemeral public key plus the local prekey material used,
// reproduce the same root as InitiateHandshake.
func RespondHandshake(local domain.Identity, spkPriv domain.X25519Private, otpPriv *domain.X25519Private, initiatorIdentity, initiatorEphemeral domain.X25519Public) ([32]byte, error) {
	dh1, err := crypto.DH(spkPriv, initiatorIdentity) // SPKb . IKa
	if err != nil {
		return [32]byte{}, wrapDH(err)
	}
	dh2, err := crypto.DH(local.XPriv, initiatorEphemeral) // IKb . EKa
	if err != nil {
		return [32]byte{}, wrapDH(err)
	}
	dh3, err := crypto.DH(spkPriv, initiatorEphemeral) // SPKb . EKa
	if err != nil {
		return [32]byte{}, wrapDH(err)
	}

	transcript := make([]byte, 0, 32*4)
	transcript = append(transcript, dh1[:]...)
	transcript = append(transcript, dh2[:]...)
	transcript = append(transcript, dh3[:]...)

	if otpPriv != nil {
		dh4, err := crypto.DH(*otpPriv, initiatorEphemeral) // OPKb . EKa
		if err != nil {
			return [32]byte{}, wrapDH(err)
		}
		transcript = append(transcript, dh4[:]...)
	}

	root := deriveRoot(transcript)
	crypto.Wipe(transcript)
	return root, nil
}

func deriveRoot(transcript []byte) [32]byte {
	var out [32]byte
	r := hkdf.New(sha256.New, transcript, nil, []byte(x3dhInfo))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		panic("handshake: hkdf expand failed: " + err.Error())
	}
	return out
}

func wrapDH(err error) error {
	return domain.Wrap(domain.ErrInvalidPeerKey, "diffie-hellman failed", err, nil)
}
