package crypto

import "xlink/internal/domain"

// NewIdentity generates a fresh device identity: an X25519 pair for session
// establishment and an Ed25519 pair for signing.
func NewIdentity() (domain.Identity, error) {
	var id domain.Identity
	xpriv, xpub, err := GenerateX25519()
	if err != nil {
		return id, err
	}
	edpriv, edpub, err := GenerateEd25519()
	if err != nil {
		return id, err
	}
	id.XPriv, id.XPub = xpriv, xpub
	id.EdPriv, id.EdPub = edpriv, edpub
	return id, nil
}
