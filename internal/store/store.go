// Package store implements export and import of a device's persisted
// state: its long-term identity, established pairwise sessions, and the
// group leaf secrets it owns. Export produces a single passphrase-sealed
// blob suitable for device migration or backup.
package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"xlink/internal/crypto"
	"xlink/internal/domain"
	"xlink/internal/group"
	"xlink/internal/session"
)

// schemaVersion tags the plaintext envelope so a future format change can
// be detected before an incompatible import corrupts state silently.
const schemaVersion = 1

// PeerState is one established session's durable fields: enough to
// reconstruct a Session without replaying the handshake.
type PeerState = session.Snapshot

// GroupState is the locally owned leaf secret for one group, at the epoch
// it was captured.
type GroupState struct {
	GroupID  domain.GroupId
	AdminID  domain.DeviceId
	Epoch    uint32
	Members  []domain.DeviceId
	LeafSelf [32]byte
}

// Snapshot is the complete plaintext state export bundles before sealing.
type Snapshot struct {
	Version  int
	Identity domain.Identity
	Peers    []PeerState
	Groups   []GroupState
}

// Export serializes snapshot to CBOR and seals it under passphrase with
// the mandated Argon2id/ChaCha20-Poly1305 envelope. The returned blob is
// self-contained: Import needs only the passphrase to recover Snapshot.
func Export(snapshot Snapshot, passphrase string) ([]byte, error) {
	snapshot.Version = schemaVersion

	plaintext, err := cbor.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("store: encode snapshot: %w", err)
	}
	defer crypto.Wipe(plaintext)

	sealed, err := crypto.SealWithPassphrase(passphrase, plaintext, crypto.DefaultArgon2Params())
	if err != nil {
		return nil, fmt.Errorf("store: seal snapshot: %w", err)
	}
	return sealed, nil
}

// Import reverses Export. It fails closed: any decode or version mismatch
// leaves the caller's existing state untouched, since no partial state is
// ever handed back on error.
func Import(blob []byte, passphrase string) (Snapshot, error) {
	plaintext, err := crypto.OpenWithPassphrase(passphrase, blob, crypto.DefaultArgon2Params())
	if err != nil {
		return Snapshot{}, domain.Wrap(domain.ErrDecryptionFailed, "open exported state", err, nil)
	}
	defer crypto.Wipe(plaintext)

	var snapshot Snapshot
	if err := cbor.Unmarshal(plaintext, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("store: decode snapshot: %w", err)
	}
	if snapshot.Version != schemaVersion {
		return Snapshot{}, fmt.Errorf("store: unsupported snapshot version %d", snapshot.Version)
	}
	return snapshot, nil
}

// CaptureGroup extracts the exportable state for a group this device
// belongs to: its own leaf secret is not exposed by Group, so callers that
// need it must track it separately during Add/Rotate. CaptureGroup records
// everything else needed to rejoin a restored session with peers.
func CaptureGroup(g *group.Group, leafSecret [32]byte) GroupState {
	return GroupState{
		GroupID:  g.GroupID(),
		AdminID:  g.AdminID(),
		Epoch:    g.Epoch(),
		Members:  g.Members(),
		LeafSelf: leafSecret,
	}
}

// CaptureSessions snapshots every active session in store for export.
func CaptureSessions(store *session.Store) []PeerState { return store.Snapshots() }

// RestoreSessions re-establishes every peer session in snapshot directly
// from its captured chain state, bypassing EstablishFromSecret's fresh KDF
// derivation since the chains are already derived.
func RestoreSessions(store *session.Store, peers []PeerState) {
	for _, p := range peers {
		store.RestoreSession(p.PeerID, p.PeerStaticPublic, p.PeerVerifyingKey, p.RootKey, p.SendChainKey, p.RecvChainKey, p.SendCounter, p.RecvCounter)
	}
}
