package store_test

import (
	"testing"

	"xlink/internal/crypto"
	"xlink/internal/domain"
	"xlink/internal/group"
	"xlink/internal/session"
	"xlink/internal/store"
)

func TestExportImportRoundTrip(t *testing.T) {
	identity, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	peer := session.Snapshot{
		PeerID:           domain.NewDeviceId(),
		PeerStaticPublic: identity.XPub,
		RootKey:          [32]byte{1},
		SendChainKey:     [32]byte{2},
		RecvChainKey:     [32]byte{3},
		SendCounter:      4,
		RecvCounter:      5,
	}
	snapshot := store.Snapshot{
		Identity: identity,
		Peers:    []store.PeerState{peer},
		Groups: []store.GroupState{{
			GroupID:  domain.NewGroupId(),
			AdminID:  domain.NewDeviceId(),
			Epoch:    3,
			Members:  []domain.DeviceId{domain.NewDeviceId()},
			LeafSelf: [32]byte{9},
		}},
	}

	blob, err := store.Export(snapshot, "correct horse battery staple")
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	recovered, err := store.Import(blob, "correct horse battery staple")
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	if recovered.Identity.XPub != identity.XPub {
		t.Fatalf("identity did not round-trip")
	}
	if len(recovered.Peers) != 1 || recovered.Peers[0].PeerID != peer.PeerID {
		t.Fatalf("peer state did not round-trip: %+v", recovered.Peers)
	}
	if recovered.Peers[0].SendCounter != 4 || recovered.Peers[0].RecvCounter != 5 {
		t.Fatalf("session counters did not round-trip: %+v", recovered.Peers[0])
	}
	if len(recovered.Groups) != 1 || recovered.Groups[0].Epoch != 3 {
		t.Fatalf("group state did not round-trip: %+v", recovered.Groups)
	}
}

func TestImportRejectsWrongPassphrase(t *testing.T) {
	identity, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	blob, err := store.Export(store.Snapshot{Identity: identity}, "right passphrase")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := store.Import(blob, "wrong passphrase"); err == nil {
		t.Fatalf("expected import with the wrong passphrase to fail")
	}
}

func TestImportRejectsCorruptedBlob(t *testing.T) {
	identity, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	blob, err := store.Export(store.Snapshot{Identity: identity}, "passphrase")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	blob[len(blob)-1] ^= 0xFF

	if _, err := store.Import(blob, "passphrase"); err == nil {
		t.Fatalf("expected import of a tampered blob to fail")
	}
}

func TestCaptureAndRestoreSessions(t *testing.T) {
	aliceID, bobID := domain.NewDeviceId(), domain.NewDeviceId()
	aliceIdentity, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	bobIdentity, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	original := session.NewStore(8)
	if err := original.Establish(aliceID, aliceIdentity.XPriv, bobID, bobIdentity.XPub, &bobIdentity.EdPub); err != nil {
		t.Fatalf("establish: %v", err)
	}

	captured := store.CaptureSessions(original)
	if len(captured) != 1 {
		t.Fatalf("expected exactly one captured session, got %d", len(captured))
	}

	restored := session.NewStore(8)
	store.RestoreSessions(restored, captured)

	// A restored session must be usable for encryption without repeating
	// the handshake.
	_, _, _, err = restored.Encrypt(bobID, []byte("aad"), []byte("hello"))
	if err != nil {
		t.Fatalf("encrypt on restored session: %v", err)
	}
}

func TestCaptureGroupReflectsCurrentEpoch(t *testing.T) {
	admin, memberB := domain.NewDeviceId(), domain.NewDeviceId()
	g, err := group.Create(domain.NewGroupId(), admin, []domain.DeviceId{admin, memberB})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	update, err := g.Rotate(admin)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	captured := store.CaptureGroup(g, *update.NewLeafSecret)
	if captured.Epoch != g.Epoch() {
		t.Fatalf("captured epoch %d, want %d", captured.Epoch, g.Epoch())
	}
	if captured.GroupID != g.GroupID() || captured.AdminID != g.AdminID() {
		t.Fatalf("captured group identity mismatch")
	}
	if len(captured.Members) != 2 {
		t.Fatalf("expected 2 captured members, got %d", len(captured.Members))
	}
}
