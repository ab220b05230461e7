// Package group implements the TreeKEM-style group key schedule: a balanced
// binary key tree that rotates the shared group secret on every membership
// change with forward secrecy for removed members.
//
// This completes what original_source's reference implementation left
// partial: remove() there blanks a leaf without re-deriving the affected
// path, so a removed member's last-known ancestor secrets would still open
// the very next epoch. Here every membership change re-derives the full
// path from the changed leaf to the root, and Remove additionally rerolls
// a live member's leaf secret in the same commit: blanking alone replays
// every sibling the removed member already held unchanged, so it could
// otherwise recompute the identical new root itself.
package group

import (
	"crypto/rand"
	"crypto/sha256"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"xlink/internal/crypto"
	"xlink/internal/domain"
)

const treeInfo = "treekem"

// Group is one admin-managed multi-peer secure channel.
type Group struct {
	mu sync.RWMutex

	id      domain.GroupId
	adminID domain.DeviceId
	epoch   uint32

	members  []domain.DeviceId // index == leaf index; zero DeviceId means blanked
	leaves   [][32]byte
	capacity int // next power of two >= len(members)

	// senderSeq tracks the next per-sender sequence number. It is not reset
	// when the epoch changes; message keys are bound to the epoch as well
	// as to the sequence number.
	senderSeq map[domain.DeviceId]uint64

	audit []AuditEntry
}

// AuditEntry records one membership change for the group's audit trail.
type AuditEntry struct {
	Epoch  uint32
	Change string
	Member domain.DeviceId
}

// PathUpdate is the sibling-secret material a caller must deliver (over
// pairwise sessions) to the group's members after a membership change.
type PathUpdate struct {
	Epoch         uint32
	ChangedLeaf   int
	SiblingPath   [][32]byte // sibling secrets from the changed leaf up to (not including) the root, in leaf-to-root order
	NewLeafSecret *[32]byte  // set only for the member occupying ChangedLeaf after an add or rotate

	// RefreshedLeaf and RefreshedLeafSecret carry a second leaf's fresh
	// secret rerolled as part of a Remove commit, -1/nil when nothing else
	// needed refreshing (e.g. removing the last remaining member). The
	// member occupying RefreshedLeaf must overwrite their own leaf secret
	// with RefreshedLeafSecret before recomputing the root from SiblingPath.
	RefreshedLeaf       int
	RefreshedLeafSecret *[32]byte
}

// Create builds a fresh group with one randomly generated leaf secret per
// initial member and derives the root (epoch 0).
func Create(id domain.GroupId, adminID domain.DeviceId, initialMembers []domain.DeviceId) (*Group, error) {
	g := &Group{
		id:        id,
		adminID:   adminID,
		members:   append([]domain.DeviceId(nil), initialMembers...),
		senderSeq: make(map[domain.DeviceId]uint64),
	}
	g.capacity = nextPow2(len(g.members))
	g.leaves = make([][32]byte, g.capacity)
	for i := range g.members {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		g.leaves[i] = secret
	}
	g.recomputeRoot()
	return g, nil
}

func randomSecret() ([32]byte, error) {
	var out [32]byte
	if _, err := rand.Read(out[:]); err != nil {
		return out, domain.Wrap(domain.ErrEncryptionFailed, "generate leaf secret", err, nil)
	}
	return out, nil
}

// GroupID, AdminID, Epoch, Members, Secret are read-only accessors; callers
// must not mutate the returned slices.
func (g *Group) GroupID() domain.GroupId { return g.id }
func (g *Group) AdminID() domain.DeviceId { return g.adminID }

func (g *Group) Epoch() uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.epoch
}

func (g *Group) Members() []domain.DeviceId {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]domain.DeviceId, 0, len(g.members))
	for _, m := range g.members {
		if !m.IsZero() {
			out = append(out, m)
		}
	}
	return out
}

// Secret returns the current epoch's group secret (tree root).
func (g *Group) Secret() [32]byte {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.root()
}

func (g *Group) IsMember(id domain.DeviceId) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, m := range g.members {
		if m == id {
			return true
		}
	}
	return false
}

// Add extends the tree to the next free leaf (growing capacity if needed),
// assigns a fresh leaf secret, and re-derives the path to the root. Epoch
// increases by exactly one.
func (g *Group) Add(member domain.DeviceId) (*PathUpdate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := -1
	for i, m := range g.members {
		if m.IsZero() {
			idx = i
			break
		}
	}
	if idx == -1 {
		if len(g.members) >= g.capacity {
			g.grow()
		}
		idx = len(g.members)
		g.members = append(g.members, domain.DeviceId{})
	}
	g.members[idx] = member

	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}
	g.leaves[idx] = secret

	path := g.recomputePath(idx)
	g.epoch++
	g.audit = append(g.audit, AuditEntry{Epoch: g.epoch, Change: "add", Member: member})

	return &PathUpdate{Epoch: g.epoch, ChangedLeaf: idx, SiblingPath: path, NewLeafSecret: &secret, RefreshedLeaf: -1}, nil
}

// Remove blanks the member's leaf and rerolls a live member's leaf secret
// in the same commit, then re-derives every node on the removed member's
// path to the root. Blanking the removed leaf alone is not sufficient for
// forward secrecy: every other leaf and thus every sibling on the removed
// member's copath would stay exactly what it was before removal, so the
// removed member — who already held those unchanged siblings from when it
// was still a member — could replay them against its now-public zero leaf
// and reproduce the identical new root. Rerolling another live leaf's
// secret injects randomness the removed member never possessed into at
// least one sibling on its copath, the standard TreeKEM pattern of an
// own-leaf update accompanying every remove. Epoch increases by exactly
// one.
func (g *Group) Remove(member domain.DeviceId) (*PathUpdate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := -1
	for i, m := range g.members {
		if m == member {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, domain.New(domain.ErrNotGroupMember, "member not in group", map[string]any{"member": member.String()})
	}

	g.members[idx] = domain.DeviceId{}
	g.leaves[idx] = [32]byte{} // blanked

	refreshIdx := g.leafToRefreshAfterRemoving(idx)
	var refreshSecret *[32]byte
	if refreshIdx != -1 {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		g.leaves[refreshIdx] = secret
		refreshSecret = &secret
	}

	path := g.recomputePath(idx)
	g.epoch++
	g.audit = append(g.audit, AuditEntry{Epoch: g.epoch, Change: "remove", Member: member})

	return &PathUpdate{
		Epoch:               g.epoch,
		ChangedLeaf:         idx,
		SiblingPath:         path,
		RefreshedLeaf:       refreshIdx,
		RefreshedLeafSecret: refreshSecret,
	}, nil
}

// leafToRefreshAfterRemoving picks the live leaf whose secret should be
// rerolled alongside blanking removedIdx. It prefers the admin's own leaf,
// since the admin is the party committing the removal, falling back to the
// first remaining live member; it returns -1 when no other member is left.
func (g *Group) leafToRefreshAfterRemoving(removedIdx int) int {
	fallback := -1
	for i, m := range g.members {
		if i == removedIdx || m.IsZero() {
			continue
		}
		if fallback == -1 {
			fallback = i
		}
		if m == g.adminID {
			return i
		}
	}
	return fallback
}

// Rotate replaces member's leaf secret without changing membership,
// equivalent to remove-then-add of the same member.
func (g *Group) Rotate(member domain.DeviceId) (*PathUpdate, error) {
	g.mu.Lock()
	idx := -1
	for i, m := range g.members {
		if m == member {
			idx = i
			break
		}
	}
	g.mu.Unlock()
	if idx == -1 {
		return nil, domain.New(domain.ErrNotGroupMember, "member not in group", map[string]any{"member": member.String()})
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}
	g.leaves[idx] = secret
	path := g.recomputePath(idx)
	g.epoch++
	g.audit = append(g.audit, AuditEntry{Epoch: g.epoch, Change: "rotate", Member: member})

	return &PathUpdate{Epoch: g.epoch, ChangedLeaf: idx, SiblingPath: path, NewLeafSecret: &secret, RefreshedLeaf: -1}, nil
}

func (g *Group) grow() {
	newCap := g.capacity * 2
	if newCap == 0 {
		newCap = 1
	}
	newLeaves := make([][32]byte, newCap)
	copy(newLeaves, g.leaves)
	g.leaves = newLeaves
	g.capacity = newCap
}

// recomputePath re-derives every internal node from idx up to (and
// including) the root and returns the sibling secrets encountered along
// the way, leaf-to-root order.
func (g *Group) recomputePath(idx int) [][32]byte {
	level := append([][32]byte(nil), g.leaves...)
	var siblings [][32]byte

	pos := idx
	for len(level) > 1 {
		siblingPos := pos ^ 1
		if siblingPos < len(level) {
			siblings = append(siblings, level[siblingPos])
		}

		next := make([][32]byte, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next[i/2] = nodeSecret(level[i], level[i+1])
		}
		if len(level)%2 == 1 {
			next[len(next)-1] = level[len(level)-1]
		}
		level = next
		pos /= 2
	}
	return siblings
}

func (g *Group) recomputeRoot() {
	g.recomputePath(0)
}

func (g *Group) root() [32]byte {
	level := g.leaves
	for len(level) > 1 {
		next := make([][32]byte, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next[i/2] = nodeSecret(level[i], level[i+1])
		}
		if len(level)%2 == 1 {
			next[len(next)-1] = level[len(level)-1]
		}
		level = next
	}
	if len(level) == 0 {
		return [32]byte{}
	}
	return level[0]
}

func nodeSecret(left, right [32]byte) [32]byte {
	var out [32]byte
	combined := make([]byte, 64)
	copy(combined[:32], left[:])
	copy(combined[32:], right[:])
	r := hkdf.New(sha256.New, combined, nil, []byte(treeInfo))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		panic("group: hkdf expand failed: " + err.Error())
	}
	crypto.Wipe(combined)
	return out
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p *= 2
	}
	return p
}
