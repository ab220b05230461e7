// Package session implements the per-peer ratcheted crypto session: a
// single-chain-per-direction HKDF ratchet over ChaCha20-Poly1305, matching
// the core's session establishment and message-key derivation contract.
//
// Unlike the teacher's Double Ratchet, this ratchet never performs a
// per-message Diffie-Hellman step: the nonce is the send counter, and a
// DH step would change what a counter addresses mid-stream.
package session

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"xlink/internal/crypto"
	"xlink/internal/domain"
)

const establishInfo = "xlink-session-v1"

// Session is one peer's ratcheted key state.
type Session struct {
	mu sync.Mutex

	PeerID           domain.DeviceId
	PeerStaticPublic domain.X25519Public
	PeerVerifyingKey *domain.Ed25519Public

	rootKey           [32]byte
	sendingChainKey   [32]byte
	receivingChainKey [32]byte
	sendCounter       uint64
	recvCounter       uint64

	skippedBound int
	skipped      map[uint64][32]byte
	skipOrder    []uint64 // oldest first, for bounded eviction
}

// Store is the concurrent per-peer session table: a sharded map with
// per-entry locking, matching the design note that encrypt/decrypt are
// frequent readers and establish/clear are sparse writers.
type Store struct {
	shardMask uint32
	shards    []*shard

	skippedBound int
}

type shard struct {
	mu       sync.RWMutex
	sessions map[domain.DeviceId]*Session
}

const numShards = 16

// NewStore builds a session store bounding each peer's skipped-key map at
// skippedBound entries (spec default: 1024).
func NewStore(skippedBound int) *Store {
	if skippedBound <= 0 {
		skippedBound = 1024
	}
	s := &Store{shardMask: numShards - 1, skippedBound: skippedBound}
	s.shards = make([]*shard, numShards)
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[domain.DeviceId]*Session)}
	}
	return s
}

func (s *Store) shardFor(peer domain.DeviceId) *shard {
	var h uint32
	for _, b := range peer {
		h = h*31 + uint32(b)
	}
	return s.shards[h&s.shardMask]
}

// Establish creates a new session with peer, deriving root/chain keys from
// a static X25519 Diffie-Hellman. Fails SessionAlreadyExists if one exists.
func (s *Store) Establish(localID domain.DeviceId, localPriv domain.X25519Private, peerID domain.DeviceId, peerPub domain.X25519Public, peerVerifyingKey *domain.Ed25519Public) error {
	dh, err := crypto.DH(localPriv, peerPub)
	if err != nil {
		return domain.Wrap(domain.ErrInvalidPeerKey, "diffie-hellman failed", err, map[string]any{"peer": peerID.String()})
	}
	defer crypto.Wipe(dh[:])

	return s.EstablishFromSecret(localID, peerID, peerPub, peerVerifyingKey, dh)
}

// EstablishFromSecret establishes a session from a pre-computed 32-byte
// shared secret rather than performing the DH itself. It is what the
// handshake package's X3DH result feeds into, in place of a bare static
// Diffie-Hellman.
func (s *Store) EstablishFromSecret(localID domain.DeviceId, peerID domain.DeviceId, peerPub domain.X25519Public, peerVerifyingKey *domain.Ed25519Public, secret [32]byte) error {
	sh := s.shardFor(peerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.sessions[peerID]; exists {
		return domain.New(domain.ErrSessionAlreadyExists, "session already established", map[string]any{"peer": peerID.String()})
	}

	material := make([]byte, 96)
	salt := make([]byte, sha256.Size) // salt=0
	r := hkdf.New(sha256.New, secret[:], salt, []byte(establishInfo))
	if _, err := io.ReadFull(r, material); err != nil {
		return domain.Wrap(domain.ErrEncryptionFailed, "hkdf expand failed", err, nil)
	}

	sess := &Session{
		PeerID:           peerID,
		PeerStaticPublic: peerPub,
		PeerVerifyingKey: peerVerifyingKey,
		skippedBound:     s.skippedBound,
		skipped:          make(map[uint64][32]byte),
	}
	copy(sess.rootKey[:], material[0:32])
	chainA := material[32:64]
	chainB := material[64:96]

	// Lower DeviceId is the initiator; it sends on chainA. The responder
	// mirrors: it sends on chainB and receives on chainA.
	if localID.Less(peerID) {
		copy(sess.sendingChainKey[:], chainA)
		copy(sess.receivingChainKey[:], chainB)
	} else {
		copy(sess.sendingChainKey[:], chainB)
		copy(sess.receivingChainKey[:], chainA)
	}

	sh.sessions[peerID] = sess
	return nil
}

// Snapshot is one session's exportable chain state, used by the persisted
// state store to survive a restart without replaying the handshake.
type Snapshot struct {
	PeerID           domain.DeviceId
	PeerStaticPublic domain.X25519Public
	PeerVerifyingKey *domain.Ed25519Public
	RootKey          [32]byte
	SendChainKey     [32]byte
	RecvChainKey     [32]byte
	SendCounter      uint64
	RecvCounter      uint64
}

// Snapshots returns every active session's exportable state.
func (s *Store) Snapshots() []Snapshot {
	var out []Snapshot
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, sess := range sh.sessions {
			sess.mu.Lock()
			out = append(out, Snapshot{
				PeerID:           sess.PeerID,
				PeerStaticPublic: sess.PeerStaticPublic,
				PeerVerifyingKey: sess.PeerVerifyingKey,
				RootKey:          sess.rootKey,
				SendChainKey:     sess.sendingChainKey,
				RecvChainKey:     sess.receivingChainKey,
				SendCounter:      sess.sendCounter,
				RecvCounter:      sess.recvCounter,
			})
			sess.mu.Unlock()
		}
		sh.mu.RUnlock()
	}
	return out
}

// RestoreSession installs a session directly from previously exported
// chain state, bypassing the establish handshake entirely. It overwrites
// any existing session for the peer.
func (s *Store) RestoreSession(peerID domain.DeviceId, peerPub domain.X25519Public, peerVerifyingKey *domain.Ed25519Public, rootKey, sendChain, recvChain [32]byte, sendCounter, recvCounter uint64) {
	sh := s.shardFor(peerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess := &Session{
		PeerID:            peerID,
		PeerStaticPublic:  peerPub,
		PeerVerifyingKey:  peerVerifyingKey,
		rootKey:           rootKey,
		sendingChainKey:   sendChain,
		receivingChainKey: recvChain,
		sendCounter:       sendCounter,
		recvCounter:       recvCounter,
		skippedBound:      s.skippedBound,
		skipped:           make(map[uint64][32]byte),
	}
	sh.sessions[peerID] = sess
}

// Clear removes a peer's session state entirely.
func (s *Store) Clear(peerID domain.DeviceId) {
	sh := s.shardFor(peerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.sessions, peerID)
}

func (s *Store) lookup(peerID domain.DeviceId) (*Session, error) {
	sh := s.shardFor(peerID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sess, ok := sh.sessions[peerID]
	if !ok {
		return nil, domain.New(domain.ErrSessionNotFound, "no session for peer", map[string]any{"peer": peerID.String()})
	}
	return sess, nil
}

// Encrypt derives the next message key from the sending chain, advances
// the chain, and seals plaintext under it. It returns the counter and
// nonce the caller must place in the wire frame, plus ciphertext+tag.
func (s *Store) Encrypt(peerID domain.DeviceId, aad, plaintext []byte) (counter uint64, nonce [12]byte, ciphertext []byte, err error) {
	sess, err := s.lookup(peerID)
	if err != nil {
		return 0, nonce, nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	messageKey := kdfExpand(sess.sendingChainKey[:], "msg")
	defer crypto.Wipe(messageKey)
	nextChain := kdfExpand(sess.sendingChainKey[:], "chain")

	counter = sess.sendCounter
	nonce = counterNonce(counter)

	aead, err := chacha20poly1305.New(messageKey)
	if err != nil {
		return 0, nonce, nil, domain.Wrap(domain.ErrEncryptionFailed, "init aead", err, nil)
	}
	ciphertext = aead.Seal(nil, nonce[:], plaintext, aad)

	// Advance is atomic with the write-out: no cancellation point between
	// producing ciphertext and committing the new chain state.
	copy(sess.sendingChainKey[:], nextChain)
	sess.sendCounter++

	return counter, nonce, ciphertext, nil
}

// Decrypt verifies and opens an inbound frame's ciphertext against the
// session addressed by peerID, handling the skipped-key window for
// reordered or lost messages.
func (s *Store) Decrypt(peerID domain.DeviceId, aad []byte, counter uint64, nonce [12]byte, ciphertext []byte) ([]byte, error) {
	sess, err := s.lookup(peerID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	switch {
	case counter < sess.recvCounter:
		key, ok := sess.skipped[counter]
		if !ok {
			return nil, domain.New(domain.ErrDecryptionFailed, "no skipped key for counter", map[string]any{"peer": peerID.String(), "counter": counter})
		}
		plaintext, err := aeadOpen(key[:], nonce, ciphertext, aad)
		if err != nil {
			return nil, domain.Wrap(domain.ErrDecryptionFailed, "aead open failed", err, nil)
		}
		delete(sess.skipped, counter)
		sess.removeFromOrder(counter)
		return plaintext, nil

	case counter == sess.recvCounter:
		messageKey := kdfExpand(sess.receivingChainKey[:], "msg")
		defer crypto.Wipe(messageKey)
		plaintext, err := aeadOpen(messageKey, nonce, ciphertext, aad)
		if err != nil {
			return nil, domain.Wrap(domain.ErrDecryptionFailed, "aead open failed", err, nil)
		}
		nextChain := kdfExpand(sess.receivingChainKey[:], "chain")
		copy(sess.receivingChainKey[:], nextChain)
		sess.recvCounter++
		return plaintext, nil

	default: // counter > recvCounter: derive and stash skipped keys up to counter-1
		chain := sess.receivingChainKey
		for c := sess.recvCounter; c < counter; c++ {
			messageKey := kdfExpand(chain[:], "msg")
			var stored [32]byte
			copy(stored[:], messageKey)
			crypto.Wipe(messageKey)
			sess.storeSkipped(c, stored)
			nextChain := kdfExpand(chain[:], "chain")
			copy(chain[:], nextChain)
		}
		messageKey := kdfExpand(chain[:], "msg")
		defer crypto.Wipe(messageKey)
		plaintext, err := aeadOpen(messageKey, nonce, ciphertext, aad)
		if err != nil {
			return nil, domain.Wrap(domain.ErrDecryptionFailed, "aead open failed", err, nil)
		}
		nextChain := kdfExpand(chain[:], "chain")
		copy(chain[:], nextChain)
		sess.receivingChainKey = chain
		sess.recvCounter = counter + 1
		return plaintext, nil
	}
}

// storeSkipped inserts a skipped message key, evicting the oldest entry
// once skippedBound is exceeded.
func (s *Session) storeSkipped(counter uint64, key [32]byte) {
	if _, exists := s.skipped[counter]; exists {
		return
	}
	s.skipped[counter] = key
	s.skipOrder = append(s.skipOrder, counter)
	for len(s.skipOrder) > s.skippedBound {
		oldest := s.skipOrder[0]
		s.skipOrder = s.skipOrder[1:]
		delete(s.skipped, oldest)
	}
}

func (s *Session) removeFromOrder(counter uint64) {
	for i, c := range s.skipOrder {
		if c == counter {
			s.skipOrder = append(s.skipOrder[:i], s.skipOrder[i+1:]...)
			return
		}
	}
}

func aeadOpen(key []byte, nonce [12]byte, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return aead.Open(nil, nonce[:], ciphertext, aad)
}

// kdfExpand advances a chain key or derives a message key from it with a
// fixed HKDF info label, per the ratchet's KDF chain.
func kdfExpand(chainKey []byte, info string) []byte {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, chainKey, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		panic("session: hkdf expand failed: " + err.Error())
	}
	return out
}

func counterNonce(counter uint64) [12]byte {
	var n [12]byte
	for i := 0; i < 8; i++ {
		n[i] = byte(counter >> (8 * i))
	}
	return n
}

// Sign signs msg with priv. Used by higher layers (group ops, handshakes),
// not per message.
func Sign(priv domain.Ed25519Private, msg []byte) []byte { return crypto.Sign(priv, msg) }

// Verify checks sig over msg against pub.
func Verify(pub domain.Ed25519Public, msg, sig []byte) bool { return crypto.Verify(pub, msg, sig) }
