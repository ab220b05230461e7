package group

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"xlink/internal/crypto"
	"xlink/internal/domain"
)

const messageInfo = "treekem-message"

// EncryptedMessage is one group-frame's crypto payload.
type EncryptedMessage struct {
	Epoch      uint32
	SenderID   domain.DeviceId
	Seq        uint64
	Nonce      [12]byte
	Ciphertext []byte
}

// Encrypt seals plaintext under the current epoch's group secret, keyed by
// the caller's next per-sender sequence number.
func (g *Group) Encrypt(sender domain.DeviceId, plaintext []byte) (*EncryptedMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.memberLocked(sender) {
		return nil, domain.New(domain.ErrNotGroupMember, "sender not in group", map[string]any{"member": sender.String()})
	}

	seq := g.senderSeq[sender]
	g.senderSeq[sender] = seq + 1

	key := deriveMessageKey(g.root(), g.epoch, sender, seq)
	defer crypto.Wipe(key)

	var nonce [12]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, domain.Wrap(domain.ErrEncryptionFailed, "generate nonce", err, nil)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, domain.Wrap(domain.ErrEncryptionFailed, "init aead", err, nil)
	}
	aad := groupAAD(g.id, g.epoch, sender, seq)
	ciphertext := aead.Seal(nil, nonce[:], plaintext, aad)

	return &EncryptedMessage{Epoch: g.epoch, SenderID: sender, Seq: seq, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// Decrypt opens a group message. A message from a stale or future epoch is
// rejected with EpochMismatch; the caller must re-sync before retrying.
func (g *Group) Decrypt(msg *EncryptedMessage) ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if msg.Epoch != g.epoch {
		return nil, domain.New(domain.ErrEpochMismatch, "message epoch does not match current epoch", map[string]any{
			"have": g.epoch, "got": msg.Epoch,
		})
	}
	if !g.memberLocked(msg.SenderID) {
		return nil, domain.New(domain.ErrNotGroupMember, "sender not in group", map[string]any{"member": msg.SenderID.String()})
	}

	key := deriveMessageKey(g.root(), msg.Epoch, msg.SenderID, msg.Seq)
	defer crypto.Wipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, domain.Wrap(domain.ErrDecryptionFailed, "init aead", err, nil)
	}
	aad := groupAAD(g.id, msg.Epoch, msg.SenderID, msg.Seq)
	plaintext, err := aead.Open(nil, msg.Nonce[:], msg.Ciphertext, aad)
	if err != nil {
		return nil, domain.Wrap(domain.ErrDecryptionFailed, "aead open failed", err, nil)
	}
	return plaintext, nil
}

func (g *Group) memberLocked(id domain.DeviceId) bool {
	for _, m := range g.members {
		if m == id {
			return true
		}
	}
	return false
}

func deriveMessageKey(groupSecret [32]byte, epoch uint32, sender domain.DeviceId, seq uint64) []byte {
	info := make([]byte, 0, len(messageInfo)+16+4+8)
	info = append(info, []byte(messageInfo)...)
	info = append(info, sender[:]...)
	var e [4]byte
	binary.LittleEndian.PutUint32(e[:], epoch)
	info = append(info, e[:]...)
	var s [8]byte
	binary.LittleEndian.PutUint64(s[:], seq)
	info = append(info, s[:]...)

	out := make([]byte, 32)
	r := hkdf.New(sha256.New, groupSecret[:], nil, info)
	if _, err := io.ReadFull(r, out); err != nil {
		panic("group: hkdf expand failed: " + err.Error())
	}
	return out
}

func groupAAD(groupID domain.GroupId, epoch uint32, sender domain.DeviceId, seq uint64) []byte {
	aad := make([]byte, 0, 16+4+16+8)
	aad = append(aad, groupID[:]...)
	var e [4]byte
	binary.LittleEndian.PutUint32(e[:], epoch)
	aad = append(aad, e[:]...)
	aad = append(aad, sender[:]...)
	var s [8]byte
	binary.LittleEndian.PutUint64(s[:], seq)
	aad = append(aad, s[:]...)
	return aad
}
