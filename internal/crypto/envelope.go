package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2Params fixes the passphrase KDF cost used to protect exported
// persisted state. The defaults match the migration-export requirement:
// 256 MiB of memory, 3 iterations, single-threaded.
type Argon2Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
}

// DefaultArgon2Params returns the mandated export KDF cost.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{MemoryKiB: 256 * 1024, Iterations: 3, Parallelism: 1}
}

const (
	SaltSize  = 16
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSize
)

// DeriveKey derives a ChaCha20-Poly1305 key from a passphrase and salt
// using Argon2id.
func DeriveKey(passphrase string, salt []byte, params Argon2Params) []byte {
	return argon2.IDKey([]byte(passphrase), salt, params.Iterations, params.MemoryKiB, params.Parallelism, KeySize)
}

// SealWithPassphrase encrypts plaintext under a key derived from passphrase
// and a freshly generated salt, returning salt || nonce || ciphertext+tag.
func SealWithPassphrase(passphrase string, plaintext []byte, params Argon2Params) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generate salt: %w", err)
	}
	key := DeriveKey(passphrase, salt, params)
	defer Wipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: init aead: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	out := make([]byte, 0, SaltSize+NonceSize+len(plaintext)+chacha20poly1305.Overhead)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// OpenWithPassphrase reverses SealWithPassphrase.
func OpenWithPassphrase(passphrase string, blob []byte, params Argon2Params) ([]byte, error) {
	if len(blob) < SaltSize+NonceSize {
		return nil, fmt.Errorf("crypto: envelope too short")
	}
	salt := blob[:SaltSize]
	nonce := blob[SaltSize : SaltSize+NonceSize]
	ciphertext := blob[SaltSize+NonceSize:]

	key := DeriveKey(passphrase, salt, params)
	defer Wipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: init aead: %w", err)
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}
