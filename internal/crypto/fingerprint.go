package crypto

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Fingerprint returns a short hex fingerprint of a public key, suitable for
// display or log correlation. It hashes with BLAKE3 and truncates to 10
// bytes (20 hex characters) — plenty of collision resistance for a display
// string, matching the teacher's SHA-256-truncated fingerprint length.
func Fingerprint(pub []byte) string {
	h := blake3.New()
	h.Write(pub)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:10])
}
