// Package sha256 computes content digests for archived objects.
package sha256

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Prefix labels digests produced by this package.
const Prefix = "sha256:"

// Hasher produces "sha256:<hex>" digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Digest returns the prefixed hex digest of data.
func (*Hasher) Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:])
}

// Verify reports whether digest matches data.
func (h *Hasher) Verify(data []byte, digest string) bool {
	return subtle.ConstantTimeCompare([]byte(h.Digest(data)), []byte(digest)) == 1
}
