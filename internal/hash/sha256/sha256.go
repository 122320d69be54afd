// Package sha256 fingerprints document content with SHA-256. Two documents
// are the same content exactly when their digests are equal.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements tariff.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
