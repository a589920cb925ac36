// Package sha256 provides the content-addressing digests used for cache keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher computes SHA-256 hex digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Hex(data), nil
}

// Hex returns the lowercase hex SHA-256 digest of data.
func Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HexString is Hex for string input.
func HexString(s string) string {
	return Hex([]byte(s))
}
