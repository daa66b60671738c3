// Package fingerprint computes content digests used as deduplication keys.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Supported algorithms.
const (
	SHA256  = "sha256"
	BLAKE2b = "blake2b"
)

// Hasher produces fixed-length lowercase hex digests.
type Hasher struct {
	algorithm string
	newHash   func() hash.Hash
}

// NewHasher returns a hasher for the named algorithm. An empty name selects sha256.
func NewHasher(algorithm string) (*Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "", SHA256:
		return &Hasher{algorithm: SHA256, newHash: sha256.New}, nil
	case BLAKE2b, "blake2b-256":
		return &Hasher{algorithm: BLAKE2b, newHash: func() hash.Hash {
			h, _ := blake2b.New256(nil) // only errors on oversized keys
			return h
		}}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
}

// Algorithm returns the algorithm name.
func (h *Hasher) Algorithm() string {
	return h.algorithm
}

// Sum returns the digest of data.
func (h *Hasher) Sum(data []byte) string {
	d := h.newHash()
	d.Write(data)
	return hex.EncodeToString(d.Sum(nil))
}

// SumReader digests everything read from r and returns the digest and byte count.
func (h *Hasher) SumReader(r io.Reader) (string, int64, error) {
	d := h.newHash()
	n, err := io.Copy(d, r)
	if err != nil {
		return "", n, fmt.Errorf("hashing stream: %w", err)
	}
	return hex.EncodeToString(d.Sum(nil)), n, nil
}
