package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	AlgorithmSHA256     = "sha256"
	AlgorithmBlake2b256 = "blake2b_256"
)

// Hasher digests the canonical encoding of a value.
type Hasher interface {
	Hash(data interface{}) (string, error)
	Algorithm() string
}

type digestFunc func([]byte) [32]byte

type jsonHasher struct {
	name   string
	digest digestFunc
}

// New returns the hasher for the named algorithm.
func New(algorithm string) (Hasher, error) {
	switch algorithm {
	case "", AlgorithmSHA256:
		return jsonHasher{name: AlgorithmSHA256, digest: sha256.Sum256}, nil
	case AlgorithmBlake2b256:
		return jsonHasher{name: AlgorithmBlake2b256, digest: blake2b.Sum256}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

// Default is the SHA-256 hasher.
func Default() Hasher {
	return jsonHasher{name: AlgorithmSHA256, digest: sha256.Sum256}
}

func (h jsonHasher) Hash(data interface{}) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data: %w", err)
	}

	sum := h.digest(jsonData)
	return hex.EncodeToString(sum[:]), nil
}

func (h jsonHasher) Algorithm() string {
	return h.name
}

func Calculate(data interface{}) (string, error) {
	return Default().Hash(data)
}

func CalculateString(data string) string {
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
