package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const hashPrefix = "sha256:"

// ContentHash returns the lowercase hex SHA-256 of data
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NormalizeHash accepts "sha256:<hex>" or bare hex and returns lowercase hex
func NormalizeHash(s string) (string, error) {
	h := strings.TrimSpace(s)
	if len(h) >= len(hashPrefix) && strings.EqualFold(h[:len(hashPrefix)], hashPrefix) {
		h = h[len(hashPrefix):]
	}
	h = strings.ToLower(h)
	if len(h) != sha256.Size*2 {
		return "", fmt.Errorf("hash %q is not a sha256 digest", s)
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", fmt.Errorf("hash %q is not hex: %w", s, err)
	}
	return h, nil
}
