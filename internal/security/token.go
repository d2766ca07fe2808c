package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// DefaultTokenBytes is the default amount of randomness in an agent
	// token (256 bits).
	DefaultTokenBytes = 32

	// MinTokenBytes is the floor for configured token sizes (128 bits).
	MinTokenBytes = 16

	tokenPrefixLen = 8
)

// NewTokenValue returns n random bytes from crypto/rand, hex encoded.
func NewTokenValue(n int) (string, error) {
	if n < MinTokenBytes {
		return "", fmt.Errorf("token size %d below minimum of %d bytes", n, MinTokenBytes)
	}
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// HashToken returns the SHA-256 hash of a token value for lookups
// without storing the raw token.
func HashToken(value string) string {
	h := sha256.Sum256([]byte(value))
	return hex.EncodeToString(h[:])
}

// tokenPrefix returns the short identifying prefix shown in listings.
func tokenPrefix(value string) string {
	if len(value) <= tokenPrefixLen {
		return value
	}
	return value[:tokenPrefixLen]
}
