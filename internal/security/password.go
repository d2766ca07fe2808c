package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PasswordIterations is the PBKDF2 round count. Changing it
	// invalidates every stored password record.
	PasswordIterations = 100000

	passwordKeyLen = 32
	saltBytes      = 16
)

// HashPassword hashes password with a fresh random salt and returns the
// hex-encoded hash together with the salt.
func HashPassword(password string) (hash, salt string, err error) {
	b := make([]byte, saltBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	salt = hex.EncodeToString(b)
	return HashPasswordWithSalt(password, salt), salt, nil
}

// HashPasswordWithSalt is the deterministic form of HashPassword: the
// result depends only on password and salt. Empty passwords are hashed as
// given; strength policy is the caller's concern.
func HashPasswordWithSalt(password, salt string) string {
	key := pbkdf2.Key([]byte(password), []byte(salt), PasswordIterations, passwordKeyLen, sha256.New)
	return hex.EncodeToString(key)
}

// VerifyPassword recomputes the hash for password and salt and compares
// it to hash in constant time.
func VerifyPassword(password, hash, salt string) bool {
	computed := HashPasswordWithSalt(password, salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}
