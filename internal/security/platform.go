package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

const platformKeyFile = "platform.key"

// Platform holds the server's Ed25519 identity keypair and a derived
// symmetric key used to sign administrator sessions.
type Platform struct {
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
	sessionKey []byte // HKDF-derived key for HS256 session tokens
}

// Fingerprint returns the SHA-256 hex fingerprint of the platform public key.
// This uniquely identifies the deployment instance.
func (p *Platform) Fingerprint() string {
	h := sha256.Sum256(p.PublicKey)
	return hex.EncodeToString(h[:])
}

// SessionKey returns the symmetric key for session token signing.
func (p *Platform) SessionKey() []byte {
	return p.sessionKey
}

// LoadOrCreatePlatform loads the platform keypair from dataDir or generates
// one. An empty dataDir yields an ephemeral key that is never written, so
// sessions do not survive a restart.
func LoadOrCreatePlatform(dataDir string) (*Platform, error) {
	if dataDir == "" {
		return generatePlatformKey("")
	}
	keyPath := filepath.Join(dataDir, platformKeyFile)
	if fileExists(keyPath) {
		return loadPlatformKey(keyPath)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return generatePlatformKey(keyPath)
}

func loadPlatformKey(path string) (*Platform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("invalid platform key file")
	}

	if len(block.Bytes) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid platform key size")
	}

	return newPlatform(ed25519.NewKeyFromSeed(block.Bytes)), nil
}

func generatePlatformKey(path string) (*Platform, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	if path != "" {
		if err := writePEM(path, "PRIVATE KEY", priv.Seed()); err != nil {
			return nil, fmt.Errorf("write platform key: %w", err)
		}
	}

	return newPlatform(priv), nil
}

func newPlatform(priv ed25519.PrivateKey) *Platform {
	// HKDF-SHA-512: deterministic, one-way derivation of a separate
	// symmetric key from the identity seed.
	sessionKey := make([]byte, 64)
	r := hkdf.New(sha512.New, priv.Seed(), []byte("stark-session-v1"), []byte("admin-session"))
	io.ReadFull(r, sessionKey) //nolint:errcheck

	return &Platform{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		privateKey: priv,
		sessionKey: sessionKey,
	}
}
