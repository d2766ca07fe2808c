package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avaropoint/stark/internal/config"
)

const (
	seedFile  = "agent.seed"
	seedBytes = 32
	idHexLen  = 12
)

// Identity is the agent's self-assigned ID and what it was derived from.
type Identity struct {
	Hostname string
	Seed     []byte
	ID       string
}

// Derive computes an agent ID from hostname and seed. The same inputs
// always give the same ID.
func Derive(hostname string, seed []byte) string {
	h := sha256.New()
	h.Write([]byte(hostname))
	h.Write([]byte{0})
	h.Write(seed)
	return hostname + "_" + hex.EncodeToString(h.Sum(nil))[:idHexLen]
}

// volatileID formats the wall-clock second as six colon-separated bytes,
// least significant first. It changes on every restart.
func volatileID(hostname string, now time.Time) string {
	t := now.Unix()
	parts := make([]string, 6)
	for i := range parts {
		parts[i] = fmt.Sprintf("%02x", (t>>(8*i))&0xff)
	}
	return hostname + "_" + strings.Join(parts, ":")
}

// LoadIdentity derives the agent identity for the given mode. In stable
// mode the seed persists in dataDir; if it cannot be read or written the
// identity still works for this process and the error is returned for
// the caller to log.
func LoadIdentity(mode, dataDir, hostname string) (Identity, error) {
	if mode == config.IdentityVolatile {
		return Identity{Hostname: hostname, ID: volatileID(hostname, time.Now())}, nil
	}

	seed, err := loadOrGenerateSeed(dataDir)
	if err != nil && seed == nil {
		return Identity{}, err
	}
	return Identity{Hostname: hostname, Seed: seed, ID: Derive(hostname, seed)}, err
}

// loadOrGenerateSeed returns the persisted seed, creating it on first
// use. A seed that could not be saved is still returned with the error.
func loadOrGenerateSeed(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, seedFile)
	data, err := os.ReadFile(path)
	if err == nil {
		seed, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr == nil && len(seed) == seedBytes {
			return seed, nil
		}
	}

	seed := make([]byte, seedBytes)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate identity seed: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return seed, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
		return seed, fmt.Errorf("persist identity seed: %w", err)
	}
	return seed, nil
}
