package main

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaropoint/stark/internal/config"
)

func TestDeriveDeterministic(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")
	a := Derive("web-01", seed)
	assert.Equal(t, a, Derive("web-01", seed))
	assert.Regexp(t, regexp.MustCompile(`^web-01_[0-9a-f]{12}$`), a)

	assert.NotEqual(t, a, Derive("web-02", seed))
	assert.NotEqual(t, a, Derive("web-01", []byte("other seed")))
}

func TestDeriveSeparatesHostAndSeed(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must not collide.
	assert.NotEqual(t, Derive("ab", []byte("c")), Derive("a", []byte("bc")))
}

func TestVolatileID(t *testing.T) {
	now := time.Unix(0x0102030405, 0)
	assert.Equal(t, "host_05:04:03:02:01:00", volatileID("host", now))
}

func TestLoadIdentityStablePersists(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadIdentity(config.IdentityStable, dir, "web-01")
	require.NoError(t, err)
	assert.Len(t, first.Seed, seedBytes)

	_, err = os.Stat(filepath.Join(dir, seedFile))
	require.NoError(t, err)

	second, err := LoadIdentity(config.IdentityStable, dir, "web-01")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestLoadIdentityReplacesCorruptSeed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, seedFile), []byte("zz"), 0o600))

	id, err := LoadIdentity(config.IdentityStable, dir, "h")
	require.NoError(t, err)
	assert.Len(t, id.Seed, seedBytes)
}

func TestLoadIdentityUnwritableDir(t *testing.T) {
	// A regular file where the data dir should be.
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	id, err := LoadIdentity(config.IdentityStable, filepath.Join(blocker, "sub"), "h")
	assert.Error(t, err)
	assert.NotEmpty(t, id.ID, "in-memory seed still yields an ID")
}

func TestLoadIdentityVolatile(t *testing.T) {
	id, err := LoadIdentity(config.IdentityVolatile, t.TempDir(), "h")
	require.NoError(t, err)
	assert.Regexp(t, `^h_([0-9a-f]{2}:){5}[0-9a-f]{2}$`, id.ID)
	assert.Nil(t, id.Seed)
}
