package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlatformPersists(t *testing.T) {
	dir := t.TempDir()

	p1, err := LoadOrCreatePlatform(dir)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, platformKeyFile))
	require.NoError(t, err)

	p2, err := LoadOrCreatePlatform(dir)
	require.NoError(t, err)
	assert.Equal(t, p1.Fingerprint(), p2.Fingerprint())
	assert.Equal(t, p1.SessionKey(), p2.SessionKey())
	assert.Len(t, p1.SessionKey(), 64)
}

func TestPlatformEphemeral(t *testing.T) {
	p1, err := LoadOrCreatePlatform("")
	require.NoError(t, err)
	p2, err := LoadOrCreatePlatform("")
	require.NoError(t, err)
	assert.NotEqual(t, p1.SessionKey(), p2.SessionKey())
}

func TestPlatformRejectsCorruptKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, platformKeyFile), []byte("junk"), 0o600))
	_, err := LoadOrCreatePlatform(dir)
	assert.Error(t, err)
}
