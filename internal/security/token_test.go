package security

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenValue(t *testing.T) {
	v, err := NewTokenValue(DefaultTokenBytes)
	require.NoError(t, err)
	assert.Len(t, v, 64)
	_, err = hex.DecodeString(v)
	assert.NoError(t, err)

	other, err := NewTokenValue(DefaultTokenBytes)
	require.NoError(t, err)
	assert.NotEqual(t, v, other)

	_, err = NewTokenValue(MinTokenBytes - 1)
	assert.Error(t, err)
}

func TestHashToken(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken("abc"))
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
	assert.Len(t, HashToken(""), 64)
}

func TestTokenPrefix(t *testing.T) {
	assert.Equal(t, "abcdef01", tokenPrefix("abcdef0123456789"))
	assert.Equal(t, "abc", tokenPrefix("abc"))
}
