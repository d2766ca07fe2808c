package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, salt, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.Len(t, salt, 32)
	assert.Len(t, hash, 64)

	assert.True(t, VerifyPassword("correct horse", hash, salt))
	assert.False(t, VerifyPassword("correct horsE", hash, salt))
	assert.False(t, VerifyPassword("", hash, salt))
}

func TestHashPasswordFreshSalt(t *testing.T) {
	h1, s1, err := HashPassword("pw")
	require.NoError(t, err)
	h2, s2, err := HashPassword("pw")
	require.NoError(t, err)

	assert.NotEqual(t, s1, s2)
	assert.NotEqual(t, h1, h2)
}

func TestHashPasswordWithSaltDeterministic(t *testing.T) {
	a := HashPasswordWithSalt("secret", "00112233445566778899aabbccddeeff")
	b := HashPasswordWithSalt("secret", "00112233445566778899aabbccddeeff")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, HashPasswordWithSalt("secret", "ffeeddccbbaa99887766554433221100"))
}

func TestVerifyPasswordMalformedRecord(t *testing.T) {
	assert.False(t, VerifyPassword("pw", "not-hex", "salt"))
	assert.False(t, VerifyPassword("pw", "", ""))
}
