package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaropoint/stark/internal/store"
)

func newTestCredentials(t *testing.T) *Credentials {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	issuer := NewSessionIssuer([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
	c, err := NewCredentials(st, st, issuer, 0)
	require.NoError(t, err)
	return c
}

func TestNewCredentialsRejectsShortTokens(t *testing.T) {
	_, err := NewCredentials(nil, nil, nil, 8)
	assert.Error(t, err)
}

func TestGenerateAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	c := newTestCredentials(t)

	rec, value, err := c.GenerateToken(ctx, "web-01")
	require.NoError(t, err)
	assert.Len(t, value, 64)
	assert.Equal(t, "web-01", rec.OwnerLabel)
	assert.Equal(t, value[:8], rec.Prefix)
	assert.NotEqual(t, value, rec.Hash)

	got, err := c.Authenticate(ctx, value)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.NotNil(t, got.LastUsed)

	_, err = c.Authenticate(ctx, "wrong")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = c.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevokedTokenRejected(t *testing.T) {
	ctx := context.Background()
	c := newTestCredentials(t)

	rec, value, err := c.GenerateToken(ctx, "db-02")
	require.NoError(t, err)
	require.NoError(t, c.Revoke(ctx, rec.ID))

	_, err = c.Authenticate(ctx, value)
	assert.ErrorIs(t, err, ErrRevokedToken)

	assert.ErrorIs(t, c.Revoke(ctx, "unknown"), store.ErrNotFound)

	list, err := c.ListTokens(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Active)
}

func TestTokensAreDistinct(t *testing.T) {
	ctx := context.Background()
	c := newTestCredentials(t)

	seen := make(map[string]bool)
	for range 20 {
		_, value, err := c.GenerateToken(ctx, "bulk")
		require.NoError(t, err)
		assert.False(t, seen[value])
		seen[value] = true
	}
}

func TestAdminLogin(t *testing.T) {
	ctx := context.Background()
	c := newTestCredentials(t)
	require.NoError(t, c.EnsureAdmin(ctx, "admin", "hunter2"))

	token, exp, err := c.Login(ctx, "admin", "hunter2")
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	user, err := c.VerifySession(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", user)

	_, _, err = c.Login(ctx, "admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidLogin)

	_, _, err = c.Login(ctx, "ghost", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidLogin)
}

func TestEnsureAdminReplacesPassword(t *testing.T) {
	ctx := context.Background()
	c := newTestCredentials(t)
	require.NoError(t, c.EnsureAdmin(ctx, "admin", "old"))
	require.NoError(t, c.EnsureAdmin(ctx, "admin", "new"))

	_, _, err := c.Login(ctx, "admin", "old")
	assert.ErrorIs(t, err, ErrInvalidLogin)
	_, _, err = c.Login(ctx, "admin", "new")
	assert.NoError(t, err)
}
