package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}

func TestTokens(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &TokenRecord{ID: "t1", OwnerLabel: "web-01", Hash: "h1", Prefix: "abcd1234", IssuedAt: issued, Active: true}
	require.NoError(t, s.CreateToken(ctx, rec))

	got, err := s.GetTokenByHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "web-01", got.OwnerLabel)
	assert.True(t, got.Active)
	assert.True(t, issued.Equal(got.IssuedAt))
	assert.Nil(t, got.LastUsed)

	_, err = s.GetTokenByHash(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	used := issued.Add(time.Hour)
	require.NoError(t, s.TouchToken(ctx, "t1", used))
	require.NoError(t, s.RevokeToken(ctx, "t1"))

	got, err = s.GetTokenByHash(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	require.NotNil(t, got.LastUsed)
	assert.True(t, used.Equal(*got.LastUsed))

	assert.ErrorIs(t, s.RevokeToken(ctx, "nope"), ErrNotFound)

	// Hashes are unique.
	dup := &TokenRecord{ID: "t2", Hash: "h1", IssuedAt: issued, Active: true}
	assert.Error(t, s.CreateToken(ctx, dup))

	list, err := s.ListTokens(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "t1", list[0].ID)
}

func TestAdmins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetAdmin(ctx, "root")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpsertAdmin(ctx, &AdminRecord{Username: "root", Hash: "h", Salt: "s", CreatedAt: time.Now()}))
	require.NoError(t, s.UpsertAdmin(ctx, &AdminRecord{Username: "root", Hash: "h2", Salt: "s2", CreatedAt: time.Now()}))

	a, err := s.GetAdmin(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, "h2", a.Hash)
	assert.Equal(t, "s2", a.Salt)
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, s.UpsertSession(ctx, &SessionRecord{AgentID: "b", Status: "connected", ConnectedAt: now, LastSeen: now}))
	require.NoError(t, s.UpsertSession(ctx, &SessionRecord{AgentID: "a", Info: []byte(`{"hostname":"a"}`), Status: "connected", ConnectedAt: now, LastSeen: now}))
	require.NoError(t, s.UpsertSession(ctx, &SessionRecord{AgentID: "a", TokenID: "tok-1", Info: []byte(`{"hostname":"a2"}`), Status: "disconnected", ConnectedAt: now, LastSeen: now.Add(time.Minute)}))

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].AgentID)
	assert.Equal(t, "disconnected", list[0].Status)
	assert.Equal(t, "tok-1", list[0].TokenID)
	assert.Empty(t, list[1].TokenID)
	assert.JSONEq(t, `{"hostname":"a2"}`, string(list[0].Info))
	assert.JSONEq(t, `{}`, string(list[1].Info))
}

func TestFileDatabasePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stark.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.UpsertAdmin(ctx, &AdminRecord{Username: "root", Hash: "h", Salt: "s", CreatedAt: time.Now()}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	a, err := s.GetAdmin(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, "h", a.Hash)
}
