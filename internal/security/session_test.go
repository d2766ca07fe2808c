package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionIssueVerify(t *testing.T) {
	s := NewSessionIssuer([]byte("key-one-key-one-key-one-key-one!"), time.Hour)

	token, exp, err := s.Issue("alice")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	user, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestSessionWrongKey(t *testing.T) {
	a := NewSessionIssuer([]byte("key-one-key-one-key-one-key-one!"), time.Hour)
	b := NewSessionIssuer([]byte("key-two-key-two-key-two-key-two!"), time.Hour)

	token, _, err := a.Issue("alice")
	require.NoError(t, err)

	_, err = b.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = a.Verify("garbage")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestSessionExpired(t *testing.T) {
	s := NewSessionIssuer([]byte("key-one-key-one-key-one-key-one!"), time.Minute)
	issued := time.Now().Add(-time.Hour)
	s.now = func() time.Time { return issued }

	token, _, err := s.Issue("alice")
	require.NoError(t, err)

	s.now = time.Now
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredSession)
}
