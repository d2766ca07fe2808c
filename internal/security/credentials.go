package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/avaropoint/stark/internal/store"
)

// Authentication errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrRevokedToken = errors.New("token revoked")
	ErrInvalidLogin = errors.New("invalid username or password")
)

// dummySalt is hashed against when a login names an unknown user so the
// response time does not reveal which usernames exist.
const dummySalt = "0000000000000000"

// Credentials issues and validates agent tokens and administrator
// passwords.
type Credentials struct {
	tokens     store.TokenStore
	admins     store.AdminStore
	sessions   *SessionIssuer
	tokenBytes int
	now        func() time.Time
}

// NewCredentials creates a credential manager. A tokenBytes of zero
// selects DefaultTokenBytes.
func NewCredentials(tokens store.TokenStore, admins store.AdminStore, sessions *SessionIssuer, tokenBytes int) (*Credentials, error) {
	if tokenBytes == 0 {
		tokenBytes = DefaultTokenBytes
	}
	if tokenBytes < MinTokenBytes {
		return nil, fmt.Errorf("token size %d below minimum of %d bytes", tokenBytes, MinTokenBytes)
	}
	return &Credentials{
		tokens:     tokens,
		admins:     admins,
		sessions:   sessions,
		tokenBytes: tokenBytes,
		now:        time.Now,
	}, nil
}

// GenerateToken issues a new agent token for ownerLabel. The token value
// is returned exactly once; only its hash is stored, so it can never be
// retrieved again.
func (c *Credentials) GenerateToken(ctx context.Context, ownerLabel string) (*store.TokenRecord, string, error) {
	value, err := NewTokenValue(c.tokenBytes)
	if err != nil {
		return nil, "", err
	}

	rec := &store.TokenRecord{
		ID:         uuid.NewString(),
		OwnerLabel: ownerLabel,
		Hash:       HashToken(value),
		Prefix:     tokenPrefix(value),
		IssuedAt:   c.now().UTC(),
		Active:     true,
	}
	if err := c.tokens.CreateToken(ctx, rec); err != nil {
		return nil, "", fmt.Errorf("store token: %w", err)
	}
	return rec, value, nil
}

// Authenticate resolves a presented token value to its record.
// Unknown values yield ErrInvalidToken, revoked ones ErrRevokedToken.
func (c *Credentials) Authenticate(ctx context.Context, value string) (*store.TokenRecord, error) {
	if value == "" {
		return nil, ErrInvalidToken
	}
	rec, err := c.tokens.GetTokenByHash(ctx, HashToken(value))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	if !rec.Active {
		return nil, ErrRevokedToken
	}

	now := c.now().UTC()
	_ = c.tokens.TouchToken(ctx, rec.ID, now)
	rec.LastUsed = &now
	return rec, nil
}

// Revoke permanently deactivates a token.
func (c *Credentials) Revoke(ctx context.Context, id string) error {
	if err := c.tokens.RevokeToken(ctx, id); err != nil {
		return fmt.Errorf("revoke token %s: %w", id, err)
	}
	return nil
}

// ListTokens returns every issued token, newest first.
func (c *Credentials) ListTokens(ctx context.Context) ([]*store.TokenRecord, error) {
	return c.tokens.ListTokens(ctx)
}

// EnsureAdmin creates or replaces the password record for username.
func (c *Credentials) EnsureAdmin(ctx context.Context, username, password string) error {
	hash, salt, err := HashPassword(password)
	if err != nil {
		return err
	}
	return c.admins.UpsertAdmin(ctx, &store.AdminRecord{
		Username:  username,
		Hash:      hash,
		Salt:      salt,
		CreatedAt: c.now().UTC(),
	})
}

// Login verifies an administrator's password and issues a session token.
func (c *Credentials) Login(ctx context.Context, username, password string) (string, time.Time, error) {
	rec, err := c.admins.GetAdmin(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		HashPasswordWithSalt(password, dummySalt)
		return "", time.Time{}, ErrInvalidLogin
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("lookup admin: %w", err)
	}
	if !VerifyPassword(password, rec.Hash, rec.Salt) {
		return "", time.Time{}, ErrInvalidLogin
	}
	return c.sessions.Issue(username)
}

// VerifySession validates an administrator session token and returns
// the username it was issued to.
func (c *Credentials) VerifySession(token string) (string, error) {
	return c.sessions.Verify(token)
}
