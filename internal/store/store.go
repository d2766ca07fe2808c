// Package store defines the persistence interface for the platform.
// The registry and credential manager depend only on the interfaces
// here, so the SQLite backend can be swapped without touching them.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for all platform data.
// Implementations must be safe for concurrent use.
type Store interface {
	TokenStore
	AdminStore
	SessionStore

	// Close releases database resources.
	Close() error
}

// TokenStore persists agent authentication tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, t *TokenRecord) error
	GetTokenByHash(ctx context.Context, hash string) (*TokenRecord, error)
	TouchToken(ctx context.Context, id string, t time.Time) error
	RevokeToken(ctx context.Context, id string) error
	ListTokens(ctx context.Context) ([]*TokenRecord, error)
}

// AdminStore persists administrator password records.
type AdminStore interface {
	UpsertAdmin(ctx context.Context, a *AdminRecord) error
	GetAdmin(ctx context.Context, username string) (*AdminRecord, error)
}

// SessionStore persists agent sessions so that agents stay visible
// across server restarts.
type SessionStore interface {
	UpsertSession(ctx context.Context, s *SessionRecord) error
	ListSessions(ctx context.Context) ([]*SessionRecord, error)
}

// TokenRecord is the persistent form of an issued agent token. Only the
// SHA-256 hash of the token value is stored.
type TokenRecord struct {
	ID         string     `json:"id"`
	OwnerLabel string     `json:"owner_label"`
	Hash       string     `json:"-"`
	Prefix     string     `json:"prefix"` // first 8 chars for identification
	IssuedAt   time.Time  `json:"issued_at"`
	Active     bool       `json:"active"`
	LastUsed   *time.Time `json:"last_used,omitempty"`
}

// AdminRecord holds an administrator's PBKDF2 password record.
type AdminRecord struct {
	Username  string    `json:"username"`
	Hash      string    `json:"-"`
	Salt      string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionRecord is the persistent form of a registry entry.
// Info holds the agent's last system snapshot as JSON.
type SessionRecord struct {
	AgentID     string
	TokenID     string
	Info        []byte
	RemoteAddr  string
	Status      string
	ConnectedAt time.Time
	LastSeen    time.Time
}
