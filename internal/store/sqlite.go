package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS tokens (
		id          TEXT PRIMARY KEY,
		owner_label TEXT NOT NULL DEFAULT '',
		hash        TEXT UNIQUE NOT NULL,
		prefix      TEXT NOT NULL DEFAULT '',
		issued_at   TEXT NOT NULL,
		active      INTEGER NOT NULL DEFAULT 1,
		last_used   TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS admins (
		username   TEXT PRIMARY KEY,
		hash       TEXT NOT NULL,
		salt       TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		agent_id     TEXT PRIMARY KEY,
		token_id     TEXT NOT NULL DEFAULT '',
		info         TEXT NOT NULL DEFAULT '{}',
		remote_addr  TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		connected_at TEXT NOT NULL,
		last_seen    TEXT NOT NULL
	)`,
}

// SQLiteStore implements Store using a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs
// migrations. The path ":memory:" gives a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// --- Tokens ---

func (s *SQLiteStore) CreateToken(ctx context.Context, t *TokenRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (id, owner_label, hash, prefix, issued_at, active) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerLabel, t.Hash, t.Prefix, formatTime(t.IssuedAt), boolInt(t.Active))
	return err
}

func (s *SQLiteStore) GetTokenByHash(ctx context.Context, hash string) (*TokenRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_label, hash, prefix, issued_at, active, last_used FROM tokens WHERE hash = ?`, hash)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *SQLiteStore) TouchToken(ctx context.Context, id string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tokens SET last_used = ? WHERE id = ?`, formatTime(t), id)
	return err
}

func (s *SQLiteStore) RevokeToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tokens SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListTokens(ctx context.Context) ([]*TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_label, hash, prefix, issued_at, active, last_used FROM tokens ORDER BY issued_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var tokens []*TokenRecord
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanToken(row scanner) (*TokenRecord, error) {
	var t TokenRecord
	var issued string
	var active int
	var lastUsed sql.NullString
	if err := row.Scan(&t.ID, &t.OwnerLabel, &t.Hash, &t.Prefix, &issued, &active, &lastUsed); err != nil {
		return nil, err
	}
	t.IssuedAt = parseTime(issued)
	t.Active = active == 1
	if lastUsed.Valid {
		lu := parseTime(lastUsed.String)
		t.LastUsed = &lu
	}
	return &t, nil
}

// --- Admins ---

func (s *SQLiteStore) UpsertAdmin(ctx context.Context, a *AdminRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admins (username, hash, salt, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET hash = excluded.hash, salt = excluded.salt`,
		a.Username, a.Hash, a.Salt, formatTime(a.CreatedAt))
	return err
}

func (s *SQLiteStore) GetAdmin(ctx context.Context, username string) (*AdminRecord, error) {
	var a AdminRecord
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT username, hash, salt, created_at FROM admins WHERE username = ?`, username).
		Scan(&a.Username, &a.Hash, &a.Salt, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt = parseTime(created)
	return &a, nil
}

// --- Sessions ---

func (s *SQLiteStore) UpsertSession(ctx context.Context, r *SessionRecord) error {
	info := string(r.Info)
	if strings.TrimSpace(info) == "" {
		info = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (agent_id, token_id, info, remote_addr, status, connected_at, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
		   token_id = excluded.token_id,
		   info = excluded.info,
		   remote_addr = excluded.remote_addr,
		   status = excluded.status,
		   connected_at = excluded.connected_at,
		   last_seen = excluded.last_seen`,
		r.AgentID, r.TokenID, info, r.RemoteAddr, r.Status, formatTime(r.ConnectedAt), formatTime(r.LastSeen))
	return err
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, token_id, info, remote_addr, status, connected_at, last_seen FROM sessions ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var sessions []*SessionRecord
	for rows.Next() {
		var r SessionRecord
		var info, connected, seen string
		if err := rows.Scan(&r.AgentID, &r.TokenID, &info, &r.RemoteAddr, &r.Status, &connected, &seen); err != nil {
			return nil, err
		}
		r.Info = []byte(info)
		r.ConnectedAt = parseTime(connected)
		r.LastSeen = parseTime(seen)
		sessions = append(sessions, &r)
	}
	return sessions, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
