package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/toolmesh/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS protocol_sessions (
	conversation_id TEXT NOT NULL,
	server_id       TEXT NOT NULL,
	session_id      TEXT NOT NULL,
	updated_at      INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, server_id)
);
CREATE TABLE IF NOT EXISTS token_bundles (
	server_id     TEXT PRIMARY KEY,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	expires_at    INTEGER NOT NULL DEFAULT 0,
	scope         TEXT NOT NULL DEFAULT '',
	updated_at    INTEGER NOT NULL
);`

// SQLiteStore is a durable implementation of both persistence contracts on a
// single SQLite file. The modernc driver is pure Go, so no cgo toolchain is
// required.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the database at path and
// applies the schema. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session: open sqlite %q: %w", path, err)
	}
	// The driver serializes writes; a single connection avoids SQLITE_BUSY
	// under concurrent stores.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// LoadSession implements core.SessionStore.
func (s *SQLiteStore) LoadSession(ctx context.Context, conversationID, serverID string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM protocol_sessions WHERE conversation_id = ? AND server_id = ?`,
		conversationID, serverID,
	).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: load session: %w", err)
	}
	return sessionID, nil
}

// SaveSession implements core.SessionStore.
func (s *SQLiteStore) SaveSession(ctx context.Context, conversationID, serverID, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO protocol_sessions (conversation_id, server_id, session_id, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(conversation_id, server_id) DO UPDATE SET
		   session_id = excluded.session_id,
		   updated_at = excluded.updated_at`,
		conversationID, serverID, sessionID, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("session: save session: %w", err)
	}
	return nil
}

// LoadTokens implements core.TokenStore.
func (s *SQLiteStore) LoadTokens(ctx context.Context, serverID string) (*core.TokenBundle, error) {
	var bundle core.TokenBundle
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope FROM token_bundles WHERE server_id = ?`,
		serverID,
	).Scan(&bundle.AccessToken, &bundle.RefreshToken, &expiresAt, &bundle.Scope)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: load tokens: %w", err)
	}
	if expiresAt != 0 {
		bundle.ExpiresAt = time.Unix(expiresAt, 0)
	}
	return &bundle, nil
}

// SaveTokens implements core.TokenStore.
func (s *SQLiteStore) SaveTokens(ctx context.Context, serverID string, bundle *core.TokenBundle) error {
	var expiresAt int64
	if !bundle.ExpiresAt.IsZero() {
		expiresAt = bundle.ExpiresAt.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_bundles (server_id, access_token, refresh_token, expires_at, scope, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(server_id) DO UPDATE SET
		   access_token  = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   expires_at    = excluded.expires_at,
		   scope         = excluded.scope,
		   updated_at    = excluded.updated_at`,
		serverID, bundle.AccessToken, bundle.RefreshToken, expiresAt, bundle.Scope, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("session: save tokens: %w", err)
	}
	return nil
}
