// Package storage is the single durable store shared by all protocol
// components. Every state transition is one atomic conditional write, so
// correctness holds under concurrent delivery without process-level locks:
// UNIQUE constraints serialize racing writers, and conditional UPDATEs
// ("set Y where status = X") reject stale transitions with zero rows affected.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrConflict is returned when a write loses to a concurrent writer or to an
// existing row: a unique constraint fired or a conditional update matched
// nothing. Callers translate it into their own conflict error.
var ErrConflict = errors.New("storage: conflicting row")

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema
// migrations. Pass ":memory:" for an ephemeral test database.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS identities (
    public_key TEXT PRIMARY KEY,
    name TEXT,
    human_id TEXT,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    public_key TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    challenge TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    challenge_signed INTEGER DEFAULT 0,
    expires_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS nonces (
    public_key TEXT NOT NULL,
    nonce TEXT NOT NULL,
    seen_at INTEGER NOT NULL,
    PRIMARY KEY (public_key, nonce)
);

CREATE TABLE IF NOT EXISTS chain_actions (
    id TEXT PRIMARY KEY,
    public_key TEXT NOT NULL,
    kind TEXT NOT NULL,
    payload TEXT NOT NULL,
    result TEXT,
    tx_hash TEXT,
    status TEXT NOT NULL DEFAULT 'issued',
    created_at INTEGER NOT NULL,
    confirmed_at INTEGER
);

CREATE TABLE IF NOT EXISTS settlements (
    id TEXT PRIMARY KEY,
    skill_id TEXT NOT NULL,
    buyer_key TEXT NOT NULL,
    seller_key TEXT NOT NULL,
    amount TEXT NOT NULL,
    binding_key TEXT NOT NULL,
    tx_hash TEXT UNIQUE,
    payout_tx_hash TEXT,
    status TEXT NOT NULL DEFAULT 'initiated',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS skills (
    id TEXT PRIMARY KEY,
    seller_key TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    price TEXT NOT NULL,
    active INTEGER DEFAULT 1,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS wallets (
    public_key TEXT PRIMARY KEY,
    address TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_fingerprint ON sessions(fingerprint);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
CREATE INDEX IF NOT EXISTS idx_nonces_seen ON nonces(seen_at);
CREATE INDEX IF NOT EXISTS idx_chain_actions_key_kind ON chain_actions(public_key, kind);
CREATE INDEX IF NOT EXISTS idx_settlements_buyer ON settlements(buyer_key);
CREATE INDEX IF NOT EXISTS idx_settlements_seller ON settlements(seller_key);
CREATE UNIQUE INDEX IF NOT EXISTS idx_settlements_open_binding
    ON settlements(binding_key) WHERE status = 'initiated';
CREATE INDEX IF NOT EXISTS idx_skills_seller ON skills(seller_key);`
	_, err := d.db.Exec(schema)
	return err
}

// boolToInt converts a bool to an integer (0 or 1) for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation reports whether err is a SQLite unique/primary-key
// constraint failure. The modernc driver exposes this only via the message.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
