package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a session or game does not exist.
var ErrNotFound = errors.New("not found")

// DB represents the database connection
type DB struct {
	*sql.DB
}

// NewDB opens the sqlite database at dbPath and creates the schema.
func NewDB(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers; sqlite allows only one anyway.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS games (
		slug TEXT PRIMARY KEY,
		game_type TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		player_id TEXT NOT NULL,
		game_slug TEXT NOT NULL,
		game_type TEXT NOT NULL,
		config TEXT NOT NULL,
		player_deposit INTEGER NOT NULL,
		house_deposit INTEGER NOT NULL,
		player_balance INTEGER NOT NULL,
		house_balance INTEGER NOT NULL,
		status TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		closed_at INTEGER NOT NULL DEFAULT 0,
		settled_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_status_closed ON sessions(status, closed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_player ON sessions(player_id)`,
	`CREATE TABLE IF NOT EXISTS rounds (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		round_number INTEGER NOT NULL,
		game_type TEXT NOT NULL,
		bet INTEGER NOT NULL,
		player_commitment TEXT NOT NULL,
		house_commitment TEXT NOT NULL DEFAULT '',
		house_nonce TEXT NOT NULL DEFAULT '',
		player_nonce TEXT NOT NULL DEFAULT '',
		choice BLOB,
		raw_value TEXT NOT NULL DEFAULT '0',
		won INTEGER NOT NULL DEFAULT 0,
		payout INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		voided INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		house_committed_at INTEGER NOT NULL DEFAULT 0,
		revealed_at INTEGER NOT NULL DEFAULT 0,
		settled_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_rounds_session_number
		ON rounds(session_id, round_number) WHERE voided = 0`,
	`CREATE TABLE IF NOT EXISTS vault_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		total_assets INTEGER NOT NULL,
		total_shares INTEGER NOT NULL,
		adjusted_assets INTEGER NOT NULL,
		session_pnl INTEGER NOT NULL,
		share_price TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_balances (
		account TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		from_account TEXT NOT NULL,
		to_account TEXT NOT NULL,
		amount INTEGER NOT NULL,
		memo TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
}

// createTables creates the necessary database tables
func createTables(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.DB.PingContext(ctx)
}

func toNS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNS(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
