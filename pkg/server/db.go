package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vctt94/fairvault/pkg/rounds"
	"github.com/vctt94/fairvault/pkg/server/internal/db"
	"github.com/vctt94/fairvault/pkg/settlement"
	"github.com/vctt94/fairvault/pkg/vault"
)

// Database defines the durable store operations the session engine needs.
type Database interface {
	rounds.Store

	InsertSession(ctx context.Context, s *db.Session) error
	// UpdateSession writes balances, status, and the state snapshot.
	UpdateSession(ctx context.Context, s *db.Session) error
	GetSession(ctx context.Context, id string) (*db.Session, error)
	ListSessionsByStatus(ctx context.Context, status string) ([]*db.Session, error)

	// HousePnL implements vault.SessionBook.
	HousePnL(ctx context.Context, statuses ...string) (int64, error)

	// Game catalogue
	PutGame(ctx context.Context, g *db.Game) error
	GetGame(ctx context.Context, slug string) (*db.Game, error)
	ListGames(ctx context.Context) ([]*db.Game, error)

	// Close closes the database connection
	Close() error
}

// Store is everything the sqlite database serves: the session engine, the
// settlement worker, the ledger custody and the snapshot sampler.
type Store interface {
	Database
	settlement.Store
	vault.LedgerStore
	vault.SnapshotStore
}

// NewDatabase creates a new database connection
func NewDatabase(dbPath string) (Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %v", err)
	}
	d, err := db.NewDB(dbPath)
	if err != nil {
		return nil, err
	}
	return d, nil
}
