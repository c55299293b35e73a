package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Game is a published game configuration.
type Game struct {
	Slug      string
	GameType  string
	Params    []byte
	CreatedAt time.Time
}

// PutGame inserts or replaces the game with g.Slug.
func (db *DB) PutGame(ctx context.Context, g *Game) error {
	_, err := db.ExecContext(ctx, `INSERT INTO games (slug, game_type, params, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET game_type = excluded.game_type, params = excluded.params`,
		g.Slug, g.GameType, string(g.Params), toNS(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save game: %w", err)
	}
	return nil
}

// GetGame loads a game by slug.
func (db *DB) GetGame(ctx context.Context, slug string) (*Game, error) {
	var g Game
	var params string
	var created int64
	err := db.QueryRowContext(ctx, `SELECT slug, game_type, params, created_at
		FROM games WHERE slug = ?`, slug).Scan(&g.Slug, &g.GameType, &params, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("game %s: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get game: %w", err)
	}
	g.Params = []byte(params)
	g.CreatedAt = fromNS(created)
	return &g, nil
}

// ListGames returns every published game ordered by slug.
func (db *DB) ListGames(ctx context.Context) ([]*Game, error) {
	rows, err := db.QueryContext(ctx, `SELECT slug, game_type, params, created_at
		FROM games ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to list games: %w", err)
	}
	defer rows.Close()

	var out []*Game
	for rows.Next() {
		var g Game
		var params string
		var created int64
		if err := rows.Scan(&g.Slug, &g.GameType, &params, &created); err != nil {
			return nil, err
		}
		g.Params = []byte(params)
		g.CreatedAt = fromNS(created)
		out = append(out, &g)
	}
	return out, rows.Err()
}
