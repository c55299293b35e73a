package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vctt94/fairvault/pkg/settlement"
)

// Session is the durable record of a session.
type Session struct {
	ID            string
	PlayerID      string
	GameSlug      string
	GameType      string
	Config        []byte
	PlayerDeposit int64
	HouseDeposit  int64
	PlayerBalance int64
	HouseBalance  int64
	Status        string
	State         []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ClosedAt      time.Time
	SettledAt     time.Time
}

const sessionColumns = `id, player_id, game_slug, game_type, config, player_deposit,
	house_deposit, player_balance, house_balance, status, state, created_at,
	updated_at, closed_at, settled_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var s Session
	var config, state string
	var created, updated, closedAt, settledAt int64
	err := row.Scan(&s.ID, &s.PlayerID, &s.GameSlug, &s.GameType, &config,
		&s.PlayerDeposit, &s.HouseDeposit, &s.PlayerBalance, &s.HouseBalance,
		&s.Status, &state, &created, &updated, &closedAt, &settledAt)
	if err != nil {
		return nil, err
	}
	s.Config = []byte(config)
	s.State = []byte(state)
	s.CreatedAt = fromNS(created)
	s.UpdatedAt = fromNS(updated)
	s.ClosedAt = fromNS(closedAt)
	s.SettledAt = fromNS(settledAt)
	return &s, nil
}

// InsertSession stores a new session.
func (db *DB) InsertSession(ctx context.Context, s *Session) error {
	_, err := db.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.PlayerID, s.GameSlug, s.GameType, string(s.Config), s.PlayerDeposit,
		s.HouseDeposit, s.PlayerBalance, s.HouseBalance, s.Status, string(s.State),
		toNS(s.CreatedAt), toNS(s.UpdatedAt), toNS(s.ClosedAt), toNS(s.SettledAt))
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// UpdateSession writes the mutable columns of a session. A SETTLED row is
// never moved back by a late write.
func (db *DB) UpdateSession(ctx context.Context, s *Session) error {
	res, err := db.ExecContext(ctx, `UPDATE sessions SET player_balance = ?,
		house_balance = ?, status = ?, state = ?, updated_at = ?, closed_at = ?
		WHERE id = ? AND status != 'SETTLED'`,
		s.PlayerBalance, s.HouseBalance, s.Status, string(s.State),
		toNS(s.UpdatedAt), toNS(s.ClosedAt), s.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := db.GetSession(ctx, s.ID); err != nil {
			return err
		}
	}
	return nil
}

// GetSession loads a session by id.
func (db *DB) GetSession(ctx context.Context, id string) (*Session, error) {
	row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// ListSessionsByStatus returns sessions in status ordered by creation.
func (db *DB) ListSessionsByStatus(ctx context.Context, status string) ([]*Session, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE status = ? ORDER BY created_at, id`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// HousePnL sums house_balance - house_deposit over sessions in statuses.
func (db *DB) HousePnL(ctx context.Context, statuses ...string) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	var sum int64
	err := db.QueryRowContext(ctx, `SELECT COALESCE(SUM(house_balance - house_deposit), 0)
		FROM sessions WHERE status IN (`+placeholders(len(statuses))+`)`, args...).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum session pnl: %w", err)
	}
	return sum, nil
}

func toCandidate(s *Session) *settlement.Candidate {
	return &settlement.Candidate{
		SessionID:          s.ID,
		PlayerID:           s.PlayerID,
		Status:             s.Status,
		PlayerDeposit:      s.PlayerDeposit,
		FinalPlayerBalance: s.PlayerBalance,
		ClosedAt:           s.ClosedAt,
	}
}

// NextUnsettled implements settlement.Store.
func (db *DB) NextUnsettled(ctx context.Context, closedBefore time.Time) (*settlement.Candidate, error) {
	row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE status IN ('CLOSED', 'EXPIRED') AND closed_at < ?
		ORDER BY closed_at, id LIMIT 1`, toNS(closedBefore))
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toCandidate(s), nil
}

// GetUnsettled implements settlement.Store.
func (db *DB) GetUnsettled(ctx context.Context, id string) (*settlement.Candidate, error) {
	s, err := db.GetSession(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.Status != "CLOSED" && s.Status != "EXPIRED" {
		return nil, nil
	}
	return toCandidate(s), nil
}

// MarkSettled implements settlement.Store.
func (db *DB) MarkSettled(ctx context.Context, id string, settledAt time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `UPDATE sessions SET status = 'SETTLED', settled_at = ?
		WHERE id = ? AND status IN ('CLOSED', 'EXPIRED')`, toNS(settledAt), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark session settled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
