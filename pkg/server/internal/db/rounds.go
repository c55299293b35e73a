package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/vctt94/fairvault/pkg/primitive"
	"github.com/vctt94/fairvault/pkg/rounds"
)

const roundColumns = `id, session_id, round_number, game_type, bet, player_commitment,
	house_commitment, house_nonce, player_nonce, choice, raw_value, won, payout,
	status, voided, created_at, house_committed_at, revealed_at, settled_at`

func scanRound(row scanner) (*rounds.Round, error) {
	var r rounds.Round
	var gameType, status, raw string
	var won, voided int
	var created, committed, revealed, settled int64
	err := row.Scan(&r.ID, &r.SessionID, &r.Number, &gameType, &r.Bet,
		&r.PlayerCommitment, &r.HouseCommitment, &r.HouseNonce, &r.PlayerNonce,
		&r.Choice, &raw, &won, &r.Payout, &status, &voided, &created, &committed,
		&revealed, &settled)
	if err != nil {
		return nil, err
	}
	r.GameType = primitive.GameType(gameType)
	r.Status = rounds.Status(status)
	r.RawValue, err = strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad raw value %q: %w", raw, err)
	}
	r.Won = won != 0
	r.Voided = voided != 0
	r.CreatedAt = fromNS(created)
	r.HouseCommittedAt = fromNS(committed)
	r.RevealedAt = fromNS(revealed)
	r.SettledAt = fromNS(settled)
	return &r, nil
}

// InsertRound implements rounds.Store.
func (db *DB) InsertRound(ctx context.Context, r *rounds.Round) error {
	_, err := db.ExecContext(ctx, `INSERT INTO rounds (`+roundColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.Number, string(r.GameType), r.Bet, r.PlayerCommitment,
		r.HouseCommitment, r.HouseNonce, r.PlayerNonce, r.Choice,
		strconv.FormatUint(r.RawValue, 10), boolInt(r.Won), r.Payout, string(r.Status),
		boolInt(r.Voided), toNS(r.CreatedAt), toNS(r.HouseCommittedAt),
		toNS(r.RevealedAt), toNS(r.SettledAt))
	if err != nil {
		return fmt.Errorf("failed to insert round: %w", err)
	}
	return nil
}

// UpdateRound implements rounds.Store. Settled rounds are immutable.
func (db *DB) UpdateRound(ctx context.Context, r *rounds.Round) error {
	res, err := db.ExecContext(ctx, `UPDATE rounds SET house_commitment = ?,
		house_nonce = ?, player_nonce = ?, choice = ?, raw_value = ?, won = ?,
		payout = ?, status = ?, voided = ?, house_committed_at = ?, revealed_at = ?,
		settled_at = ?
		WHERE id = ? AND status != 'SETTLED'`,
		r.HouseCommitment, r.HouseNonce, r.PlayerNonce, r.Choice,
		strconv.FormatUint(r.RawValue, 10), boolInt(r.Won), r.Payout, string(r.Status),
		boolInt(r.Voided), toNS(r.HouseCommittedAt), toNS(r.RevealedAt),
		toNS(r.SettledAt), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update round: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", rounds.ErrRoundNotFound, r.ID)
	}
	return nil
}

// GetRound implements rounds.Store.
func (db *DB) GetRound(ctx context.Context, id string) (*rounds.Round, error) {
	row := db.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = ?`, id)
	r, err := scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", rounds.ErrRoundNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	return r, nil
}

// ListRounds implements rounds.Store.
func (db *DB) ListRounds(ctx context.Context, sessionID string) ([]*rounds.Round, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+roundColumns+` FROM rounds
		WHERE session_id = ? ORDER BY created_at, round_number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rounds: %w", err)
	}
	defer rows.Close()

	var out []*rounds.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
