package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vctt94/fairvault/pkg/vault"
)

// InsertVaultSnapshot implements vault.SnapshotStore.
func (db *DB) InsertVaultSnapshot(ctx context.Context, s *vault.Snapshot) error {
	res, err := db.ExecContext(ctx, `INSERT INTO vault_snapshots (total_assets,
		total_shares, adjusted_assets, session_pnl, share_price, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.TotalAssets, s.TotalShares, s.AdjustedAssets, s.SessionPnL,
		s.SharePrice.String(), toNS(s.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to insert vault snapshot: %w", err)
	}
	s.ID, err = res.LastInsertId()
	return err
}

func scanSnapshot(row scanner) (*vault.Snapshot, error) {
	var s vault.Snapshot
	var price string
	var created int64
	err := row.Scan(&s.ID, &s.TotalAssets, &s.TotalShares, &s.AdjustedAssets,
		&s.SessionPnL, &price, &created)
	if err != nil {
		return nil, err
	}
	s.SharePrice, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("bad share price %q: %w", price, err)
	}
	s.Timestamp = fromNS(created)
	return &s, nil
}

const snapshotColumns = `id, total_assets, total_shares, adjusted_assets, session_pnl,
	share_price, created_at`

// LatestVaultSnapshot implements vault.SnapshotStore. It returns nil when no
// snapshot exists.
func (db *DB) LatestVaultSnapshot(ctx context.Context) (*vault.Snapshot, error) {
	row := db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM vault_snapshots
		ORDER BY id DESC LIMIT 1`)
	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ListVaultSnapshots implements vault.SnapshotStore.
func (db *DB) ListVaultSnapshots(ctx context.Context, since time.Time) ([]*vault.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM vault_snapshots
		WHERE created_at >= ? ORDER BY id`, toNS(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list vault snapshots: %w", err)
	}
	defer rows.Close()

	var out []*vault.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// PostEntry implements vault.LedgerStore.
func (db *DB) PostEntry(ctx context.Context, e *vault.LedgerEntry) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE id = ?`, e.ID).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", vault.ErrDuplicateEntry, e.ID)
	}

	if !vault.IsExternalAccount(e.From) {
		var bal int64
		err := tx.QueryRowContext(ctx, `SELECT balance FROM ledger_balances WHERE account = ?`,
			e.From).Scan(&bal)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if bal < e.Amount {
			return fmt.Errorf("%w: %s holds %d, needs %d", vault.ErrInsufficientFunds,
				e.From, bal, e.Amount)
		}
	}

	const credit = `INSERT INTO ledger_balances (account, balance) VALUES (?, ?)
		ON CONFLICT(account) DO UPDATE SET balance = balance + excluded.balance`
	if _, err := tx.ExecContext(ctx, credit, e.From, -e.Amount); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, credit, e.To, e.Amount); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO ledger_entries (id, from_account,
		to_account, amount, memo, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.From, e.To, e.Amount, e.Memo, toNS(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return tx.Commit()
}

// GetEntry implements vault.LedgerStore.
func (db *DB) GetEntry(ctx context.Context, id string) (*vault.LedgerEntry, error) {
	var e vault.LedgerEntry
	var created int64
	err := db.QueryRowContext(ctx, `SELECT id, from_account, to_account, amount, memo,
		created_at FROM ledger_entries WHERE id = ?`, id).
		Scan(&e.ID, &e.From, &e.To, &e.Amount, &e.Memo, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", vault.ErrTxNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	e.CreatedAt = fromNS(created)
	return &e, nil
}

// AccountBalance implements vault.LedgerStore.
func (db *DB) AccountBalance(ctx context.Context, account string) (int64, error) {
	var bal int64
	err := db.QueryRowContext(ctx, `SELECT balance FROM ledger_balances WHERE account = ?`,
		account).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return bal, err
}
