package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/slog"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger accounts used by LedgerCustody. Accounts with the external prefix
// may go negative; they model funds entering or leaving the system.
const (
	AccountHouse    = "house"
	AccountPool     = "pool"
	AccountOperator = "operator"
	AccountSupply   = "supply"

	externalPrefix = "ext:"
	accountMint    = externalPrefix + "mint"
	accountEscrow  = externalPrefix + "escrow"
)

func sharesAccount(addr string) string    { return "shares:" + strings.ToLower(addr) }
func tokenAccount(addr string) string     { return "token:" + strings.ToLower(addr) }
func allowanceAccount(addr string) string { return "allowance:" + strings.ToLower(addr) }
func playerAccount(addr string) string    { return "player:" + addr }

// IsExternalAccount reports whether account may hold a negative balance.
func IsExternalAccount(account string) bool {
	return strings.HasPrefix(account, externalPrefix)
}

// LedgerEntry is one transfer between two ledger accounts.
type LedgerEntry struct {
	ID        string
	From      string
	To        string
	Amount    int64
	Memo      string
	CreatedAt time.Time
}

// LedgerStore persists ledger entries and balances. PostEntry must apply the
// debit and credit atomically, fail with ErrInsufficientFunds when a
// non-external source account would go negative, and fail with
// ErrDuplicateEntry without moving funds when the entry ID already exists.
type LedgerStore interface {
	PostEntry(ctx context.Context, e *LedgerEntry) error
	GetEntry(ctx context.Context, id string) (*LedgerEntry, error)
	AccountBalance(ctx context.Context, account string) (int64, error)
}

// LedgerCustody implements Custody on a local double-entry ledger. Entries
// are confirmed as soon as they are posted.
type LedgerCustody struct {
	store LedgerStore
	log   slog.Logger
	now   func() time.Time
}

var _ Custody = (*LedgerCustody)(nil)

// NewLedgerCustody returns a custody client over store.
func NewLedgerCustody(store LedgerStore, log slog.Logger) *LedgerCustody {
	if log == nil {
		log = slog.Disabled
	}
	return &LedgerCustody{store: store, log: log, now: time.Now}
}

// post moves amount between two accounts. A non-empty id makes the posting
// idempotent: an entry already stored under id is returned as is.
func (l *LedgerCustody) post(ctx context.Context, id, from, to string, amount int64, memo string) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	if id == "" {
		id = uuid.NewString()
	} else if prev, err := l.store.GetEntry(ctx, id); err == nil {
		l.log.Debugf("Ledger %s already posted", prev.ID)
		return prev.ID, nil
	} else if !errors.Is(err, ErrTxNotFound) {
		return "", err
	}
	e := &LedgerEntry{
		ID:        id,
		From:      from,
		To:        to,
		Amount:    amount,
		Memo:      memo,
		CreatedAt: l.now(),
	}
	err := l.store.PostEntry(ctx, e)
	if errors.Is(err, ErrDuplicateEntry) {
		return e.ID, nil
	}
	if err != nil {
		return "", err
	}
	l.log.Debugf("Ledger %s: %v %s -> %s (%s)", e.ID, dcrutil.Amount(amount), from, to, memo)
	return e.ID, nil
}

// Fund seeds operator custody and issues the matching shares to owner.
func (l *LedgerCustody) Fund(ctx context.Context, owner string, amount int64) error {
	if _, err := l.post(ctx, "", accountMint, AccountHouse, amount, "fund"); err != nil {
		return err
	}
	if _, err := l.post(ctx, "", accountMint, AccountSupply, amount, "issue shares"); err != nil {
		return err
	}
	_, err := l.post(ctx, "", accountMint, sharesAccount(owner), amount, "issue shares")
	return err
}

// TotalAssets is everything backing shares: operator custody and the pool.
func (l *LedgerCustody) TotalAssets(ctx context.Context) (int64, error) {
	house, err := l.store.AccountBalance(ctx, AccountHouse)
	if err != nil {
		return 0, err
	}
	pool, err := l.store.AccountBalance(ctx, AccountPool)
	if err != nil {
		return 0, err
	}
	return house + pool, nil
}

func (l *LedgerCustody) TotalShares(ctx context.Context) (int64, error) {
	return l.store.AccountBalance(ctx, AccountSupply)
}

func (l *LedgerCustody) CustodyBalance(ctx context.Context) (int64, error) {
	return l.store.AccountBalance(ctx, AccountHouse)
}

func (l *LedgerCustody) ShareBalance(ctx context.Context, addr string) (int64, error) {
	return l.store.AccountBalance(ctx, sharesAccount(addr))
}

// ConvertToAssets values shares at the current assets per share, rounded
// down.
func (l *LedgerCustody) ConvertToAssets(ctx context.Context, shares int64) (int64, error) {
	supply, err := l.TotalShares(ctx)
	if err != nil {
		return 0, err
	}
	if supply <= 0 || shares <= 0 {
		return 0, nil
	}
	assets, err := l.TotalAssets(ctx)
	if err != nil {
		return 0, err
	}
	v := decimal.NewFromInt(shares).Mul(decimal.NewFromInt(assets)).
		Div(decimal.NewFromInt(supply)).Floor()
	return v.IntPart(), nil
}

func (l *LedgerCustody) TokenBalance(ctx context.Context, addr string) (int64, error) {
	return l.store.AccountBalance(ctx, tokenAccount(addr))
}

func (l *LedgerCustody) Allowance(ctx context.Context, addr string) (int64, error) {
	return l.store.AccountBalance(ctx, allowanceAccount(addr))
}

func (l *LedgerCustody) Withdraw(ctx context.Context, amount int64) (string, error) {
	return l.post(ctx, "", AccountHouse, AccountOperator, amount, "withdraw")
}

func (l *LedgerCustody) Transfer(ctx context.Context, amount int64) (string, error) {
	return l.post(ctx, "", AccountOperator, AccountPool, amount, "transfer to pool")
}

func settleEntryID(ref string) string {
	if ref == "" {
		return ""
	}
	return "settle:" + ref
}

func (l *LedgerCustody) PayPlayer(ctx context.Context, ref, player string, amount int64) (string, error) {
	return l.post(ctx, settleEntryID(ref), AccountHouse, playerAccount(player), amount, "session payout")
}

func (l *LedgerCustody) RealizeProfit(ctx context.Context, ref string, amount int64) (string, error) {
	return l.post(ctx, settleEntryID(ref), accountEscrow, AccountHouse, amount, "realize profit")
}

// WaitConfirmed succeeds once the entry exists.
func (l *LedgerCustody) WaitConfirmed(ctx context.Context, txID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := l.store.GetEntry(ctx, txID); err != nil {
		return fmt.Errorf("%w: %s", ErrTxNotFound, txID)
	}
	return nil
}
