// Package vault derives house liquidity and share price from the custody
// ledger plus the off-chain results of finished sessions, and moves funds
// through the custody client when sessions settle.
package vault

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientLiquidity = errors.New("insufficient house liquidity")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrTxNotFound            = errors.New("transaction not found")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrDuplicateEntry        = errors.New("duplicate ledger entry")
)

// Session statuses the vault aggregates over. They match the session engine's
// status strings.
const (
	statusClosed  = "CLOSED"
	statusSettled = "SETTLED"
	statusExpired = "EXPIRED"
)

var (
	finishedStatuses  = []string{statusClosed, statusSettled, statusExpired}
	unsettledStatuses = []string{statusClosed, statusExpired}
)

// Custody is the external ledger holding the funds that back sessions.
// Amounts are atoms.
type Custody interface {
	TotalAssets(ctx context.Context) (int64, error)
	TotalShares(ctx context.Context) (int64, error)
	// CustodyBalance is the operator-held balance available to fund sessions.
	CustodyBalance(ctx context.Context) (int64, error)

	ShareBalance(ctx context.Context, addr string) (int64, error)
	ConvertToAssets(ctx context.Context, shares int64) (int64, error)
	TokenBalance(ctx context.Context, addr string) (int64, error)
	Allowance(ctx context.Context, addr string) (int64, error)

	// Withdraw moves amount out of operator custody; Transfer moves it into
	// the redeemable pool.
	Withdraw(ctx context.Context, amount int64) (string, error)
	Transfer(ctx context.Context, amount int64) (string, error)
	// PayPlayer and RealizeProfit are idempotent on ref: a repeated call with
	// the same ref returns the original transaction without moving funds.
	PayPlayer(ctx context.Context, ref, player string, amount int64) (string, error)
	RealizeProfit(ctx context.Context, ref string, amount int64) (string, error)
	WaitConfirmed(ctx context.Context, txID string) error
}

// SessionBook reports the house result of finished sessions.
type SessionBook interface {
	// HousePnL sums finalHouseBalance - houseDeposit over sessions in any of
	// the given statuses.
	HousePnL(ctx context.Context, statuses ...string) (int64, error)
}

// State is the derived vault view.
type State struct {
	TotalAssets    int64 `json:"totalAssets"`
	TotalShares    int64 `json:"totalShares"`
	CustodyBalance int64 `json:"custodyBalance"`
	// SessionPnL is the house result of every finished session, not yet
	// necessarily reflected on the custody side.
	SessionPnL     int64           `json:"sessionPnl"`
	AdjustedAssets int64           `json:"adjustedAssets"`
	SharePrice     decimal.Decimal `json:"sharePrice"`
	Reserved       int64           `json:"reserved"`
	Available      int64           `json:"availableLiquidity"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Position is one address's stake in the vault.
type Position struct {
	Address      string `json:"address"`
	Shares       int64  `json:"shares"`
	AssetValue   int64  `json:"assetValue"`
	TokenBalance int64  `json:"tokenBalance"`
	Allowance    int64  `json:"allowance"`
}

// Withdrawal records the two custody transactions of a pool top-up.
type Withdrawal struct {
	Amount     int64  `json:"amount"`
	WithdrawTx string `json:"withdrawTx"`
	TransferTx string `json:"transferTx"`
}

// SharePrice is adjustedAssets / shares, or 1 when no shares exist.
func SharePrice(adjustedAssets, shares int64) decimal.Decimal {
	if shares <= 0 {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(adjustedAssets).DivRound(decimal.NewFromInt(shares), 18)
}
