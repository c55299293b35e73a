package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/slog"
)

// Config holds the service's collaborators.
type Config struct {
	Custody  Custody
	Sessions SessionBook
	Log      slog.Logger
	// CallTimeout bounds each external custody call. Zero means no bound.
	CallTimeout time.Duration
	Now         func() time.Time
}

// Service is the vault accounting service. It also tracks the house capital
// reserved by active sessions so concurrent session creation cannot
// over-commit liquidity.
type Service struct {
	custody     Custody
	sessions    SessionBook
	log         slog.Logger
	callTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	reserved map[string]int64
}

// NewService returns a vault service.
func NewService(cfg Config) *Service {
	s := &Service{
		custody:     cfg.Custody,
		sessions:    cfg.Sessions,
		log:         cfg.Log,
		callTimeout: cfg.CallTimeout,
		now:         cfg.Now,
		reserved:    make(map[string]int64),
	}
	if s.log == nil {
		s.log = slog.Disabled
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.callTimeout)
}

// GetVaultState reads custody totals and adjusts them by the house result of
// every finished session.
func (s *Service) GetVaultState(ctx context.Context) (*State, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()

	assets, err := s.custody.TotalAssets(cctx)
	if err != nil {
		return nil, fmt.Errorf("total assets: %w", err)
	}
	shares, err := s.custody.TotalShares(cctx)
	if err != nil {
		return nil, fmt.Errorf("total shares: %w", err)
	}
	custody, err := s.custody.CustodyBalance(cctx)
	if err != nil {
		return nil, fmt.Errorf("custody balance: %w", err)
	}
	pnl, err := s.sessions.HousePnL(ctx, finishedStatuses...)
	if err != nil {
		return nil, fmt.Errorf("session pnl: %w", err)
	}
	unsettled, err := s.sessions.HousePnL(ctx, unsettledStatuses...)
	if err != nil {
		return nil, fmt.Errorf("unsettled pnl: %w", err)
	}

	reserved := s.Reserved()
	adjusted := assets + pnl
	return &State{
		TotalAssets:    assets,
		TotalShares:    shares,
		CustodyBalance: custody,
		SessionPnL:     pnl,
		AdjustedAssets: adjusted,
		SharePrice:     SharePrice(adjusted, shares),
		Reserved:       reserved,
		Available:      custody + unsettled - reserved,
		Timestamp:      s.now(),
	}, nil
}

// liquidity is custody balance plus the unsettled house result. It does
// custody I/O and must not be called with s.mu held.
func (s *Service) liquidity(ctx context.Context) (int64, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	custody, err := s.custody.CustodyBalance(cctx)
	if err != nil {
		return 0, fmt.Errorf("custody balance: %w", err)
	}
	unsettled, err := s.sessions.HousePnL(ctx, unsettledStatuses...)
	if err != nil {
		return 0, fmt.Errorf("unsettled pnl: %w", err)
	}
	return custody + unsettled, nil
}

func (s *Service) reservedLocked() int64 {
	var total int64
	for _, amt := range s.reserved {
		total += amt
	}
	return total
}

// Reserve sets aside amount of house capital for sessionID. check, when not
// nil, runs against the liquidity available before the reservation and may
// veto it. The custody reads happen first; the check-and-reserve step
// against the current reservations is atomic.
func (s *Service) Reserve(ctx context.Context, sessionID string, amount int64,
	check func(available int64) error) error {

	if amount < 0 {
		return ErrInvalidAmount
	}
	liquid, err := s.liquidity(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	avail := liquid - s.reservedLocked()
	if amount > avail {
		return fmt.Errorf("%w: need %v, available %v", ErrInsufficientLiquidity,
			dcrutil.Amount(amount), dcrutil.Amount(avail))
	}
	if check != nil {
		if err := check(avail); err != nil {
			return err
		}
	}
	s.reserved[sessionID] = amount
	s.log.Debugf("Reserved %v for session %s (available %v)", dcrutil.Amount(amount),
		sessionID, dcrutil.Amount(avail-amount))
	return nil
}

// Release drops the reservation of sessionID, if any.
func (s *Service) Release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amt, ok := s.reserved[sessionID]; ok {
		delete(s.reserved, sessionID)
		s.log.Debugf("Released %v for session %s", dcrutil.Amount(amt), sessionID)
	}
}

// Restore replaces all reservations, used at startup with the house deposits
// of the sessions still active.
func (s *Service) Restore(reservations map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved = make(map[string]int64, len(reservations))
	for id, amt := range reservations {
		s.reserved[id] = amt
	}
}

// Reserved is the total capital held by active sessions.
func (s *Service) Reserved() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservedLocked()
}

// GetUserPosition composes the custody reads for one address.
func (s *Service) GetUserPosition(ctx context.Context, addr string) (*Position, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()

	shares, err := s.custody.ShareBalance(cctx, addr)
	if err != nil {
		return nil, fmt.Errorf("share balance: %w", err)
	}
	value, err := s.custody.ConvertToAssets(cctx, shares)
	if err != nil {
		return nil, fmt.Errorf("convert to assets: %w", err)
	}
	token, err := s.custody.TokenBalance(cctx, addr)
	if err != nil {
		return nil, fmt.Errorf("token balance: %w", err)
	}
	allowance, err := s.custody.Allowance(cctx, addr)
	if err != nil {
		return nil, fmt.Errorf("allowance: %w", err)
	}
	return &Position{
		Address:      addr,
		Shares:       shares,
		AssetValue:   value,
		TokenBalance: token,
		Allowance:    allowance,
	}, nil
}

// SettleForWithdrawal moves amount from operator custody into the redeemable
// pool: withdraw, wait, transfer, wait. It does not retry.
func (s *Service) SettleForWithdrawal(ctx context.Context, amount int64) (*Withdrawal, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	w := &Withdrawal{Amount: amount}
	var err error
	if w.WithdrawTx, err = s.submit(ctx, func(ctx context.Context) (string, error) {
		return s.custody.Withdraw(ctx, amount)
	}); err != nil {
		return nil, fmt.Errorf("withdraw: %w", err)
	}
	if w.TransferTx, err = s.submit(ctx, func(ctx context.Context) (string, error) {
		return s.custody.Transfer(ctx, amount)
	}); err != nil {
		return w, fmt.Errorf("transfer: %w", err)
	}
	s.log.Infof("Moved %v to the redeemable pool (withdraw %s, transfer %s)",
		dcrutil.Amount(amount), w.WithdrawTx, w.TransferTx)
	return w, nil
}

// SettleSession makes a session's result real against custody. A positive
// playerPnL pays the player, a negative one realizes house profit and zero
// does nothing. It returns the custody transaction id, empty on break-even.
// The session ID keys the custody transfer, so retrying a session whose
// bookkeeping failed after payment does not pay twice.
func (s *Service) SettleSession(ctx context.Context, sessionID, player string, playerPnL int64) (string, error) {
	switch {
	case playerPnL > 0:
		return s.submit(ctx, func(ctx context.Context) (string, error) {
			return s.custody.PayPlayer(ctx, sessionID, player, playerPnL)
		})
	case playerPnL < 0:
		return s.submit(ctx, func(ctx context.Context) (string, error) {
			return s.custody.RealizeProfit(ctx, sessionID, -playerPnL)
		})
	}
	return "", nil
}

// submit sends one custody transaction and waits for its confirmation, both
// under the call timeout.
func (s *Service) submit(ctx context.Context, send func(context.Context) (string, error)) (string, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	txID, err := send(cctx)
	if err != nil {
		return "", err
	}
	if err := s.custody.WaitConfirmed(cctx, txID); err != nil {
		return txID, fmt.Errorf("confirm %s: %w", txID, err)
	}
	return txID, nil
}
