package vault

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCustody struct {
	mu       sync.Mutex
	assets   int64
	shares   int64
	custody  int64
	calls    []string
	failNext error
}

func (f *fakeCustody) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if err := f.failNext; err != nil {
		f.failNext = nil
		return err
	}
	return nil
}

func (f *fakeCustody) TotalAssets(context.Context) (int64, error)    { return f.assets, nil }
func (f *fakeCustody) TotalShares(context.Context) (int64, error)    { return f.shares, nil }
func (f *fakeCustody) CustodyBalance(context.Context) (int64, error) { return f.custody, nil }
func (f *fakeCustody) ShareBalance(context.Context, string) (int64, error) {
	return 40, nil
}
func (f *fakeCustody) ConvertToAssets(_ context.Context, shares int64) (int64, error) {
	return shares * 2, nil
}
func (f *fakeCustody) TokenBalance(context.Context, string) (int64, error) { return 7, nil }
func (f *fakeCustody) Allowance(context.Context, string) (int64, error)    { return 3, nil }

func (f *fakeCustody) Withdraw(_ context.Context, amount int64) (string, error) {
	return "w", f.record("withdraw")
}
func (f *fakeCustody) Transfer(_ context.Context, amount int64) (string, error) {
	return "t", f.record("transfer")
}
func (f *fakeCustody) PayPlayer(_ context.Context, ref, player string, amount int64) (string, error) {
	return "p", f.record("pay:" + ref)
}
func (f *fakeCustody) RealizeProfit(_ context.Context, ref string, amount int64) (string, error) {
	return "r", f.record("realize:" + ref)
}
func (f *fakeCustody) WaitConfirmed(_ context.Context, txID string) error {
	return f.record("wait:" + txID)
}

type fakeBook struct {
	pnl map[string]int64
}

func (b fakeBook) HousePnL(_ context.Context, statuses ...string) (int64, error) {
	var sum int64
	for _, s := range statuses {
		sum += b.pnl[s]
	}
	return sum, nil
}

func newTestService(c *fakeCustody, book fakeBook) *Service {
	return NewService(Config{
		Custody:  c,
		Sessions: book,
		Now:      func() time.Time { return time.Unix(1700000000, 0) },
	})
}

func TestGetVaultState(t *testing.T) {
	c := &fakeCustody{assets: 10000, shares: 5000, custody: 8000}
	book := fakeBook{pnl: map[string]int64{statusClosed: 300, statusSettled: -100, statusExpired: 50}}
	svc := newTestService(c, book)
	require.NoError(t, svc.Reserve(context.Background(), "a", 1000, nil))

	st, err := svc.GetVaultState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(250), st.SessionPnL)
	assert.Equal(t, int64(10250), st.AdjustedAssets)
	assert.True(t, decimal.RequireFromString("2.05").Equal(st.SharePrice), st.SharePrice.String())
	assert.Equal(t, int64(1000), st.Reserved)
	assert.Equal(t, int64(8000+350-1000), st.Available)
}

func TestSharePriceDefaultsToOne(t *testing.T) {
	assert.True(t, decimal.NewFromInt(1).Equal(SharePrice(500, 0)))
	svc := newTestService(&fakeCustody{assets: 500}, fakeBook{})
	st, err := svc.GetVaultState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", st.SharePrice.String())
}

func TestReserveIsBounded(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(&fakeCustody{custody: 1000}, fakeBook{})

	err := svc.Reserve(ctx, "big", 2000, nil)
	require.ErrorIs(t, err, ErrInsufficientLiquidity)
	assert.Zero(t, svc.Reserved())

	require.NoError(t, svc.Reserve(ctx, "a", 600, nil))
	require.ErrorIs(t, svc.Reserve(ctx, "b", 600, nil), ErrInsufficientLiquidity)

	svc.Release("a")
	require.NoError(t, svc.Reserve(ctx, "b", 600, nil))
	assert.Equal(t, int64(600), svc.Reserved())
}

func TestReserveCheckVeto(t *testing.T) {
	svc := newTestService(&fakeCustody{custody: 1000}, fakeBook{})
	veto := errors.New("too big")
	var seen int64
	err := svc.Reserve(context.Background(), "a", 10, func(avail int64) error {
		seen = avail
		return veto
	})
	require.ErrorIs(t, err, veto)
	assert.Equal(t, int64(1000), seen)
	assert.Zero(t, svc.Reserved())
}

func TestConcurrentReservationsNeverOvercommit(t *testing.T) {
	svc := newTestService(&fakeCustody{custody: 1000}, fakeBook{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if svc.Reserve(context.Background(), string(rune('a'+i)), 300, nil) == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 3, ok)
	assert.Equal(t, int64(900), svc.Reserved())
}

// slowCustody blocks CustodyBalance until release is closed.
type slowCustody struct {
	*fakeCustody
	entered chan struct{}
	release chan struct{}
}

func (c *slowCustody) CustodyBalance(ctx context.Context) (int64, error) {
	close(c.entered)
	<-c.release
	return c.fakeCustody.CustodyBalance(ctx)
}

func TestReleaseDoesNotWaitOnCustody(t *testing.T) {
	c := &slowCustody{
		fakeCustody: &fakeCustody{custody: 1000},
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	svc := NewService(Config{Custody: c, Sessions: fakeBook{}})
	svc.Restore(map[string]int64{"old": 400})

	done := make(chan error, 1)
	go func() { done <- svc.Reserve(context.Background(), "new", 500, nil) }()
	<-c.entered

	released := make(chan struct{})
	go func() {
		svc.Release("old")
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("Release blocked behind a custody read")
	}
	assert.Zero(t, svc.Reserved())

	close(c.release)
	require.NoError(t, <-done)
	assert.Equal(t, int64(500), svc.Reserved())
}

func TestRestore(t *testing.T) {
	svc := newTestService(&fakeCustody{custody: 1000}, fakeBook{})
	svc.Restore(map[string]int64{"a": 100, "b": 200})
	assert.Equal(t, int64(300), svc.Reserved())
}

func TestGetUserPosition(t *testing.T) {
	svc := newTestService(&fakeCustody{}, fakeBook{})
	pos, err := svc.GetUserPosition(context.Background(), "addr")
	require.NoError(t, err)
	assert.Equal(t, Position{Address: "addr", Shares: 40, AssetValue: 80, TokenBalance: 7, Allowance: 3}, *pos)
}

func TestSettleForWithdrawalOrder(t *testing.T) {
	c := &fakeCustody{}
	svc := newTestService(c, fakeBook{})
	w, err := svc.SettleForWithdrawal(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, "w", w.WithdrawTx)
	assert.Equal(t, "t", w.TransferTx)
	assert.Equal(t, []string{"withdraw", "wait:w", "transfer", "wait:t"}, c.calls)

	_, err = svc.SettleForWithdrawal(context.Background(), 0)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSettleForWithdrawalStopsOnFailure(t *testing.T) {
	c := &fakeCustody{failNext: errors.New("rpc down")}
	svc := newTestService(c, fakeBook{})
	_, err := svc.SettleForWithdrawal(context.Background(), 50)
	require.Error(t, err)
	assert.Equal(t, []string{"withdraw"}, c.calls)
}

func TestSettleSession(t *testing.T) {
	ctx := context.Background()
	c := &fakeCustody{}
	svc := newTestService(c, fakeBook{})

	tx, err := svc.SettleSession(ctx, "s1", "alice", 96)
	require.NoError(t, err)
	assert.Equal(t, "p", tx)

	tx, err = svc.SettleSession(ctx, "s2", "alice", -10)
	require.NoError(t, err)
	assert.Equal(t, "r", tx)

	tx, err = svc.SettleSession(ctx, "s3", "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, tx)

	assert.Equal(t, []string{"pay:s1", "wait:p", "realize:s2", "wait:r"}, c.calls)
}
