package vault

import (
	"context"
	"time"

	"github.com/decred/slog"
	"github.com/shopspring/decimal"
)

// Snapshot is one stored sample of the vault state, kept for charting.
type Snapshot struct {
	ID             int64           `json:"id"`
	TotalAssets    int64           `json:"totalAssets"`
	TotalShares    int64           `json:"totalShares"`
	AdjustedAssets int64           `json:"adjustedAssets"`
	SessionPnL     int64           `json:"sessionPnl"`
	SharePrice     decimal.Decimal `json:"sharePrice"`
	Timestamp      time.Time       `json:"timestamp"`
}

// SnapshotStore persists vault snapshots.
type SnapshotStore interface {
	InsertVaultSnapshot(ctx context.Context, s *Snapshot) error
	LatestVaultSnapshot(ctx context.Context) (*Snapshot, error)
	ListVaultSnapshots(ctx context.Context, since time.Time) ([]*Snapshot, error)
}

// Sampler periodically records the vault state. A sample identical to the
// last stored one is dropped.
type Sampler struct {
	svc      *Service
	store    SnapshotStore
	interval time.Duration
	log      slog.Logger
}

// NewSampler returns a sampler writing to store every interval.
func NewSampler(svc *Service, store SnapshotStore, interval time.Duration, log slog.Logger) *Sampler {
	if log == nil {
		log = slog.Disabled
	}
	return &Sampler{svc: svc, store: store, interval: interval, log: log}
}

// Sample takes one sample. It reports whether a row was written.
func (s *Sampler) Sample(ctx context.Context) (bool, error) {
	st, err := s.svc.GetVaultState(ctx)
	if err != nil {
		return false, err
	}
	last, err := s.store.LatestVaultSnapshot(ctx)
	if err != nil {
		return false, err
	}
	if last != nil && last.AdjustedAssets == st.AdjustedAssets &&
		last.TotalShares == st.TotalShares && last.SharePrice.Equal(st.SharePrice) {
		return false, nil
	}
	snap := &Snapshot{
		TotalAssets:    st.TotalAssets,
		TotalShares:    st.TotalShares,
		AdjustedAssets: st.AdjustedAssets,
		SessionPnL:     st.SessionPnL,
		SharePrice:     st.SharePrice,
		Timestamp:      st.Timestamp,
	}
	if err := s.store.InsertVaultSnapshot(ctx, snap); err != nil {
		return false, err
	}
	return true, nil
}

// Run samples until ctx is done.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sample(ctx); err != nil && ctx.Err() == nil {
			s.log.Warnf("Vault snapshot failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
