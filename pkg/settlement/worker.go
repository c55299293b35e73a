// Package settlement reconciles finished sessions against custody. Sessions
// are settled one at a time, either when the session engine reports a close
// or by a periodic sweep that picks up anything the event path missed.
package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/slog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultGraceWindow = 5 * time.Minute
	DefaultTimeout     = 30 * time.Second

	// failureThreshold consecutive failures mark the worker unhealthy.
	failureThreshold = 3

	notifyQueueSize = 64
)

// Candidate is a finished session awaiting settlement.
type Candidate struct {
	SessionID          string
	PlayerID           string
	Status             string
	PlayerDeposit      int64
	FinalPlayerBalance int64
	ClosedAt           time.Time
}

// PlayerPnL is the player's net result: positive when the house lost.
func (c *Candidate) PlayerPnL() int64 {
	return c.FinalPlayerBalance - c.PlayerDeposit
}

// Store selects and advances sessions awaiting settlement.
type Store interface {
	// NextUnsettled returns the oldest CLOSED or EXPIRED session closed
	// before closedBefore, or nil when there is none.
	NextUnsettled(ctx context.Context, closedBefore time.Time) (*Candidate, error)
	// GetUnsettled returns the session if it is CLOSED or EXPIRED, nil
	// otherwise.
	GetUnsettled(ctx context.Context, sessionID string) (*Candidate, error)
	// MarkSettled moves a CLOSED or EXPIRED session to SETTLED. It reports
	// false when the session was not in one of those states.
	MarkSettled(ctx context.Context, sessionID string, settledAt time.Time) (bool, error)
}

// Settler performs the custody side of a settlement. It must be idempotent
// on sessionID: a session retried after MarkSettled failed is settled again
// with the same ID.
type Settler interface {
	SettleSession(ctx context.Context, sessionID, player string, playerPnL int64) (string, error)
}

// Config configures a Worker.
type Config struct {
	Store       Store
	Settler     Settler
	Log         slog.Logger
	Interval    time.Duration
	GraceWindow time.Duration
	// Timeout bounds one settlement attempt including custody calls.
	Timeout time.Duration
	// OnHealth is called when the worker's health changes.
	OnHealth func(healthy bool)
	Now      func() time.Time
}

// Worker is the settlement reconciliation worker.
type Worker struct {
	cfg    Config
	log    slog.Logger
	sf     singleflight.Group
	notify chan string

	// settleMu serializes settlement attempts.
	settleMu sync.Mutex

	mu       sync.Mutex
	failures int
	healthy  bool
}

// NewWorker returns a worker. Zero durations take their defaults.
func NewWorker(cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Worker{
		cfg:     cfg,
		log:     log,
		notify:  make(chan string, notifyQueueSize),
		healthy: true,
	}
}

// Notify queues sessionID for immediate settlement. It never blocks; when
// the queue is full the sweep picks the session up later.
func (w *Worker) Notify(sessionID string) {
	select {
	case w.notify <- sessionID:
	default:
		w.log.Debugf("Settlement queue full, session %s left to the sweep", sessionID)
	}
}

// Run processes notifications and sweeps on the configured interval until
// ctx is done. Failures are logged and retried on a later pass.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.log.Infof("Settlement worker started (interval %v, grace %v)", w.cfg.Interval, w.cfg.GraceWindow)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case id := <-w.notify:
			if _, err := w.SettleNow(ctx, id); err != nil {
				w.log.Warnf("Settlement of session %s failed, will retry: %v", id, err)
			}

		case <-ticker.C:
			if _, err := w.Tick(ctx); err != nil {
				w.log.Warnf("Settlement sweep failed, will retry: %v", err)
			}
		}
	}
}

// Tick settles at most one session closed before the grace window, oldest
// first. A tick already running absorbs concurrent calls. It reports whether
// a session was settled.
func (w *Worker) Tick(ctx context.Context) (bool, error) {
	v, err, _ := w.sf.Do("tick", func() (interface{}, error) {
		cutoff := w.cfg.Now().Add(-w.cfg.GraceWindow)
		c, err := w.cfg.Store.NextUnsettled(ctx, cutoff)
		if err != nil {
			return false, fmt.Errorf("select unsettled: %w", err)
		}
		if c == nil {
			return false, nil
		}
		return w.settle(ctx, c)
	})
	settled, _ := v.(bool)
	return settled, err
}

// SettleNow settles sessionID if it is still unsettled.
func (w *Worker) SettleNow(ctx context.Context, sessionID string) (bool, error) {
	v, err, _ := w.sf.Do("session:"+sessionID, func() (interface{}, error) {
		c, err := w.cfg.Store.GetUnsettled(ctx, sessionID)
		if err != nil {
			return false, fmt.Errorf("load session: %w", err)
		}
		if c == nil {
			return false, nil
		}
		return w.settle(ctx, c)
	})
	settled, _ := v.(bool)
	return settled, err
}

func (w *Worker) settle(ctx context.Context, c *Candidate) (bool, error) {
	w.settleMu.Lock()
	defer w.settleMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	// Re-read under the lock: a concurrent attempt may have finished.
	cur, err := w.cfg.Store.GetUnsettled(ctx, c.SessionID)
	if err != nil {
		w.recordFailure()
		return false, fmt.Errorf("reload session: %w", err)
	}
	if cur == nil {
		return false, nil
	}

	pnl := cur.PlayerPnL()
	var txID string
	if pnl != 0 {
		txID, err = w.cfg.Settler.SettleSession(ctx, cur.SessionID, cur.PlayerID, pnl)
		if err != nil {
			w.recordFailure()
			return false, fmt.Errorf("settle session %s: %w", cur.SessionID, err)
		}
	}
	ok, err := w.cfg.Store.MarkSettled(ctx, cur.SessionID, w.cfg.Now())
	if err != nil {
		w.recordFailure()
		return false, fmt.Errorf("mark session %s settled: %w", cur.SessionID, err)
	}
	w.recordSuccess()
	if !ok {
		w.log.Warnf("Session %s changed state during settlement (tx %q)", cur.SessionID, txID)
		return false, nil
	}
	switch {
	case pnl > 0:
		w.log.Infof("Settled session %s: paid player %s %v (tx %s)", cur.SessionID,
			cur.PlayerID, dcrutil.Amount(pnl), txID)
	case pnl < 0:
		w.log.Infof("Settled session %s: house profit %v (tx %s)", cur.SessionID,
			dcrutil.Amount(-pnl), txID)
	default:
		w.log.Infof("Settled session %s: break-even", cur.SessionID)
	}
	return true, nil
}

func (w *Worker) recordFailure() {
	w.mu.Lock()
	w.failures++
	changed := w.healthy && w.failures >= failureThreshold
	if changed {
		w.healthy = false
	}
	w.mu.Unlock()
	if changed && w.cfg.OnHealth != nil {
		w.cfg.OnHealth(false)
	}
}

func (w *Worker) recordSuccess() {
	w.mu.Lock()
	w.failures = 0
	changed := !w.healthy
	w.healthy = true
	w.mu.Unlock()
	if changed && w.cfg.OnHealth != nil {
		w.cfg.OnHealth(true)
	}
}

// Healthy reports whether recent settlement attempts succeeded.
func (w *Worker) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthy
}
