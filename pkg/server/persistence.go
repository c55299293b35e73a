package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/vctt94/fairvault/pkg/primitive"
	"github.com/vctt94/fairvault/pkg/rounds"
	"github.com/vctt94/fairvault/pkg/server/internal/db"
	"github.com/vctt94/fairvault/pkg/statemachine"
)

// writeSnapshot persists e and clears its dirty flag. Callers hold e.mu.
func (s *Server) writeSnapshot(ctx context.Context, e *sessionEntry) error {
	rec, err := e.record()
	if err != nil {
		return err
	}
	if err := s.db.UpdateSession(context.WithoutCancel(ctx), rec); err != nil {
		return err
	}
	e.dirty = false
	return nil
}

// persistLocked writes e's snapshot. A failed write leaves e dirty for the
// persistence handler to retry; the in-memory state stays authoritative.
func (s *Server) persistLocked(ctx context.Context, e *sessionEntry) bool {
	if err := s.writeSnapshot(ctx, e); err != nil {
		e.dirty = true
		s.log.Errorf("Failed to persist session %s: %v", e.id, err)
		s.publish(EventPersistFailed, e, nil)
		return false
	}
	return true
}

// flushDirty retries the snapshot of every dirty session and returns how many
// were written. Closed sessions are evicted and handed to settlement once
// they are durable.
func (s *Server) flushDirty(ctx context.Context) int {
	n := 0
	for _, e := range s.entries() {
		e.mu.Lock()
		if !e.dirty || e.evicted {
			e.mu.Unlock()
			continue
		}
		if err := s.writeSnapshot(ctx, e); err != nil {
			s.log.Warnf("Session %s still not persisted: %v", e.id, err)
			e.mu.Unlock()
			continue
		}
		n++
		closed := e.status.State() != StatusActive
		if closed {
			s.evict(e)
		}
		e.mu.Unlock()
		if closed && s.settlement != nil {
			s.settlement.Notify(e.id)
		}
	}
	return n
}

// loadActiveSessions restores every ACTIVE session from its snapshot together
// with its vault reservation and any round still awaiting reveal.
func (s *Server) loadActiveSessions(ctx context.Context) error {
	recs, err := s.db.ListSessionsByStatus(ctx, string(StatusActive))
	if err != nil {
		return fmt.Errorf("failed to list active sessions: %w", err)
	}

	reservations := make(map[string]int64, len(recs))
	s.mu.Lock()
	for _, rec := range recs {
		e, err := s.restoreEntry(ctx, rec)
		if err != nil {
			s.log.Errorf("Failed to restore session %s: %v", rec.ID, err)
			continue
		}
		s.sessions[e.id] = e
		reservations[e.id] = e.houseDeposit
	}
	s.mu.Unlock()
	s.vault.Restore(reservations)
	if n := s.flushDirty(ctx); n > 0 {
		s.log.Infof("Rewrote %d recovered session snapshots", n)
	}

	if len(reservations) > 0 {
		s.log.Infof("Restored %d active sessions", len(reservations))
	}
	return nil
}

func (s *Server) restoreEntry(ctx context.Context, rec *db.Session) (*sessionEntry, error) {
	var cfg primitive.Config
	if err := json.Unmarshal(rec.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	p, err := s.registry.GetPrimitive(cfg.GameType)
	if err != nil {
		return nil, err
	}
	st, err := primitive.UnmarshalState(rec.State)
	if err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	st.PlayerBalance = rec.PlayerBalance
	st.HouseBalance = rec.HouseBalance

	e := &sessionEntry{
		id:            rec.ID,
		playerID:      rec.PlayerID,
		cfg:           cfg,
		prim:          p,
		status:        statemachine.NewMachine(sessionTransitions, StatusActive),
		state:         st,
		playerDeposit: rec.PlayerDeposit,
		houseDeposit:  rec.HouseDeposit,
		createdAt:     rec.CreatedAt,
		updatedAt:     rec.UpdatedAt,
	}

	history, err := s.rounds.History(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if err := s.replaySettled(e, history); err != nil {
		return nil, err
	}
	for _, r := range history {
		if r.Voided || r.Status == rounds.StatusSettled {
			continue
		}
		// Only a round with both commitments for the next round number can
		// still be revealed; anything else was interrupted mid-step.
		if r.Status == rounds.StatusHouseCommitted && r.Number == st.CurrentRound+1 {
			e.pending = &pendingRound{id: r.ID, number: r.Number, bet: r.Bet}
			continue
		}
		if err := s.rounds.Void(ctx, r.ID); err != nil {
			return nil, err
		}
		s.log.Infof("Session %s: voided interrupted round %s (%s)", rec.ID, r.ID, r.Status)
	}
	return e, nil
}

// replaySettled folds in rounds that settled after e's snapshot was taken.
// The round row is written before the snapshot, so a failed snapshot write
// leaves the session behind its own history. A replayed entry is dirty and
// closes if the replayed rounds ended the game.
func (s *Server) replaySettled(e *sessionEntry, history []*rounds.Round) error {
	settled := make([]*rounds.Round, 0, len(history))
	for _, r := range history {
		if !r.Voided && r.Status == rounds.StatusSettled && r.Number > e.state.CurrentRound {
			settled = append(settled, r)
		}
	}
	sort.Slice(settled, func(i, j int) bool { return settled[i].Number < settled[j].Number })

	for _, r := range settled {
		if !e.state.Active {
			return fmt.Errorf("round %d settled after the game ended", r.Number)
		}
		if r.Number != e.state.CurrentRound+1 {
			return fmt.Errorf("round %d settled but round %d is missing", r.Number,
				e.state.CurrentRound+1)
		}
		res, err := s.rounds.Replay(r, e.state, e.cfg)
		if err != nil {
			return err
		}
		applyOutcome(e.prim, res.State, r.Bet, res.Outcome)
		e.state = res.State
		if r.SettledAt.After(e.updatedAt) {
			e.updatedAt = r.SettledAt
		}
		e.dirty = true
		s.log.Infof("Session %s: recovered settled round %d from history", e.id, r.Number)
	}
	if e.dirty && !e.state.Active {
		s.closeLocked(e, StatusClosed)
	}
	return nil
}

// ExpireIdle moves active sessions idle for longer than the session TTL to
// EXPIRED and returns how many expired.
func (s *Server) ExpireIdle(ctx context.Context) int {
	if s.sessionTTL <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.sessionTTL)
	n := 0
	for _, e := range s.entries() {
		e.mu.Lock()
		if e.evicted || e.status.State() != StatusActive || e.updatedAt.After(cutoff) {
			e.mu.Unlock()
			continue
		}
		if err := s.voidPending(ctx, e); err != nil {
			s.log.Warnf("Session %s: %v", e.id, err)
		}
		e.updatedAt = s.now()
		s.closeLocked(e, StatusExpired)
		s.persistLocked(ctx, e)
		s.log.Infof("Session %s expired after inactivity", e.id)
		s.finishClose(e)
		e.mu.Unlock()
		n++
	}
	return n
}

// RunMaintenance expires idle sessions and retries failed snapshot writes
// every interval until ctx is done.
func (s *Server) RunMaintenance(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := s.ExpireIdle(ctx); n > 0 {
				s.log.Infof("Expired %d idle sessions", n)
			}
			s.flushDirty(ctx)
		}
	}
}
