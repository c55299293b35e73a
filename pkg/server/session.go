package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/google/uuid"
	"github.com/vctt94/fairvault/pkg/commit"
	"github.com/vctt94/fairvault/pkg/primitive"
	"github.com/vctt94/fairvault/pkg/rounds"
	"github.com/vctt94/fairvault/pkg/server/internal/db"
	"github.com/vctt94/fairvault/pkg/statemachine"
	"github.com/vctt94/fairvault/pkg/vault"
)

// SessionStatus is the lifecycle status of a session.
type SessionStatus string

const (
	StatusActive  SessionStatus = "ACTIVE"
	StatusClosed  SessionStatus = "CLOSED"
	StatusSettled SessionStatus = "SETTLED"
	StatusExpired SessionStatus = "EXPIRED"
)

var sessionTransitions = statemachine.NewTable(map[SessionStatus][]SessionStatus{
	StatusActive:  {StatusClosed, StatusExpired},
	StatusClosed:  {StatusSettled},
	StatusExpired: {StatusSettled},
})

type pendingRound struct {
	id     string
	number int
	bet    int64
}

// sessionEntry is the in-memory state of one live session. All fields are
// guarded by mu.
type sessionEntry struct {
	mu sync.Mutex

	id       string
	playerID string
	cfg      primitive.Config
	prim     primitive.Primitive
	status   *statemachine.Machine[SessionStatus]
	state    *primitive.State

	playerDeposit int64
	houseDeposit  int64

	createdAt time.Time
	updatedAt time.Time
	closedAt  time.Time

	pending *pendingRound
	// dirty is set when the last snapshot write failed.
	dirty   bool
	evicted bool
}

func (e *sessionEntry) record() (*db.Session, error) {
	cfg, err := json.Marshal(e.cfg)
	if err != nil {
		return nil, err
	}
	st, err := e.state.Marshal()
	if err != nil {
		return nil, err
	}
	return &db.Session{
		ID:            e.id,
		PlayerID:      e.playerID,
		GameSlug:      e.cfg.Slug,
		GameType:      string(e.cfg.GameType),
		Config:        cfg,
		PlayerDeposit: e.playerDeposit,
		HouseDeposit:  e.houseDeposit,
		PlayerBalance: e.state.PlayerBalance,
		HouseBalance:  e.state.HouseBalance,
		Status:        string(e.status.State()),
		State:         st,
		CreatedAt:     e.createdAt,
		UpdatedAt:     e.updatedAt,
		ClosedAt:      e.closedAt,
	}, nil
}

// SessionView is the player facing view of a session.
type SessionView struct {
	SessionID            string               `json:"sessionId"`
	GameSlug             string               `json:"gameSlug"`
	GameType             primitive.GameType   `json:"gameType"`
	Status               SessionStatus        `json:"status"`
	PlayerDeposit        int64                `json:"playerDeposit"`
	HouseDeposit         int64                `json:"houseDeposit"`
	PlayerBalance        int64                `json:"playerBalance"`
	HouseBalance         int64                `json:"houseBalance"`
	BetAmount            int64                `json:"betAmount"`
	CurrentRound         int                  `json:"currentRound"`
	MaxRounds            int                  `json:"maxRounds"`
	CumulativeMultiplier primitive.Multiplier `json:"cumulativeMultiplier"`
	CanCashOut           bool                 `json:"canCashOut"`
	IsActive             bool                 `json:"isActive"`
	PrimitiveState       json.RawMessage      `json:"primitiveState"`
	PendingRoundID       string               `json:"pendingRoundId,omitempty"`
	CreatedAt            time.Time            `json:"createdAt"`
	ClosedAt             *time.Time           `json:"closedAt,omitempty"`
}

func newSessionView(id string, cfg primitive.Config, status SessionStatus,
	playerDeposit, houseDeposit int64, st *primitive.State, createdAt, closedAt time.Time) *SessionView {

	v := &SessionView{
		SessionID:            id,
		GameSlug:             cfg.Slug,
		GameType:             cfg.GameType,
		Status:               status,
		PlayerDeposit:        playerDeposit,
		HouseDeposit:         houseDeposit,
		PlayerBalance:        st.PlayerBalance,
		HouseBalance:         st.HouseBalance,
		BetAmount:            st.BetAmount,
		CurrentRound:         st.CurrentRound,
		MaxRounds:            st.MaxRounds,
		CumulativeMultiplier: st.Multiplier,
		CanCashOut:           st.CanCashOut && status == StatusActive,
		IsActive:             st.Active && status == StatusActive,
		PrimitiveState:       st.PrimitiveState(),
		CreatedAt:            createdAt,
	}
	if !closedAt.IsZero() {
		t := closedAt
		v.ClosedAt = &t
	}
	return v
}

func (e *sessionEntry) view() *SessionView {
	v := newSessionView(e.id, e.cfg, e.status.State(), e.playerDeposit, e.houseDeposit,
		e.state, e.createdAt, e.closedAt)
	if e.pending != nil {
		v.PendingRoundID = e.pending.id
	}
	return v
}

func viewFromRecord(rec *db.Session) (*SessionView, error) {
	var cfg primitive.Config
	if err := json.Unmarshal(rec.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode session config: %w", err)
	}
	st, err := primitive.UnmarshalState(rec.State)
	if err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	st.PlayerBalance = rec.PlayerBalance
	st.HouseBalance = rec.HouseBalance
	return newSessionView(rec.ID, cfg, SessionStatus(rec.Status), rec.PlayerDeposit,
		rec.HouseDeposit, st, rec.CreatedAt, rec.ClosedAt), nil
}

// BetAccepted is returned once both commitments of a round are recorded.
type BetAccepted struct {
	SessionID       string `json:"sessionId"`
	RoundID         string `json:"roundId"`
	RoundNumber     int    `json:"roundNumber"`
	Bet             int64  `json:"bet"`
	HouseCommitment string `json:"houseCommitment"`
}

// RoundResult is the settled outcome of a reveal.
type RoundResult struct {
	SessionID            string               `json:"sessionId"`
	RoundID              string               `json:"roundId"`
	RoundNumber          int                  `json:"roundNumber"`
	Outcome              primitive.Outcome    `json:"outcome"`
	HouseNonce           string               `json:"houseNonce"`
	PlayerBalance        int64                `json:"playerBalance"`
	HouseBalance         int64                `json:"houseBalance"`
	CurrentRound         int                  `json:"currentRound"`
	CumulativeMultiplier primitive.Multiplier `json:"cumulativeMultiplier"`
	CanCashOut           bool                 `json:"canCashOut"`
	IsActive             bool                 `json:"isActive"`
	Status               SessionStatus        `json:"status"`
	PrimitiveState       json.RawMessage      `json:"primitiveState"`
}

// CashOutResult is returned when a player locks in a multi-round win.
type CashOutResult struct {
	SessionID     string               `json:"sessionId"`
	Payout        int64                `json:"payout"`
	Multiplier    primitive.Multiplier `json:"multiplier"`
	PlayerBalance int64                `json:"playerBalance"`
	HouseBalance  int64                `json:"houseBalance"`
	Status        SessionStatus        `json:"status"`
}

// RoundView is a settled round as shown to its player. Rounds still in
// progress are never listed so an undisclosed house nonce cannot leak.
type RoundView struct {
	RoundID          string             `json:"roundId"`
	RoundNumber      int                `json:"roundNumber"`
	GameType         primitive.GameType `json:"gameType"`
	Bet              int64              `json:"bet"`
	PlayerCommitment string             `json:"playerCommitment"`
	HouseCommitment  string             `json:"houseCommitment"`
	PlayerNonce      string             `json:"playerNonce"`
	HouseNonce       string             `json:"houseNonce"`
	Choice           json.RawMessage    `json:"choice"`
	RawValue         uint64             `json:"rawValue"`
	Won              bool               `json:"won"`
	Payout           int64              `json:"payout"`
	SettledAt        time.Time          `json:"settledAt"`
}

func (s *Server) loadRecord(ctx context.Context, sessionID string) (*db.Session, error) {
	rec, err := s.db.GetSession(ctx, sessionID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CreateSession opens a session on the catalogue game slug, reserving the
// house's worst case payout from the vault.
func (s *Server) CreateSession(ctx context.Context, playerID, slug string, deposit int64) (*SessionView, error) {
	if deposit <= 0 {
		return nil, fmt.Errorf("%w: deposit must be positive", primitive.ErrInvalidBet)
	}
	cfg, err := s.GetGameConfig(ctx, slug)
	if err != nil {
		return nil, err
	}
	p, err := s.registry.GetPrimitive(cfg.GameType)
	if err != nil {
		return nil, err
	}
	houseDeposit, err := p.CalculateMaxPayout(deposit, cfg)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	err = s.vault.Reserve(ctx, id, houseDeposit, func(available int64) error {
		if maxBet := p.CalculateMaxBet(available); deposit > maxBet {
			return fmt.Errorf("%w: %v over limit %v", ErrMaxBetExceeded,
				dcrutil.Amount(deposit), dcrutil.Amount(maxBet))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, vault.ErrInsufficientLiquidity) || errors.Is(err, ErrMaxBetExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrVault, err)
	}

	state, err := p.InitializeState(cfg, deposit, s.entropy)
	if err != nil {
		s.vault.Release(id)
		return nil, err
	}
	state.PlayerBalance = deposit
	state.HouseBalance = houseDeposit

	now := s.now()
	e := &sessionEntry{
		id:            id,
		playerID:      playerID,
		cfg:           cfg,
		prim:          p,
		status:        statemachine.NewMachine(sessionTransitions, StatusActive),
		state:         state,
		playerDeposit: deposit,
		houseDeposit:  houseDeposit,
		createdAt:     now,
		updatedAt:     now,
	}
	rec, err := e.record()
	if err == nil {
		err = s.db.InsertSession(ctx, rec)
	}
	if err != nil {
		s.vault.Release(id)
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	s.mu.Lock()
	s.sessions[id] = e
	s.mu.Unlock()

	s.log.Infof("Session %s created: player %s game %s deposit %v house %v",
		id, playerID, cfg.Slug, dcrutil.Amount(deposit), dcrutil.Amount(houseDeposit))
	view := e.view()
	s.publish(EventSessionCreated, e, view)
	return view, nil
}

// checkBet validates a wager against the session state. Multi-round games
// play a single fixed stake; independent rounds may stake any part of the
// player's balance that the house balance can cover.
func (s *Server) checkBet(e *sessionEntry, amount int64, choice primitive.Choice) error {
	if amount <= 0 {
		return fmt.Errorf("%w: bet must be positive", primitive.ErrInvalidBet)
	}
	if err := e.prim.ValidateChoice(choice, e.state, e.cfg); err != nil {
		return err
	}
	if !e.prim.IndependentRounds() {
		if amount != e.state.BetAmount {
			return fmt.Errorf("%w: stake is fixed at %d", primitive.ErrInvalidBet, e.state.BetAmount)
		}
		return nil
	}
	if amount > e.state.PlayerBalance {
		return fmt.Errorf("%w: bet %v, balance %v", ErrInsufficientBalance,
			dcrutil.Amount(amount), dcrutil.Amount(e.state.PlayerBalance))
	}
	if b, ok := e.prim.(primitive.RoundPayoutBounder); ok {
		payout, err := b.MaxRoundPayout(choice, amount, e.cfg)
		if err != nil {
			return err
		}
		if payout-amount > e.state.HouseBalance {
			return fmt.Errorf("%w: potential win %v exceeds house balance %v", ErrMaxBetExceeded,
				dcrutil.Amount(payout-amount), dcrutil.Amount(e.state.HouseBalance))
		}
	}
	return nil
}

// voidPending abandons the round awaiting reveal, if any.
func (s *Server) voidPending(ctx context.Context, e *sessionEntry) error {
	if e.pending == nil {
		return nil
	}
	if err := s.rounds.Void(ctx, e.pending.id); err != nil {
		return err
	}
	s.log.Debugf("Session %s: voided round %s", e.id, e.pending.id)
	e.pending = nil
	return nil
}

// PlaceBet starts a round: it records the player's commitment and answers
// with the house commitment. A round still awaiting reveal is voided.
func (s *Server) PlaceBet(ctx context.Context, playerID, sessionID string, amount int64,
	choiceData []byte, commitment string) (*BetAccepted, error) {

	e, err := s.acquire(ctx, sessionID, playerID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if e.status.State() != StatusActive || !e.state.Active {
		return nil, ErrSessionClosed
	}
	choice, err := e.prim.ParseChoice(choiceData)
	if err != nil {
		return nil, err
	}
	if err := s.checkBet(e, amount, choice); err != nil {
		return nil, err
	}
	if _, err := rounds.NormalizeCommitment(commitment); err != nil {
		return nil, err
	}
	if err := s.voidPending(ctx, e); err != nil {
		return nil, err
	}

	number := e.state.CurrentRound + 1
	r, err := s.rounds.PlayerCommit(ctx, e.id, number, e.cfg.GameType, amount, commitment)
	if err != nil {
		return nil, err
	}
	r, err = s.rounds.HouseCommit(ctx, r.ID)
	if err != nil {
		if verr := s.rounds.Void(ctx, r.ID); verr != nil {
			s.log.Warnf("Session %s: failed to void round %s: %v", e.id, r.ID, verr)
		}
		return nil, err
	}
	e.pending = &pendingRound{id: r.ID, number: number, bet: amount}
	e.updatedAt = s.now()

	s.log.Debugf("Session %s: bet %v on round %d", e.id, dcrutil.Amount(amount), number)
	return &BetAccepted{
		SessionID:       e.id,
		RoundID:         r.ID,
		RoundNumber:     number,
		Bet:             amount,
		HouseCommitment: r.HouseCommitment,
	}, nil
}

// settleWager moves the result of a resolved wager between the balances.
func settleWager(st *primitive.State, bet int64, out primitive.Outcome) {
	if out.PlayerWon {
		net := out.Payout - bet
		st.PlayerBalance += net
		st.HouseBalance -= net
		return
	}
	st.PlayerBalance -= bet
	st.HouseBalance += bet
}

// applyOutcome books a settled round into the state that follows it.
// Independent rounds settle every wager; multi-round games settle the stake
// once the game is over.
func applyOutcome(p primitive.Primitive, next *primitive.State, bet int64, out primitive.Outcome) {
	switch {
	case p.IndependentRounds():
		settleWager(next, bet, out)
		if next.PlayerBalance <= 0 {
			next.Active = false
		}
	case out.GameOver:
		settleWager(next, next.BetAmount, out)
	}
}

// Reveal completes the round awaiting reveal. On a commitment mismatch the
// round is voided and the session stays active.
func (s *Server) Reveal(ctx context.Context, playerID, sessionID, roundID string,
	choiceData []byte, nonce string) (*RoundResult, error) {

	e, err := s.acquire(ctx, sessionID, playerID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if e.status.State() != StatusActive {
		return nil, ErrSessionClosed
	}
	if e.pending == nil || e.pending.id != roundID {
		r, err := s.rounds.Get(ctx, roundID)
		if err != nil {
			return nil, err
		}
		if r.SessionID != e.id {
			return nil, fmt.Errorf("%w: %s", rounds.ErrRoundNotFound, roundID)
		}
		return nil, ErrRoundNotPending
	}
	pending := e.pending

	if _, err := s.rounds.PlayerReveal(ctx, roundID, choiceData, nonce); err != nil {
		if errors.Is(err, commit.ErrCommitmentMismatch) {
			e.pending = nil
			s.log.Warnf("Session %s: commitment mismatch on round %d", e.id, pending.number)
		}
		return nil, err
	}

	// The revealed choice is the one that binds, so it is checked again.
	choice, err := e.prim.ParseChoice(choiceData)
	if err == nil {
		err = s.checkBet(e, pending.bet, choice)
	}
	if err != nil {
		if verr := s.voidPending(ctx, e); verr != nil {
			s.log.Warnf("Session %s: %v", e.id, verr)
		}
		return nil, err
	}

	res, err := s.rounds.HouseRevealAndSettle(ctx, roundID, e.state, e.cfg)
	if err != nil {
		if verr := s.voidPending(ctx, e); verr != nil {
			s.log.Warnf("Session %s: %v", e.id, verr)
		}
		return nil, err
	}
	e.pending = nil

	next := res.State
	applyOutcome(e.prim, next, pending.bet, res.Outcome)
	e.state = next
	e.updatedAt = s.now()

	closing := !next.Active
	if closing {
		s.closeLocked(e, StatusClosed)
	}
	s.persistLocked(ctx, e)

	result := &RoundResult{
		SessionID:            e.id,
		RoundID:              roundID,
		RoundNumber:          pending.number,
		Outcome:              res.Outcome,
		HouseNonce:           res.Round.HouseNonce,
		PlayerBalance:        next.PlayerBalance,
		HouseBalance:         next.HouseBalance,
		CurrentRound:         next.CurrentRound,
		CumulativeMultiplier: next.Multiplier,
		CanCashOut:           next.CanCashOut && !closing,
		IsActive:             !closing,
		Status:               e.status.State(),
		PrimitiveState:       next.PrimitiveState(),
	}
	s.log.Debugf("Session %s: round %d won=%v payout %v", e.id, pending.number,
		res.Outcome.PlayerWon, dcrutil.Amount(res.Outcome.Payout))

	if closing {
		s.finishClose(e)
	} else {
		s.publish(EventRoundSettled, e, result)
	}
	return result, nil
}

// CashOut pays the current cumulative multiplier of a multi-round game and
// closes the session.
func (s *Server) CashOut(ctx context.Context, playerID, sessionID string) (*CashOutResult, error) {
	e, err := s.acquire(ctx, sessionID, playerID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if e.status.State() != StatusActive || !e.state.Active {
		return nil, ErrSessionClosed
	}
	if !e.state.CanCashOut {
		return nil, ErrCannotCashOut
	}
	if err := s.voidPending(ctx, e); err != nil {
		return nil, err
	}
	payout, err := primitive.Payout(e.state.BetAmount, e.state.Multiplier, e.cfg.HouseEdgeBps)
	if err != nil {
		return nil, err
	}
	settleWager(e.state, e.state.BetAmount, primitive.Outcome{PlayerWon: true, Payout: payout})
	e.updatedAt = s.now()
	s.closeLocked(e, StatusClosed)
	s.persistLocked(ctx, e)

	s.log.Infof("Session %s cashed out at x%s for %v", e.id, e.state.Multiplier,
		dcrutil.Amount(payout))
	res := &CashOutResult{
		SessionID:     e.id,
		Payout:        payout,
		Multiplier:    e.state.Multiplier,
		PlayerBalance: e.state.PlayerBalance,
		HouseBalance:  e.state.HouseBalance,
		Status:        e.status.State(),
	}
	s.finishClose(e)
	return res, nil
}

// CloseSession ends an active session at its current balances.
func (s *Server) CloseSession(ctx context.Context, playerID, sessionID string) (*SessionView, error) {
	e, err := s.acquire(ctx, sessionID, playerID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if e.status.State() != StatusActive {
		return nil, ErrSessionClosed
	}
	if err := s.voidPending(ctx, e); err != nil {
		return nil, err
	}
	e.updatedAt = s.now()
	s.closeLocked(e, StatusClosed)
	s.persistLocked(ctx, e)
	s.log.Infof("Session %s closed by player", e.id)
	view := e.view()
	s.finishClose(e)
	return view, nil
}

// GetSession returns the caller's view of a session, live or finished.
func (s *Server) GetSession(ctx context.Context, playerID, sessionID string) (*SessionView, error) {
	if e := s.getEntry(sessionID); e != nil {
		e.mu.Lock()
		if !e.evicted {
			defer e.mu.Unlock()
			if e.playerID != playerID {
				return nil, ErrNotOwner
			}
			return e.view(), nil
		}
		e.mu.Unlock()
	}
	rec, err := s.loadRecord(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.PlayerID != playerID {
		return nil, ErrNotOwner
	}
	return viewFromRecord(rec)
}

// ListRounds returns the settled rounds of a session in order.
func (s *Server) ListRounds(ctx context.Context, playerID, sessionID string) ([]*RoundView, error) {
	owner := ""
	if e := s.getEntry(sessionID); e != nil {
		e.mu.Lock()
		owner = e.playerID
		e.mu.Unlock()
	} else {
		rec, err := s.loadRecord(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		owner = rec.PlayerID
	}
	if owner != playerID {
		return nil, ErrNotOwner
	}

	all, err := s.rounds.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*RoundView, 0, len(all))
	for _, r := range all {
		if r.Voided || r.Status != rounds.StatusSettled {
			continue
		}
		out = append(out, &RoundView{
			RoundID:          r.ID,
			RoundNumber:      r.Number,
			GameType:         r.GameType,
			Bet:              r.Bet,
			PlayerCommitment: r.PlayerCommitment,
			HouseCommitment:  r.HouseCommitment,
			PlayerNonce:      r.PlayerNonce,
			HouseNonce:       r.HouseNonce,
			Choice:           json.RawMessage(r.Choice),
			RawValue:         r.RawValue,
			Won:              r.Won,
			Payout:           r.Payout,
			SettledAt:        r.SettledAt,
		})
	}
	return out, nil
}

// closeLocked moves e to a closed status. Callers hold e.mu and must call
// finishClose once the snapshot is written.
func (s *Server) closeLocked(e *sessionEntry, status SessionStatus) {
	if err := e.status.Transition(status); err != nil {
		s.log.Errorf("Session %s: %v", e.id, err)
		return
	}
	e.state.Active = false
	e.state.CanCashOut = false
	e.closedAt = s.now()
}

// finishClose evicts a closed session once it is durable and announces it.
// A session whose write failed stays in memory, holding its reservation,
// until the flush succeeds.
func (s *Server) finishClose(e *sessionEntry) {
	if !e.dirty {
		s.evict(e)
	}
	typ := EventSessionClosed
	if e.status.State() == StatusExpired {
		typ = EventSessionExpired
	}
	s.publish(typ, e, e.view())
}
