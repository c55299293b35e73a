package rounds

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"
	"github.com/vctt94/fairvault/pkg/commit"
	"github.com/vctt94/fairvault/pkg/primitive"
)

// ErrInvalidCommitment is returned for a malformed player commitment.
var ErrInvalidCommitment = errors.New("invalid commitment")

// Config holds the coordinator's collaborators.
type Config struct {
	Store    Store
	Registry *primitive.Registry
	Log      slog.Logger
	// Entropy is the source of house nonces. Nil uses crypto/rand.
	Entropy io.Reader
	Now     func() time.Time
}

// Coordinator drives rounds through the commit-reveal protocol.
type Coordinator struct {
	store    Store
	registry *primitive.Registry
	log      slog.Logger
	entropy  io.Reader
	now      func() time.Time
}

// NewCoordinator returns a coordinator using cfg.
func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		store:    cfg.Store,
		registry: cfg.Registry,
		log:      cfg.Log,
		entropy:  cfg.Entropy,
		now:      cfg.Now,
	}
	if c.log == nil {
		c.log = slog.Disabled
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Result is what settling a round produces.
type Result struct {
	Round   *Round
	Outcome primitive.Outcome
	// State is the session state after the round: counter incremented,
	// multiplier updated and Active cleared if the outcome ended the game.
	State *primitive.State
}

func (c *Coordinator) load(ctx context.Context, roundID string, next Status) (*Round, error) {
	r, err := c.store.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if r.Voided {
		return nil, fmt.Errorf("%w: %s", ErrRoundVoided, roundID)
	}
	if err := Transitions.Check(r.Status, next); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStep, err)
	}
	return r, nil
}

// NormalizeCommitment lowercases a hex commitment and strips an optional 0x
// prefix. It fails unless the result is a 32 byte digest.
func NormalizeCommitment(commitment string) (string, error) {
	commitment = strings.ToLower(strings.TrimPrefix(commitment, "0x"))
	if b, err := hex.DecodeString(commitment); err != nil || len(b) != 32 {
		return "", ErrInvalidCommitment
	}
	return commitment, nil
}

// PlayerCommit records the player's commitment for a new round.
func (c *Coordinator) PlayerCommit(ctx context.Context, sessionID string, number int,
	gameType primitive.GameType, bet int64, commitment string) (*Round, error) {

	commitment, err := NormalizeCommitment(commitment)
	if err != nil {
		return nil, err
	}
	if bet <= 0 {
		return nil, primitive.ErrInvalidBet
	}
	r := &Round{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		Number:           number,
		GameType:         gameType,
		Bet:              bet,
		PlayerCommitment: commitment,
		Status:           StatusCreated,
		CreatedAt:        c.now(),
	}
	if err := Transitions.Check(r.Status, StatusPlayerCommitted); err != nil {
		return nil, err
	}
	r.Status = StatusPlayerCommitted
	if err := c.store.InsertRound(ctx, r); err != nil {
		return nil, fmt.Errorf("insert round: %w", err)
	}
	c.log.Debugf("Round %s (session %s #%d): player committed", r.ID, sessionID, number)
	return r, nil
}

// HouseCommit draws the house nonce and stores its commitment.
func (c *Coordinator) HouseCommit(ctx context.Context, roundID string) (*Round, error) {
	r, err := c.load(ctx, roundID, StatusHouseCommitted)
	if err != nil {
		return nil, err
	}
	nonce, err := commit.NewNonce(c.entropy)
	if err != nil {
		return nil, err
	}
	r.HouseNonce = nonce.String()
	r.HouseCommitment = commit.Commit(nil, nonce)
	r.Status = StatusHouseCommitted
	r.HouseCommittedAt = c.now()
	if err := c.store.UpdateRound(ctx, r); err != nil {
		return nil, fmt.Errorf("update round: %w", err)
	}
	c.log.Debugf("Round %s: house committed", r.ID)
	return r, nil
}

// PlayerReveal checks the revealed choice and nonce against the player's
// commitment. A mismatch voids the round and returns
// commit.ErrCommitmentMismatch; the round never settles.
func (c *Coordinator) PlayerReveal(ctx context.Context, roundID string, choiceData []byte,
	nonceHex string) (*Round, error) {

	r, err := c.load(ctx, roundID, StatusPlayerRevealed)
	if err != nil {
		return nil, err
	}
	nonce, err := commit.ParseNonce(nonceHex)
	if err != nil {
		return nil, err
	}
	if err := commit.Check(r.PlayerCommitment, choiceData, nonce); err != nil {
		r.Voided = true
		if uerr := c.store.UpdateRound(ctx, r); uerr != nil {
			c.log.Errorf("Round %s: failed to void after mismatch: %v", r.ID, uerr)
		}
		c.log.Warnf("Round %s (session %s): commitment mismatch, round voided", r.ID, r.SessionID)
		return nil, err
	}
	r.PlayerNonce = nonce.String()
	r.Choice = append([]byte(nil), choiceData...)
	r.Status = StatusPlayerRevealed
	r.RevealedAt = c.now()
	if err := c.store.UpdateRound(ctx, r); err != nil {
		return nil, fmt.Errorf("update round: %w", err)
	}
	return r, nil
}

// HouseRevealAndSettle derives the outcome from both nonces, persists it and
// returns the session state that follows the round.
func (c *Coordinator) HouseRevealAndSettle(ctx context.Context, roundID string,
	state *primitive.State, cfg primitive.Config) (*Result, error) {

	r, err := c.load(ctx, roundID, StatusSettled)
	if err != nil {
		return nil, err
	}
	out, err := c.derive(r, state, cfg)
	if err != nil {
		return nil, err
	}

	r.RawValue = out.RawValue
	r.Won = out.PlayerWon
	r.Payout = out.Payout
	r.Status = StatusSettled
	r.SettledAt = c.now()
	if err := c.store.UpdateRound(ctx, r); err != nil {
		return nil, fmt.Errorf("update round: %w", err)
	}

	c.log.Debugf("Round %s settled: won=%v payout=%d raw=%d", r.ID, out.PlayerWon, out.Payout, out.RawValue)
	return &Result{Round: r, Outcome: out, State: advance(state, out)}, nil
}

// Replay recomputes a settled round against the state it was played from,
// without writing anything. It fails if the stored result does not match.
func (c *Coordinator) Replay(r *Round, state *primitive.State, cfg primitive.Config) (*Result, error) {
	if r.Voided || r.Status != StatusSettled {
		return nil, fmt.Errorf("%w: round %s is not settled", ErrInvalidStep, r.ID)
	}
	out, err := c.derive(r, state, cfg)
	if err != nil {
		return nil, err
	}
	if out.RawValue != r.RawValue || out.PlayerWon != r.Won || out.Payout != r.Payout {
		return nil, fmt.Errorf("round %s: stored result does not match its nonces", r.ID)
	}
	return &Result{Round: r, Outcome: out, State: advance(state, out)}, nil
}

// derive computes the outcome of r from its revealed nonces and choice.
func (c *Coordinator) derive(r *Round, state *primitive.State, cfg primitive.Config) (primitive.Outcome, error) {
	var none primitive.Outcome
	if r.HouseNonce == "" {
		return none, ErrMissingNonce
	}
	houseNonce, err := commit.ParseNonce(r.HouseNonce)
	if err != nil {
		return none, err
	}
	playerNonce, err := commit.ParseNonce(r.PlayerNonce)
	if err != nil {
		return none, err
	}
	p, err := c.registry.GetPrimitive(r.GameType)
	if err != nil {
		return none, err
	}
	choice, err := p.ParseChoice(r.Choice)
	if err != nil {
		return none, err
	}
	if err := p.ValidateChoice(choice, state, cfg); err != nil {
		return none, err
	}
	return p.DeriveOutcome(playerNonce, houseNonce, choice, state, cfg, r.Bet)
}

// advance returns the session state that follows a round with outcome out.
func advance(state *primitive.State, out primitive.Outcome) *primitive.State {
	next := state.Clone()
	next.CurrentRound++
	next.Multiplier = out.Multiplier
	next.CanCashOut = out.CanCashOut
	if out.GameOver {
		next.Active = false
	}
	return next
}

// Void abandons a round that has not settled. Voiding a settled or already
// voided round is a no-op.
func (c *Coordinator) Void(ctx context.Context, roundID string) error {
	r, err := c.store.GetRound(ctx, roundID)
	if err != nil {
		return err
	}
	if r.Voided || r.Status == StatusSettled {
		return nil
	}
	r.Voided = true
	return c.store.UpdateRound(ctx, r)
}

// Get returns a round.
func (c *Coordinator) Get(ctx context.Context, roundID string) (*Round, error) {
	return c.store.GetRound(ctx, roundID)
}

// History returns the rounds of a session ordered by creation.
func (c *Coordinator) History(ctx context.Context, sessionID string) ([]*Round, error) {
	return c.store.ListRounds(ctx, sessionID)
}
