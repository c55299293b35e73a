// Package primitive defines the pluggable wager rules shared by the session
// engine and the three reference games: streak, grid and threshold.
//
// A primitive never draws randomness while deriving an outcome. Everything it
// needs arrives in its arguments, so any settled round can be replayed from the
// persisted nonces.
package primitive

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/vctt94/fairvault/pkg/commit"
)

// GameType identifies a primitive implementation.
type GameType string

const (
	GameStreak    GameType = "streak"
	GameGrid      GameType = "grid"
	GameThreshold GameType = "threshold"
)

// DefaultHouseEdgeBps is the protocol house edge applied to every payout.
const DefaultHouseEdgeBps = 200

// MaxBetBps is the protocol ceiling on a single wager as a fraction of house
// liquidity. It is not builder configurable.
const MaxBetBps = 100

var (
	ErrUnknownGameType = errors.New("unknown game type")
	ErrInvalidChoice   = errors.New("invalid choice")
	ErrSessionInactive = errors.New("session is not active")
	ErrInvalidParams   = errors.New("invalid builder params")
	ErrInvalidBet      = errors.New("invalid bet amount")
)

// Config is a resolved game configuration. HouseEdgeBps is fixed by the
// protocol when the config is issued; Params holds the builder supplied values
// after bounds checking and defaulting.
type Config struct {
	Slug         string   `json:"slug"`
	GameType     GameType `json:"gameType"`
	HouseEdgeBps int64    `json:"houseEdgeBps"`
	Params       Params   `json:"params"`
}

// Outcome is the result of one settled round.
type Outcome struct {
	RawValue  uint64 `json:"rawValue"`
	PlayerWon bool   `json:"playerWon"`
	// Payout is what the player receives, stake included and house edge
	// applied, if the wager resolves with this outcome. It is zero on a loss.
	Payout     int64 `json:"payout"`
	GameOver   bool  `json:"gameOver"`
	CanCashOut bool  `json:"canCashOut"`
	// Multiplier is the cumulative factor for multi-round games and the
	// per-roll factor for independent ones.
	Multiplier Multiplier     `json:"multiplier"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Primitive is the rule set of one wager type.
type Primitive interface {
	// GameType returns the identifier the registry maps to this primitive.
	GameType() GameType

	// ParseChoice decodes the serialized choice for this game type.
	ParseChoice(data []byte) (Choice, error)

	// DeriveOutcome computes the round result. It must be a pure function of
	// its arguments and must not mutate state.
	DeriveOutcome(playerNonce, houseNonce commit.Nonce, choice Choice,
		state *State, cfg Config, bet int64) (Outcome, error)

	// ValidateChoice checks the shape and range of a choice against the
	// current session state.
	ValidateChoice(choice Choice, state *State, cfg Config) error

	// CalculateMaxPayout is a proven upper bound on the payout of a fully won
	// game started with bet under cfg.
	CalculateMaxPayout(bet int64, cfg Config) (int64, error)

	// CalculateMaxBet is the largest bet allowed against custodyBalance.
	CalculateMaxBet(custodyBalance int64) int64

	// InitializeState builds a fresh session state. Any house-side random
	// draws come from entropy.
	InitializeState(cfg Config, bet int64, entropy io.Reader) (*State, error)

	// BuilderParamBounds declares the accepted builder parameters.
	BuilderParamBounds() Bounds

	// IndependentRounds reports whether each round is a self-contained bet
	// settled immediately against balances.
	IndependentRounds() bool
}

// RoundPayoutBounder is implemented by independent-round primitives. It
// bounds the payout of a single round so the engine can check it against the
// current house balance before accepting the bet.
type RoundPayoutBounder interface {
	MaxRoundPayout(choice Choice, bet int64, cfg Config) (int64, error)
}

// rawValue extracts the integer primitives reduce modulo their range.
func rawValue(digest [32]byte) uint64 {
	return binary.BigEndian.Uint64(digest[:8])
}

// RoundValue is the raw value derived from a pair of revealed nonces. It
// lets a client replay the randomness of a settled round.
func RoundValue(playerNonce, houseNonce commit.Nonce) uint64 {
	return rawValue(commit.DeriveValue(playerNonce, houseNonce))
}

func maxBetFraction(custodyBalance, bps int64) int64 {
	if custodyBalance <= 0 {
		return 0
	}
	return custodyBalance/BpsDenominator*bps + custodyBalance%BpsDenominator*bps/BpsDenominator
}
