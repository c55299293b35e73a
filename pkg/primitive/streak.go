package primitive

import (
	"fmt"
	"io"

	"github.com/vctt94/fairvault/pkg/commit"
)

const (
	streakMinRounds     = 1
	streakMaxRounds     = 10
	streakDefaultRounds = 5
)

// Streak is double-or-bust: each round the derived bit decides whether the
// cumulative multiplier doubles or the stake is lost. Reaching the round limit
// cashes out automatically.
type Streak struct{}

var _ Primitive = Streak{}

// GameType implements Primitive.
func (Streak) GameType() GameType { return GameStreak }

// IndependentRounds implements Primitive.
func (Streak) IndependentRounds() bool { return false }

// BuilderParamBounds implements Primitive.
func (Streak) BuilderParamBounds() Bounds {
	return Bounds{
		"max_rounds": intBound(streakMinRounds, streakMaxRounds, streakDefaultRounds),
	}
}

// ParseChoice implements Primitive.
func (Streak) ParseChoice(data []byte) (Choice, error) {
	var c StreakChoice
	if err := decodeStrict(data, &c); err != nil {
		return nil, err
	}
	return c, nil
}

// ValidateChoice implements Primitive.
func (Streak) ValidateChoice(choice Choice, state *State, cfg Config) error {
	if state == nil || !state.Active {
		return ErrSessionInactive
	}
	if _, ok := choice.(StreakChoice); !ok {
		return fmt.Errorf("%w: %T is not a streak choice", ErrInvalidChoice, choice)
	}
	if state.CurrentRound >= state.MaxRounds {
		return fmt.Errorf("%w: round limit %d reached", ErrInvalidChoice, state.MaxRounds)
	}
	return nil
}

// InitializeState implements Primitive.
func (Streak) InitializeState(cfg Config, bet int64, _ io.Reader) (*State, error) {
	if bet <= 0 {
		return nil, ErrInvalidBet
	}
	return &State{
		MaxRounds:  int(cfg.Params.Int("max_rounds", streakDefaultRounds)),
		BetAmount:  bet,
		Multiplier: One(),
		Active:     true,
	}, nil
}

// DeriveOutcome implements Primitive. The player wins when the low bit of the
// derived value is zero.
func (Streak) DeriveOutcome(playerNonce, houseNonce commit.Nonce, choice Choice,
	state *State, cfg Config, bet int64) (Outcome, error) {

	if _, ok := choice.(StreakChoice); !ok {
		return Outcome{}, fmt.Errorf("%w: %T is not a streak choice", ErrInvalidChoice, choice)
	}
	raw := rawValue(commit.DeriveValue(playerNonce, houseNonce))
	bit := raw % 2
	round := state.CurrentRound + 1

	out := Outcome{
		RawValue: raw,
		Metadata: map[string]any{"bit": bit, "round": round},
	}
	if bit != 0 {
		out.GameOver = true
		out.Multiplier = Zero()
		return out, nil
	}

	out.PlayerWon = true
	out.Multiplier = state.Multiplier.Mul(NewMultiplier(2, 1))
	payout, err := Payout(bet, out.Multiplier, cfg.HouseEdgeBps)
	if err != nil {
		return Outcome{}, err
	}
	out.Payout = payout
	out.GameOver = round >= state.MaxRounds
	out.CanCashOut = !out.GameOver
	return out, nil
}

// CalculateMaxPayout implements Primitive: bet * 2^max_rounds less edge.
func (Streak) CalculateMaxPayout(bet int64, cfg Config) (int64, error) {
	rounds := cfg.Params.Int("max_rounds", streakDefaultRounds)
	if rounds < streakMinRounds || rounds > streakMaxRounds {
		return 0, fmt.Errorf("%w: max_rounds %d", ErrInvalidParams, rounds)
	}
	return Payout(bet, NewMultiplier(int64(1)<<rounds, 1), cfg.HouseEdgeBps)
}

// CalculateMaxBet implements Primitive.
func (Streak) CalculateMaxBet(custodyBalance int64) int64 {
	return maxBetFraction(custodyBalance, MaxBetBps)
}
