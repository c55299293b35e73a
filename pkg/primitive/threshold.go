package primitive

import (
	"fmt"
	"io"

	"github.com/vctt94/fairvault/pkg/commit"
)

const (
	// thresholdRollRange is the number of roll values, 0 through 99.
	thresholdRollRange = 100

	thresholdMinTarget = 2
	thresholdMaxTarget = 98
	// thresholdMaxWinCount keeps every predicate losable.
	thresholdMaxWinCount = 98

	thresholdMinRounds     = 1
	thresholdMaxRounds     = 1000
	thresholdDefaultRounds = 100
)

// Threshold rolls 0..99 and pays 1/p of the stake, less edge, when the roll
// satisfies the chosen predicate with win probability p. Every roll is an
// independent bet; the session stays open until the player leaves or the
// roll limit is reached.
type Threshold struct{}

var (
	_ Primitive          = Threshold{}
	_ RoundPayoutBounder = Threshold{}
)

// GameType implements Primitive.
func (Threshold) GameType() GameType { return GameThreshold }

// IndependentRounds implements Primitive.
func (Threshold) IndependentRounds() bool { return true }

// BuilderParamBounds implements Primitive.
func (Threshold) BuilderParamBounds() Bounds {
	return Bounds{
		"max_rounds": intBound(thresholdMinRounds, thresholdMaxRounds, thresholdDefaultRounds),
		"mode": {
			Kind:    ParamString,
			Allowed: []string{"any", string(ModeOver), string(ModeUnder), string(ModeRange)},
			Default: "any",
		},
	}
}

// ParseChoice implements Primitive.
func (Threshold) ParseChoice(data []byte) (Choice, error) {
	var c ThresholdChoice
	if err := decodeStrict(data, &c); err != nil {
		return nil, err
	}
	return c, nil
}

// winCount returns how many of the 100 roll values satisfy c.
func (c ThresholdChoice) winCount() (int, error) {
	switch c.Mode {
	case ModeOver, ModeUnder:
		if c.Target < thresholdMinTarget || c.Target > thresholdMaxTarget {
			return 0, fmt.Errorf("%w: target %d outside %d..%d", ErrInvalidChoice,
				c.Target, thresholdMinTarget, thresholdMaxTarget)
		}
		if c.Mode == ModeOver {
			return thresholdRollRange - 1 - c.Target, nil
		}
		return c.Target, nil
	case ModeRange:
		if c.Low < 0 || c.High >= thresholdRollRange || c.Low > c.High {
			return 0, fmt.Errorf("%w: range %d..%d", ErrInvalidChoice, c.Low, c.High)
		}
		n := c.High - c.Low + 1
		if n > thresholdMaxWinCount {
			return 0, fmt.Errorf("%w: range covers %d values", ErrInvalidChoice, n)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidChoice, c.Mode)
}

func (c ThresholdChoice) wins(roll int) bool {
	switch c.Mode {
	case ModeOver:
		return roll > c.Target
	case ModeUnder:
		return roll < c.Target
	case ModeRange:
		return roll >= c.Low && roll <= c.High
	}
	return false
}

// ValidateChoice implements Primitive.
func (Threshold) ValidateChoice(choice Choice, state *State, cfg Config) error {
	if state == nil || !state.Active {
		return ErrSessionInactive
	}
	c, ok := choice.(ThresholdChoice)
	if !ok {
		return fmt.Errorf("%w: %T is not a threshold choice", ErrInvalidChoice, choice)
	}
	if mode := cfg.Params.Str("mode", "any"); mode != "any" && mode != string(c.Mode) {
		return fmt.Errorf("%w: game only allows mode %q", ErrInvalidChoice, mode)
	}
	if state.CurrentRound >= state.MaxRounds {
		return fmt.Errorf("%w: roll limit %d reached", ErrInvalidChoice, state.MaxRounds)
	}
	_, err := c.winCount()
	return err
}

// InitializeState implements Primitive. bet is the player's bankroll; each
// roll stakes its own amount.
func (Threshold) InitializeState(cfg Config, bet int64, _ io.Reader) (*State, error) {
	if bet <= 0 {
		return nil, ErrInvalidBet
	}
	return &State{
		MaxRounds:  int(cfg.Params.Int("max_rounds", thresholdDefaultRounds)),
		BetAmount:  bet,
		Multiplier: One(),
		Active:     true,
	}, nil
}

// DeriveOutcome implements Primitive.
func (Threshold) DeriveOutcome(playerNonce, houseNonce commit.Nonce, choice Choice,
	state *State, cfg Config, bet int64) (Outcome, error) {

	c, ok := choice.(ThresholdChoice)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %T is not a threshold choice", ErrInvalidChoice, choice)
	}
	count, err := c.winCount()
	if err != nil {
		return Outcome{}, err
	}
	raw := rawValue(commit.DeriveValue(playerNonce, houseNonce))
	roll := int(raw % thresholdRollRange)
	round := state.CurrentRound + 1

	out := Outcome{
		RawValue:   raw,
		Multiplier: NewMultiplier(thresholdRollRange, int64(count)),
		GameOver:   round >= state.MaxRounds,
		Metadata: map[string]any{
			"roll":           roll,
			"mode":           c.Mode,
			"winProbability": float64(count) / thresholdRollRange,
		},
	}
	if !c.wins(roll) {
		return out, nil
	}
	out.PlayerWon = true
	out.Payout, err = Payout(bet, out.Multiplier, cfg.HouseEdgeBps)
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// CalculateMaxPayout implements Primitive. The best paying predicate wins on
// a single value, a 100x gross multiplier.
func (Threshold) CalculateMaxPayout(bet int64, cfg Config) (int64, error) {
	return Payout(bet, NewMultiplier(thresholdRollRange, 1), cfg.HouseEdgeBps)
}

// MaxRoundPayout implements RoundPayoutBounder: the payout of choice if the
// roll wins.
func (Threshold) MaxRoundPayout(choice Choice, bet int64, cfg Config) (int64, error) {
	c, ok := choice.(ThresholdChoice)
	if !ok {
		return 0, fmt.Errorf("%w: %T is not a threshold choice", ErrInvalidChoice, choice)
	}
	count, err := c.winCount()
	if err != nil {
		return 0, err
	}
	return Payout(bet, NewMultiplier(thresholdRollRange, int64(count)), cfg.HouseEdgeBps)
}

// CalculateMaxBet implements Primitive.
func (Threshold) CalculateMaxBet(custodyBalance int64) int64 {
	return maxBetFraction(custodyBalance, MaxBetBps)
}
