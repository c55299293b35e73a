package primitive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vctt94/fairvault/pkg/commit"
)

// testNonce returns a deterministic nonce for index i.
func testNonce(tag string, i int) commit.Nonce {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(i))
	return commit.Nonce(blake256.Sum256(append([]byte(tag), buf[:]...)))
}

// findPlayerNonce searches for a player nonce whose derived value satisfies
// pred against house.
func findPlayerNonce(t *testing.T, house commit.Nonce, pred func(raw uint64) bool) commit.Nonce {
	t.Helper()
	for i := 0; i < 100000; i++ {
		n := testNonce("player", i)
		if pred(rawValue(commit.DeriveValue(n, house))) {
			return n
		}
	}
	t.Fatal("no nonce satisfies predicate")
	return commit.Nonce{}
}

func mustConfig(t *testing.T, gt GameType, params Params) Config {
	t.Helper()
	cfg, err := DefaultRegistry().ResolveConfig(string(gt)+"-test", gt, params, DefaultHouseEdgeBps)
	require.NoError(t, err)
	return cfg
}

func TestPayoutAppliesHouseEdge(t *testing.T) {
	tests := []struct {
		name string
		bet  int64
		m    Multiplier
		want int64
	}{
		{"double", 100, NewMultiplier(2, 1), 196},
		{"three halves", 100, NewMultiplier(3, 2), 147},
		{"truncates", 10, NewMultiplier(100, 3), 326},
		{"zero", 100, Zero(), 0},
		{"zero value is one", 100, Multiplier{}, 98},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Payout(tc.bet, tc.m, DefaultHouseEdgeBps)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := Payout(100, One(), BpsDenominator)
	require.Error(t, err)
	_, err = Payout(-1, One(), 0)
	require.Error(t, err)
}

func TestMultiplierCompoundsExactly(t *testing.T) {
	m := One()
	for i := 0; i < 12; i++ {
		m = m.Mul(NewMultiplier(4, 3))
	}
	assert.Equal(t, "16777216/531441", m.String())

	b, err := json.Marshal(m)
	require.NoError(t, err)
	var back Multiplier
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, 0, m.Cmp(back))

	require.NoError(t, json.Unmarshal([]byte(`2.5`), &back))
	assert.Equal(t, "5/2", back.String())
}

func TestStreakOutcomes(t *testing.T) {
	s := Streak{}
	cfg := mustConfig(t, GameStreak, Params{"max_rounds": 3})
	state, err := s.InitializeState(cfg, 100, nil)
	require.NoError(t, err)
	require.Equal(t, 3, state.MaxRounds)

	house := testNonce("house", 1)
	win := findPlayerNonce(t, house, func(raw uint64) bool { return raw%2 == 0 })
	lose := findPlayerNonce(t, house, func(raw uint64) bool { return raw%2 == 1 })

	require.NoError(t, s.ValidateChoice(StreakChoice{}, state, cfg))

	out, err := s.DeriveOutcome(win, house, StreakChoice{}, state, cfg, 100)
	require.NoError(t, err)
	assert.True(t, out.PlayerWon)
	assert.False(t, out.GameOver)
	assert.True(t, out.CanCashOut)
	assert.Equal(t, "2", out.Multiplier.String())
	assert.Equal(t, int64(196), out.Payout)

	again, err := s.DeriveOutcome(win, house, StreakChoice{}, state, cfg, 100)
	require.NoError(t, err)
	assert.Equal(t, out, again, "outcome must be deterministic")

	out, err = s.DeriveOutcome(lose, house, StreakChoice{}, state, cfg, 100)
	require.NoError(t, err)
	assert.False(t, out.PlayerWon)
	assert.True(t, out.GameOver)
	assert.True(t, out.Multiplier.IsZero())
	assert.Zero(t, out.Payout)

	// The last round resolves the game on a win.
	last := state.Clone()
	last.CurrentRound = 2
	last.Multiplier = NewMultiplier(4, 1)
	out, err = s.DeriveOutcome(win, house, StreakChoice{}, last, cfg, 100)
	require.NoError(t, err)
	assert.True(t, out.GameOver)
	assert.False(t, out.CanCashOut)
	assert.Equal(t, int64(784), out.Payout)

	last.CurrentRound = 3
	require.ErrorIs(t, s.ValidateChoice(StreakChoice{}, last, cfg), ErrInvalidChoice)
	last.Active = false
	require.ErrorIs(t, s.ValidateChoice(StreakChoice{}, last, cfg), ErrSessionInactive)
}

func TestParseChoiceStrict(t *testing.T) {
	_, err := Streak{}.ParseChoice([]byte(`{}`))
	require.NoError(t, err)
	_, err = Streak{}.ParseChoice([]byte(`{"tile":1}`))
	require.ErrorIs(t, err, ErrInvalidChoice)

	c, err := Grid{}.ParseChoice([]byte(`{"tile":2}`))
	require.NoError(t, err)
	assert.Equal(t, GridChoice{Tile: 2}, c)
	_, err = Grid{}.ParseChoice([]byte(`{"tile":"2"}`))
	require.ErrorIs(t, err, ErrInvalidChoice)
	_, err = Grid{}.ParseChoice([]byte(`{"tile":1} {"tile":2}`))
	require.ErrorIs(t, err, ErrInvalidChoice)

	c, err = Threshold{}.ParseChoice([]byte(`{"mode":"range","low":10,"high":20}`))
	require.NoError(t, err)
	assert.Equal(t, ThresholdChoice{Mode: ModeRange, Low: 10, High: 20}, c)
	_, err = Threshold{}.ParseChoice(nil)
	require.ErrorIs(t, err, ErrInvalidChoice)
}

func TestGridLayout(t *testing.T) {
	g := Grid{}
	cfg := mustConfig(t, GameGrid, Params{"rows": 6, "min_tiles": 3, "max_tiles": 5})
	entropy := bytes.NewReader(bytes.Repeat([]byte{0x42}, commit.NonceSize))
	state, err := g.InitializeState(cfg, 50, entropy)
	require.NoError(t, err)
	require.NotNil(t, state.Grid)
	require.Len(t, state.Grid.Widths, 6)
	for _, w := range state.Grid.Widths {
		assert.GreaterOrEqual(t, w, 3)
		assert.LessOrEqual(t, w, 5)
	}

	seed, err := commit.ParseNonce(state.Grid.LayoutSeed)
	require.NoError(t, err)
	assert.Equal(t, state.Grid.Widths, GridWidths(seed, 6, 3, 5))
	assert.Equal(t, state.Grid.LayoutCommitment, GridLayoutCommitment(seed))

	view := state.PublicView()
	assert.Empty(t, view.Grid.LayoutSeed)
	assert.NotEmpty(t, state.Grid.LayoutSeed, "public view must not strip the original")
}

func TestGridOutcomes(t *testing.T) {
	g := Grid{}
	cfg := mustConfig(t, GameGrid, Params{"rows": 2})
	state := &State{
		MaxRounds:  2,
		BetAmount:  100,
		Multiplier: One(),
		Active:     true,
		Grid:       &GridState{Widths: []int{3, 4}},
	}
	require.ErrorIs(t, g.ValidateChoice(GridChoice{Tile: 3}, state, cfg), ErrInvalidChoice)
	require.ErrorIs(t, g.ValidateChoice(GridChoice{Tile: -1}, state, cfg), ErrInvalidChoice)
	require.ErrorIs(t, g.ValidateChoice(StreakChoice{}, state, cfg), ErrInvalidChoice)
	require.NoError(t, g.ValidateChoice(GridChoice{Tile: 2}, state, cfg))

	house := testNonce("house", 7)
	player := testNonce("player", 7)
	eliminated := int(rawValue(commit.DeriveValue(player, house)) % 3)

	out, err := g.DeriveOutcome(player, house, GridChoice{Tile: eliminated}, state, cfg, 100)
	require.NoError(t, err)
	assert.False(t, out.PlayerWon)
	assert.True(t, out.GameOver)
	assert.Equal(t, eliminated, out.Metadata["eliminated"])

	out, err = g.DeriveOutcome(player, house, GridChoice{Tile: (eliminated + 1) % 3}, state, cfg, 100)
	require.NoError(t, err)
	assert.True(t, out.PlayerWon)
	assert.False(t, out.GameOver)
	assert.True(t, out.CanCashOut)
	assert.Equal(t, "3/2", out.Multiplier.String())
	assert.Equal(t, int64(147), out.Payout)

	// Clearing the last row resolves the game.
	next := state.Clone()
	next.CurrentRound = 1
	next.Multiplier = out.Multiplier
	elim2 := int(rawValue(commit.DeriveValue(player, house)) % 4)
	out, err = g.DeriveOutcome(player, house, GridChoice{Tile: (elim2 + 1) % 4}, next, cfg, 100)
	require.NoError(t, err)
	assert.True(t, out.GameOver)
	assert.False(t, out.CanCashOut)
	assert.Equal(t, "2", out.Multiplier.String())
	assert.Equal(t, int64(196), out.Payout)
}

func TestThresholdIndependentLoss(t *testing.T) {
	th := Threshold{}
	cfg := mustConfig(t, GameThreshold, nil)
	state, err := th.InitializeState(cfg, 1000, nil)
	require.NoError(t, err)

	house := testNonce("house", 3)
	player := findPlayerNonce(t, house, func(raw uint64) bool { return raw%100 == 30 })
	choice := ThresholdChoice{Mode: ModeOver, Target: 50}
	require.NoError(t, th.ValidateChoice(choice, state, cfg))

	out, err := th.DeriveOutcome(player, house, choice, state, cfg, 10)
	require.NoError(t, err)
	assert.False(t, out.PlayerWon)
	assert.False(t, out.GameOver)
	assert.False(t, out.CanCashOut)
	assert.Equal(t, 30, out.Metadata["roll"])
	assert.Zero(t, out.Payout)

	player = findPlayerNonce(t, house, func(raw uint64) bool { return raw%100 == 75 })
	out, err = th.DeriveOutcome(player, house, choice, state, cfg, 10)
	require.NoError(t, err)
	assert.True(t, out.PlayerWon)
	// 49 winning values: 10 * 100/49 * 0.98 = 20
	assert.Equal(t, int64(20), out.Payout)
}

func TestThresholdChoiceBounds(t *testing.T) {
	th := Threshold{}
	cfg := mustConfig(t, GameThreshold, Params{"mode": "under"})
	state, err := th.InitializeState(cfg, 1000, nil)
	require.NoError(t, err)

	bad := []ThresholdChoice{
		{Mode: ModeUnder, Target: 1},
		{Mode: ModeUnder, Target: 99},
		{Mode: ModeOver, Target: 50},
		{Mode: "sideways", Target: 50},
	}
	for _, c := range bad {
		assert.ErrorIs(t, th.ValidateChoice(c, state, cfg), ErrInvalidChoice, "%+v", c)
	}
	assert.NoError(t, th.ValidateChoice(ThresholdChoice{Mode: ModeUnder, Target: 2}, state, cfg))

	anyCfg := mustConfig(t, GameThreshold, nil)
	assert.ErrorIs(t, th.ValidateChoice(ThresholdChoice{Mode: ModeRange, Low: 0, High: 99}, state, anyCfg), ErrInvalidChoice)
	assert.ErrorIs(t, th.ValidateChoice(ThresholdChoice{Mode: ModeRange, Low: 9, High: 3}, state, anyCfg), ErrInvalidChoice)
	assert.NoError(t, th.ValidateChoice(ThresholdChoice{Mode: ModeRange, Low: 40, High: 40}, state, anyCfg))
}

func TestThresholdMaxRoundPayout(t *testing.T) {
	th := Threshold{}
	cfg := mustConfig(t, GameThreshold, nil)

	p, err := th.MaxRoundPayout(ThresholdChoice{Mode: ModeOver, Target: 50}, 10, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(20), p)

	p, err = th.MaxRoundPayout(ThresholdChoice{Mode: ModeRange, Low: 7, High: 7}, 10, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(980), p)

	_, err = th.MaxRoundPayout(StreakChoice{}, 10, cfg)
	require.ErrorIs(t, err, ErrInvalidChoice)
}

// TestThresholdHouseEdgeConverges checks that the realized return over many
// independent rolls approaches 1 - edge rather than 1.
func TestThresholdHouseEdgeConverges(t *testing.T) {
	th := Threshold{}
	cfg := mustConfig(t, GameThreshold, nil)
	state, err := th.InitializeState(cfg, 1, nil)
	require.NoError(t, err)

	const (
		rolls = 200000
		bet   = 1000000
	)
	choice := ThresholdChoice{Mode: ModeOver, Target: 49}
	var staked, returned int64
	for i := 0; i < rolls; i++ {
		out, err := th.DeriveOutcome(testNonce("p", i), testNonce("h", i), choice, state, cfg, bet)
		require.NoError(t, err)
		staked += bet
		returned += out.Payout
	}
	ratio := float64(returned) / float64(staked)
	assert.InDelta(t, 0.98, ratio, 0.01)
	assert.Less(t, ratio, 1.0)
}

// playForcedWin plays a game where every round is won, the worst case for
// the house, and returns the final payout.
func playForcedWin(t *testing.T, p Primitive, cfg Config, bet int64) int64 {
	t.Helper()
	state, err := p.InitializeState(cfg, bet, nil)
	require.NoError(t, err)
	var payout int64
	for round := 0; state.Active; round++ {
		house := testNonce("house", round)
		var choice Choice
		var player commit.Nonce
		switch p.GameType() {
		case GameStreak:
			choice = StreakChoice{}
			player = findPlayerNonce(t, house, func(raw uint64) bool { return raw%2 == 0 })
		case GameGrid:
			player = testNonce("player", round)
			w := state.Grid.Widths[state.CurrentRound]
			elim := int(rawValue(commit.DeriveValue(player, house)) % uint64(w))
			choice = GridChoice{Tile: (elim + 1) % w}
		case GameThreshold:
			choice = ThresholdChoice{Mode: ModeOver, Target: 98}
			player = findPlayerNonce(t, house, func(raw uint64) bool { return raw%100 == 99 })
		}
		require.NoError(t, p.ValidateChoice(choice, state, cfg))
		out, err := p.DeriveOutcome(player, house, choice, state, cfg, bet)
		require.NoError(t, err)
		require.True(t, out.PlayerWon)
		payout = out.Payout
		if p.IndependentRounds() {
			// Each roll is its own wager; one roll is the bound.
			return payout
		}
		state.CurrentRound++
		state.Multiplier = out.Multiplier
		state.Active = !out.GameOver
	}
	return payout
}

func TestMaxPayoutBoundsForcedWins(t *testing.T) {
	configs := []struct {
		gt     GameType
		params Params
	}{
		{GameStreak, Params{"max_rounds": 1}},
		{GameStreak, Params{"max_rounds": 10}},
		{GameGrid, Params{"rows": 12, "min_tiles": 2, "max_tiles": 8}},
		{GameGrid, Params{"rows": 3, "min_tiles": 5, "max_tiles": 5}},
		{GameThreshold, nil},
	}
	reg := DefaultRegistry()
	for _, c := range configs {
		p, err := reg.GetPrimitive(c.gt)
		require.NoError(t, err)
		cfg := mustConfig(t, c.gt, c.params)
		for _, bet := range []int64{1, 99, 12345, 100000000} {
			bound, err := p.CalculateMaxPayout(bet, cfg)
			require.NoError(t, err)
			got := playForcedWin(t, p, cfg, bet)
			assert.LessOrEqual(t, got, bound, "%s %v bet %d", c.gt, c.params, bet)
		}
	}
}

func TestMaxPayoutBoundsRandomGames(t *testing.T) {
	reg := DefaultRegistry()
	for _, gt := range reg.GameTypes() {
		p, err := reg.GetPrimitive(gt)
		require.NoError(t, err)
		cfg := mustConfig(t, gt, nil)
		bound, err := p.CalculateMaxPayout(1000, cfg)
		require.NoError(t, err)

		for game := 0; game < 200; game++ {
			state, err := p.InitializeState(cfg, 1000, nil)
			require.NoError(t, err)
			for r := 0; state.Active && r < 20; r++ {
				var choice Choice
				switch gt {
				case GameStreak:
					choice = StreakChoice{}
				case GameGrid:
					choice = GridChoice{Tile: r % state.Grid.Widths[state.CurrentRound]}
				case GameThreshold:
					choice = ThresholdChoice{Mode: ModeUnder, Target: 2 + r}
				}
				out, err := p.DeriveOutcome(testNonce("p", game*100+r), testNonce("h", game*100+r),
					choice, state, cfg, 1000)
				require.NoError(t, err)
				require.LessOrEqual(t, out.Payout, bound)
				state.CurrentRound++
				state.Multiplier = out.Multiplier
				state.Active = !out.GameOver
			}
		}
	}
}

func TestCalculateMaxBet(t *testing.T) {
	for _, p := range []Primitive{Streak{}, Grid{}, Threshold{}} {
		assert.Equal(t, int64(10), p.CalculateMaxBet(1000))
		assert.Equal(t, int64(1000000), p.CalculateMaxBet(100000000))
		assert.Zero(t, p.CalculateMaxBet(-5))
	}
}

func TestStateSnapshotRoundTrip(t *testing.T) {
	s := &State{
		CurrentRound:  2,
		MaxRounds:     4,
		BetAmount:     10,
		Multiplier:    NewMultiplier(9, 4),
		PlayerBalance: 10,
		HouseBalance:  500,
		Active:        true,
		Grid:          &GridState{Widths: []int{3, 3, 4, 2}, LayoutCommitment: "ab", LayoutSeed: "cd"},
	}
	b, err := s.Marshal()
	require.NoError(t, err)
	back, err := UnmarshalState(b)
	require.NoError(t, err)
	assert.Equal(t, "9/4", back.Multiplier.String())
	assert.Equal(t, s.Grid, back.Grid)
	assert.Equal(t, s.HouseBalance, back.HouseBalance)
}

func TestRoundValueMatchesDerivedOutcome(t *testing.T) {
	house := testNonce("house", 3)
	player := testNonce("player", 3)
	out, err := Streak{}.DeriveOutcome(player, house, StreakChoice{}, &State{}, mustConfig(t, GameStreak, nil), 100)
	require.NoError(t, err)
	assert.Equal(t, out.RawValue, RoundValue(player, house))
}
