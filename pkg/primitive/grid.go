package primitive

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/vctt94/fairvault/pkg/commit"
)

const (
	gridMinRows         = 1
	gridMaxRows         = 12
	gridDefaultRows     = 8
	gridTilesFloor      = 2
	gridTilesCeil       = 8
	gridDefaultMinTiles = 2
	gridDefaultMaxTiles = 4
)

// gridLayoutTag domain-separates the layout commitment from round commitments.
var gridLayoutTag = []byte("fairvault/grid-layout/v1")

// Grid is row-by-row elimination. Each row has a width of tiles, one of which
// the derived value eliminates. Picking any other tile advances to the next
// row and multiplies the payout by width/(width-1). Clearing the last row
// cashes out automatically.
type Grid struct{}

var _ Primitive = Grid{}

// GameType implements Primitive.
func (Grid) GameType() GameType { return GameGrid }

// IndependentRounds implements Primitive.
func (Grid) IndependentRounds() bool { return false }

// BuilderParamBounds implements Primitive.
func (Grid) BuilderParamBounds() Bounds {
	return Bounds{
		"rows":      intBound(gridMinRows, gridMaxRows, gridDefaultRows),
		"min_tiles": intBound(gridTilesFloor, gridTilesCeil, gridDefaultMinTiles),
		"max_tiles": intBound(gridTilesFloor, gridTilesCeil, gridDefaultMaxTiles),
	}
}

// ValidateParams checks constraints spanning more than one parameter.
func (g Grid) ValidateParams(params Params) []string {
	p := g.BuilderParamBounds().withDefaults(params)
	lo, hi := p.Int("min_tiles", gridDefaultMinTiles), p.Int("max_tiles", gridDefaultMaxTiles)
	if lo > hi {
		return []string{fmt.Sprintf("min_tiles %d greater than max_tiles %d", lo, hi)}
	}
	return nil
}

// ParseChoice implements Primitive.
func (Grid) ParseChoice(data []byte) (Choice, error) {
	var c GridChoice
	if err := decodeStrict(data, &c); err != nil {
		return nil, err
	}
	return c, nil
}

// ValidateChoice implements Primitive.
func (Grid) ValidateChoice(choice Choice, state *State, cfg Config) error {
	if state == nil || !state.Active {
		return ErrSessionInactive
	}
	c, ok := choice.(GridChoice)
	if !ok {
		return fmt.Errorf("%w: %T is not a grid choice", ErrInvalidChoice, choice)
	}
	if state.Grid == nil {
		return fmt.Errorf("%w: grid state missing", ErrInvalidChoice)
	}
	row := state.CurrentRound
	if row >= len(state.Grid.Widths) {
		return fmt.Errorf("%w: no rows left", ErrInvalidChoice)
	}
	if w := state.Grid.Widths[row]; c.Tile < 0 || c.Tile >= w {
		return fmt.Errorf("%w: tile %d outside row of width %d", ErrInvalidChoice, c.Tile, w)
	}
	return nil
}

// GridWidths derives the row widths from a layout seed. Anyone holding the
// revealed seed can recompute them.
func GridWidths(seed commit.Nonce, rows, minTiles, maxTiles int) []int {
	span := uint64(maxTiles - minTiles + 1)
	widths := make([]int, rows)
	var buf [commit.NonceSize + 4]byte
	copy(buf[:], seed[:])
	for i := range widths {
		binary.BigEndian.PutUint32(buf[commit.NonceSize:], uint32(i))
		d := blake256.Sum256(buf[:])
		widths[i] = minTiles + int(binary.BigEndian.Uint64(d[:8])%span)
	}
	return widths
}

// GridLayoutCommitment returns the commitment published for a layout seed.
func GridLayoutCommitment(seed commit.Nonce) string {
	return commit.Commit(gridLayoutTag, seed)
}

// InitializeState implements Primitive. The house draws the layout seed; the
// widths are public from the start and the seed is revealed when the session
// ends.
func (Grid) InitializeState(cfg Config, bet int64, entropy io.Reader) (*State, error) {
	if bet <= 0 {
		return nil, ErrInvalidBet
	}
	rows := int(cfg.Params.Int("rows", gridDefaultRows))
	lo := int(cfg.Params.Int("min_tiles", gridDefaultMinTiles))
	hi := int(cfg.Params.Int("max_tiles", gridDefaultMaxTiles))
	if lo < gridTilesFloor || hi < lo {
		return nil, fmt.Errorf("%w: tiles %d..%d", ErrInvalidParams, lo, hi)
	}
	seed, err := commit.NewNonce(entropy)
	if err != nil {
		return nil, err
	}
	return &State{
		MaxRounds:  rows,
		BetAmount:  bet,
		Multiplier: One(),
		Active:     true,
		Grid: &GridState{
			Widths:           GridWidths(seed, rows, lo, hi),
			LayoutCommitment: GridLayoutCommitment(seed),
			LayoutSeed:       seed.String(),
		},
	}, nil
}

// DeriveOutcome implements Primitive. The eliminated tile is the derived value
// modulo the current row's width.
func (Grid) DeriveOutcome(playerNonce, houseNonce commit.Nonce, choice Choice,
	state *State, cfg Config, bet int64) (Outcome, error) {

	c, ok := choice.(GridChoice)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %T is not a grid choice", ErrInvalidChoice, choice)
	}
	if state.Grid == nil || state.CurrentRound >= len(state.Grid.Widths) {
		return Outcome{}, fmt.Errorf("%w: no rows left", ErrInvalidChoice)
	}
	row := state.CurrentRound
	width := state.Grid.Widths[row]
	raw := rawValue(commit.DeriveValue(playerNonce, houseNonce))
	eliminated := int(raw % uint64(width))

	out := Outcome{
		RawValue: raw,
		Metadata: map[string]any{
			"row":        row,
			"width":      width,
			"tile":       c.Tile,
			"eliminated": eliminated,
		},
	}
	if c.Tile == eliminated {
		out.GameOver = true
		out.Multiplier = Zero()
		return out, nil
	}

	out.PlayerWon = true
	out.Multiplier = state.Multiplier.Mul(NewMultiplier(int64(width), int64(width-1)))
	payout, err := Payout(bet, out.Multiplier, cfg.HouseEdgeBps)
	if err != nil {
		return Outcome{}, err
	}
	out.Payout = payout
	out.GameOver = row+1 >= len(state.Grid.Widths)
	out.CanCashOut = !out.GameOver
	return out, nil
}

// CalculateMaxPayout implements Primitive. The per-row factor w/(w-1) shrinks
// as w grows, so every row at min_tiles bounds any drawn layout.
func (Grid) CalculateMaxPayout(bet int64, cfg Config) (int64, error) {
	rows := cfg.Params.Int("rows", gridDefaultRows)
	lo := cfg.Params.Int("min_tiles", gridDefaultMinTiles)
	if lo < gridTilesFloor || rows < gridMinRows {
		return 0, fmt.Errorf("%w: rows %d min_tiles %d", ErrInvalidParams, rows, lo)
	}
	m := One()
	step := NewMultiplier(lo, lo-1)
	for i := int64(0); i < rows; i++ {
		m = m.Mul(step)
	}
	return Payout(bet, m, cfg.HouseEdgeBps)
}

// CalculateMaxBet implements Primitive.
func (Grid) CalculateMaxBet(custodyBalance int64) int64 {
	return maxBetFraction(custodyBalance, MaxBetBps)
}
