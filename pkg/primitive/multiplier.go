package primitive

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// BpsDenominator is the basis point scale used for the house edge.
const BpsDenominator = 10000

// Multiplier is an exact rational payout factor. The zero value is 1.
//
// Multipliers compound across rounds without rounding; amounts are truncated
// to whole atoms only when a payout is computed.
type Multiplier struct {
	r *big.Rat
}

// One returns the identity multiplier.
func One() Multiplier { return Multiplier{r: big.NewRat(1, 1)} }

// Zero returns the multiplier of a lost wager.
func Zero() Multiplier { return Multiplier{r: new(big.Rat)} }

// NewMultiplier returns num/den. den must be positive.
func NewMultiplier(num, den int64) Multiplier {
	return Multiplier{r: big.NewRat(num, den)}
}

func (m Multiplier) rat() *big.Rat {
	if m.r == nil {
		return big.NewRat(1, 1)
	}
	return m.r
}

// Mul returns m*o.
func (m Multiplier) Mul(o Multiplier) Multiplier {
	return Multiplier{r: new(big.Rat).Mul(m.rat(), o.rat())}
}

// Cmp compares m and o.
func (m Multiplier) Cmp(o Multiplier) int { return m.rat().Cmp(o.rat()) }

// IsZero reports whether m is exactly zero.
func (m Multiplier) IsZero() bool { return m.r != nil && m.r.Sign() == 0 }

// Float64 returns the nearest float. Display only.
func (m Multiplier) Float64() float64 {
	f, _ := m.rat().Float64()
	return f
}

// String returns the reduced fraction, e.g. "9/4", or an integer.
func (m Multiplier) String() string { return m.rat().RatString() }

// MarshalJSON encodes m as its fraction string.
func (m Multiplier) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON decodes a fraction string or a JSON number.
func (m *Multiplier) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("multiplier: %w", err)
		}
		s = n.String()
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return fmt.Errorf("multiplier: invalid value %q", s)
	}
	m.r = r
	return nil
}

// Payout returns floor(bet * m * (10000 - houseEdgeBps) / 10000), the amount
// returned to the player including the stake.
func Payout(bet int64, m Multiplier, houseEdgeBps int64) (int64, error) {
	if bet < 0 {
		return 0, fmt.Errorf("negative bet %d", bet)
	}
	if houseEdgeBps < 0 || houseEdgeBps >= BpsDenominator {
		return 0, fmt.Errorf("house edge %d bps out of range", houseEdgeBps)
	}
	x := new(big.Rat).SetInt64(bet)
	x.Mul(x, m.rat())
	x.Mul(x, big.NewRat(BpsDenominator-houseEdgeBps, BpsDenominator))
	if x.Sign() < 0 {
		return 0, fmt.Errorf("negative payout")
	}
	q := new(big.Int).Quo(x.Num(), x.Denom())
	if !q.IsInt64() {
		return 0, fmt.Errorf("payout overflows int64")
	}
	return q.Int64(), nil
}
