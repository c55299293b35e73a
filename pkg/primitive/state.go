package primitive

import "encoding/json"

// State is the per-session game state owned by the session engine and mirrored
// into the session snapshot.
type State struct {
	CurrentRound  int        `json:"currentRound"`
	MaxRounds     int        `json:"maxRounds"`
	BetAmount     int64      `json:"betAmount"`
	Multiplier    Multiplier `json:"cumulativeMultiplier"`
	PlayerBalance int64      `json:"playerBalance"`
	HouseBalance  int64      `json:"houseBalance"`
	Active        bool       `json:"isActive"`
	CanCashOut    bool       `json:"canCashOut"`

	Grid *GridState `json:"grid,omitempty"`
}

// GridState is the grid primitive's sub-state.
type GridState struct {
	// Widths holds the tile count of every row, fixed at session start.
	Widths []int `json:"widths"`
	// LayoutCommitment commits to LayoutSeed, from which Widths derive.
	LayoutCommitment string `json:"layoutCommitment"`
	// LayoutSeed stays private until the session ends.
	LayoutSeed string `json:"layoutSeed,omitempty"`
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.Grid != nil {
		g := *s.Grid
		g.Widths = append([]int(nil), s.Grid.Widths...)
		c.Grid = &g
	}
	return &c
}

// PublicView returns a copy suitable for sending to the player. The grid
// layout seed is withheld while the session is active.
func (s *State) PublicView() *State {
	c := s.Clone()
	if c != nil && c.Active && c.Grid != nil {
		c.Grid.LayoutSeed = ""
	}
	return c
}

// PrimitiveState returns the primitive specific part of the public view.
func (s *State) PrimitiveState() json.RawMessage {
	v := s.PublicView()
	if v == nil || v.Grid == nil {
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(v.Grid)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// Marshal serializes s for the durable snapshot.
func (s *State) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalState decodes a durable snapshot.
func UnmarshalState(b []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
