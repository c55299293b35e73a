package primitive

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Choice is the player's revealed decision for one round. It is one of
// StreakChoice, GridChoice or ThresholdChoice.
type Choice interface {
	GameType() GameType
}

// StreakChoice carries no decision: every streak round is a double-or-bust flip.
type StreakChoice struct{}

// GameType implements Choice.
func (StreakChoice) GameType() GameType { return GameStreak }

// GridChoice selects a tile in the current row.
type GridChoice struct {
	Tile int `json:"tile"`
}

// GameType implements Choice.
func (GridChoice) GameType() GameType { return GameGrid }

// ThresholdMode is the comparison a threshold roll is judged by.
type ThresholdMode string

const (
	ModeOver  ThresholdMode = "over"
	ModeUnder ThresholdMode = "under"
	ModeRange ThresholdMode = "range"
)

// ThresholdChoice picks the predicate the roll must satisfy. Target is used by
// over and under; Low and High (inclusive) by range.
type ThresholdChoice struct {
	Mode   ThresholdMode `json:"mode"`
	Target int           `json:"target,omitempty"`
	Low    int           `json:"low,omitempty"`
	High   int           `json:"high,omitempty"`
}

// GameType implements Choice.
func (ThresholdChoice) GameType() GameType { return GameThreshold }

// decodeStrict decodes data into v rejecting unknown fields and trailing data.
func decodeStrict(data []byte, v any) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("%w: empty choice", ErrInvalidChoice)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChoice, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrInvalidChoice)
	}
	return nil
}
