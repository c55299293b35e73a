// Package rounds coordinates the four step commit-reveal exchange of a single
// round and persists each step.
//
//	Created -> PlayerCommitted -> HouseCommitted -> PlayerRevealed -> Settled
//
// Every step is triggered externally and no step may be skipped.
package rounds

import (
	"context"
	"errors"
	"time"

	"github.com/vctt94/fairvault/pkg/primitive"
	"github.com/vctt94/fairvault/pkg/statemachine"
)

// Status is the protocol step a round has reached.
type Status string

const (
	StatusCreated         Status = "CREATED"
	StatusPlayerCommitted Status = "PLAYER_COMMITTED"
	StatusHouseCommitted  Status = "HOUSE_COMMITTED"
	StatusPlayerRevealed  Status = "PLAYER_REVEALED"
	StatusSettled         Status = "SETTLED"
)

// Transitions is the round state table.
var Transitions = statemachine.NewTable(map[Status][]Status{
	StatusCreated:         {StatusPlayerCommitted},
	StatusPlayerCommitted: {StatusHouseCommitted},
	StatusHouseCommitted:  {StatusPlayerRevealed},
	StatusPlayerRevealed:  {StatusSettled},
})

var (
	ErrRoundNotFound = errors.New("round not found")
	ErrRoundVoided   = errors.New("round voided")
	ErrInvalidStep   = errors.New("round step out of order")
	ErrMissingNonce  = errors.New("house nonce missing")
)

// Round is one commit-reveal exchange within a session.
type Round struct {
	ID               string
	SessionID        string
	Number           int
	GameType         primitive.GameType
	Bet              int64
	PlayerCommitment string
	HouseCommitment  string
	HouseNonce       string
	PlayerNonce      string
	Choice           []byte
	RawValue         uint64
	Won              bool
	Payout           int64
	Status           Status
	// Voided marks a round abandoned after a failed reveal or replaced by a
	// newer bet. A voided round never settles.
	Voided bool

	CreatedAt        time.Time
	HouseCommittedAt time.Time
	RevealedAt       time.Time
	SettledAt        time.Time
}

// Store persists rounds. Round numbers are unique per session among rounds
// that are not voided.
type Store interface {
	InsertRound(ctx context.Context, r *Round) error
	UpdateRound(ctx context.Context, r *Round) error
	GetRound(ctx context.Context, id string) (*Round, error)
	ListRounds(ctx context.Context, sessionID string) ([]*Round, error)
}
