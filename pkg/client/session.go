package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vctt94/fairvault/pkg/primitive"
	"github.com/vctt94/fairvault/pkg/vault"
)

// Session is a session as reported by the server.
type Session struct {
	SessionID            string               `json:"sessionId"`
	GameSlug             string               `json:"gameSlug"`
	GameType             primitive.GameType   `json:"gameType"`
	Status               string               `json:"status"`
	PlayerDeposit        int64                `json:"playerDeposit"`
	HouseDeposit         int64                `json:"houseDeposit"`
	PlayerBalance        int64                `json:"playerBalance"`
	HouseBalance         int64                `json:"houseBalance"`
	BetAmount            int64                `json:"betAmount"`
	CurrentRound         int                  `json:"currentRound"`
	MaxRounds            int                  `json:"maxRounds"`
	CumulativeMultiplier primitive.Multiplier `json:"cumulativeMultiplier"`
	CanCashOut           bool                 `json:"canCashOut"`
	IsActive             bool                 `json:"isActive"`
	PrimitiveState       json.RawMessage      `json:"primitiveState"`
	PendingRoundID       string               `json:"pendingRoundId,omitempty"`
	CreatedAt            time.Time            `json:"createdAt"`
	ClosedAt             *time.Time           `json:"closedAt,omitempty"`
}

// BetAccepted is the reply to a bet: the round and the house commitment.
type BetAccepted struct {
	SessionID       string `json:"sessionId"`
	RoundID         string `json:"roundId"`
	RoundNumber     int    `json:"roundNumber"`
	Bet             int64  `json:"bet"`
	HouseCommitment string `json:"houseCommitment"`
}

// RoundResult is the settled outcome of a reveal.
type RoundResult struct {
	SessionID            string               `json:"sessionId"`
	RoundID              string               `json:"roundId"`
	RoundNumber          int                  `json:"roundNumber"`
	Outcome              primitive.Outcome    `json:"outcome"`
	HouseNonce           string               `json:"houseNonce"`
	PlayerBalance        int64                `json:"playerBalance"`
	HouseBalance         int64                `json:"houseBalance"`
	CurrentRound         int                  `json:"currentRound"`
	CumulativeMultiplier primitive.Multiplier `json:"cumulativeMultiplier"`
	CanCashOut           bool                 `json:"canCashOut"`
	IsActive             bool                 `json:"isActive"`
	Status               string               `json:"status"`
	PrimitiveState       json.RawMessage      `json:"primitiveState"`
}

// CashOutResult is the reply to a cash out.
type CashOutResult struct {
	SessionID     string               `json:"sessionId"`
	Payout        int64                `json:"payout"`
	Multiplier    primitive.Multiplier `json:"multiplier"`
	PlayerBalance int64                `json:"playerBalance"`
	HouseBalance  int64                `json:"houseBalance"`
	Status        string               `json:"status"`
}

// Round is a settled round with both nonces disclosed.
type Round struct {
	RoundID          string             `json:"roundId"`
	RoundNumber      int                `json:"roundNumber"`
	GameType         primitive.GameType `json:"gameType"`
	Bet              int64              `json:"bet"`
	PlayerCommitment string             `json:"playerCommitment"`
	HouseCommitment  string             `json:"houseCommitment"`
	PlayerNonce      string             `json:"playerNonce"`
	HouseNonce       string             `json:"houseNonce"`
	Choice           json.RawMessage    `json:"choice"`
	RawValue         uint64             `json:"rawValue"`
	Won              bool               `json:"won"`
	Payout           int64              `json:"payout"`
	SettledAt        time.Time          `json:"settledAt"`
}

// Game is a published game configuration.
type Game struct {
	Slug         string             `json:"slug"`
	GameType     primitive.GameType `json:"gameType"`
	HouseEdgeBps int64              `json:"houseEdgeBps"`
	Params       primitive.Params   `json:"params"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

// CreateSession opens a session on game slug with deposit atoms.
func (c *Client) CreateSession(ctx context.Context, slug string, deposit int64) (*Session, error) {
	req := struct {
		DepositAmount int64  `json:"depositAmount"`
		GameSlug      string `json:"gameSlug"`
	}{deposit, slug}
	var s Session
	if err := c.Call(ctx, "create_session", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// PlaceBet commits to choiceData. Most callers want PlayRound, which builds
// the commitment and reveals it.
func (c *Client) PlaceBet(ctx context.Context, sessionID string, amount int64,
	choiceData json.RawMessage, commitment string) (*BetAccepted, error) {

	req := struct {
		SessionID  string          `json:"sessionId"`
		Amount     int64           `json:"amount"`
		ChoiceData json.RawMessage `json:"choiceData"`
		Commitment string          `json:"commitment"`
	}{sessionID, amount, choiceData, commitment}
	var b BetAccepted
	if err := c.Call(ctx, "place_bet", req, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Reveal discloses the player's choice and nonce for roundID.
func (c *Client) Reveal(ctx context.Context, sessionID, roundID string,
	choiceData json.RawMessage, nonce string) (*RoundResult, error) {

	req := struct {
		SessionID  string          `json:"sessionId"`
		RoundID    string          `json:"roundId"`
		ChoiceData json.RawMessage `json:"choiceData"`
		Nonce      string          `json:"nonce"`
	}{sessionID, roundID, choiceData, nonce}
	var r RoundResult
	if err := c.Call(ctx, "reveal", req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) CashOut(ctx context.Context, sessionID string) (*CashOutResult, error) {
	var r CashOutResult
	if err := c.Call(ctx, "cashout", sessionRequest{sessionID}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) CloseSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := c.Call(ctx, "close_session", sessionRequest{sessionID}, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := c.Call(ctx, "get_session", sessionRequest{sessionID}, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListRounds returns the settled rounds of a session.
func (c *Client) ListRounds(ctx context.Context, sessionID string) ([]*Round, error) {
	var r struct {
		Rounds []*Round `json:"rounds"`
	}
	if err := c.Call(ctx, "list_rounds", sessionRequest{sessionID}, &r); err != nil {
		return nil, err
	}
	return r.Rounds, nil
}

func (c *Client) ListGames(ctx context.Context) ([]*Game, error) {
	var r struct {
		Games []*Game `json:"games"`
	}
	if err := c.Call(ctx, "list_games", nil, &r); err != nil {
		return nil, err
	}
	return r.Games, nil
}

func (c *Client) GetVault(ctx context.Context) (*vault.State, error) {
	var st vault.State
	if err := c.Call(ctx, "get_vault", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetPosition returns the vault position of addr, or of the caller's own
// address when addr is empty.
func (c *Client) GetPosition(ctx context.Context, addr string) (*vault.Position, error) {
	req := struct {
		Address string `json:"address,omitempty"`
	}{addr}
	var p vault.Position
	if err := c.Call(ctx, "get_position", req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Ping returns the server clock.
func (c *Client) Ping(ctx context.Context) (time.Time, error) {
	var r struct {
		ServerTime time.Time `json:"serverTime"`
	}
	if err := c.Call(ctx, "ping", nil, &r); err != nil {
		return time.Time{}, err
	}
	return r.ServerTime, nil
}
