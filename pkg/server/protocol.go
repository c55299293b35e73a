package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/vctt94/fairvault/pkg/auth"
	"github.com/vctt94/fairvault/pkg/primitive"
)

// Message is the envelope of every frame on a session connection. ID is
// echoed back on the reply so clients can match responses to requests.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the body of an error reply.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

type createSessionRequest struct {
	DepositAmount int64  `json:"depositAmount"`
	GameSlug      string `json:"gameSlug"`
	TokenAddress  string `json:"tokenAddress,omitempty"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

// The choice bytes are committed to exactly as sent, so they are kept raw.
type placeBetRequest struct {
	SessionID  string          `json:"sessionId"`
	Amount     int64           `json:"amount"`
	ChoiceData json.RawMessage `json:"choiceData"`
	Commitment string          `json:"commitment"`
}

type revealRequest struct {
	SessionID  string          `json:"sessionId"`
	RoundID    string          `json:"roundId"`
	ChoiceData json.RawMessage `json:"choiceData"`
	Nonce      string          `json:"nonce"`
}

type positionRequest struct {
	Address string `json:"address"`
}

type vaultHistoryRequest struct {
	Since time.Time `json:"since"`
}

type publishGameRequest struct {
	Slug     string             `json:"slug"`
	GameType primitive.GameType `json:"gameType"`
	Params   primitive.Params   `json:"params"`
}

type withdrawalRequest struct {
	Amount int64 `json:"amount"`
}

type pongPayload struct {
	ServerTime time.Time `json:"serverTime"`
}

type handlerFunc func(ctx context.Context, id auth.Identity, payload json.RawMessage) (string, any, error)

// handlers maps request types to their handler and reply type.
func (s *Server) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"create_session":    s.handleCreateSession,
		"place_bet":         s.handlePlaceBet,
		"reveal":            s.handleReveal,
		"cashout":           s.handleCashOut,
		"close_session":     s.handleCloseSession,
		"get_session":       s.handleGetSession,
		"list_rounds":       s.handleListRounds,
		"list_games":        s.handleListGames,
		"get_vault":         s.handleGetVault,
		"get_position":      s.handleGetPosition,
		"vault_history":     s.handleVaultHistory,
		"publish_game":      s.handlePublishGame,
		"settle_withdrawal": s.handleSettleWithdrawal,
		"ping":              s.handlePing,
	}
}

// HandleMessage decodes one request frame from an authenticated caller and
// returns its reply. Every failure becomes an error reply.
func (s *Server) HandleMessage(ctx context.Context, id auth.Identity, raw []byte) *Message {
	var req Message
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorMessage("", &CodedError{Code: CodeParse, Msg: "malformed message", Err: err})
	}
	h, ok := s.handlers()[req.Type]
	if !ok {
		return errorMessage(req.ID, newCodedError(CodeUnknownType, "unknown message type %q", req.Type))
	}

	typ, body, err := h(ctx, id, req.Payload)
	if err != nil {
		code := codeFor(err)
		if code == CodeHandler {
			s.log.Errorf("Handler %s failed for player %s: %v", req.Type, id.PlayerID, err)
		} else {
			s.log.Debugf("Request %s from %s rejected (%s): %v", req.Type, id.PlayerID, code, err)
		}
		return errorMessage(req.ID, err)
	}
	b, err := json.Marshal(body)
	if err != nil {
		s.log.Errorf("Failed to encode %s reply: %v", typ, err)
		return errorMessage(req.ID, newCodedError(CodeHandler, "failed to encode reply"))
	}
	return &Message{Type: typ, ID: req.ID, Payload: b}
}

func errorMessage(id string, err error) *Message {
	p := ErrorPayload{Code: codeFor(err), Message: err.Error()}
	b, _ := json.Marshal(p)
	return &Message{Type: "error", ID: id, Payload: b}
}

// decode strictly decodes a request payload. An empty payload decodes to the
// zero value.
func (s *Server) decode(payload json.RawMessage, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.log.Debugf("Undecodable payload: %s", spew.Sdump(payload))
		return &CodedError{Code: CodeParse, Msg: fmt.Sprintf("invalid payload: %v", err), Err: err}
	}
	return nil
}

func requireSession(id string) error {
	if id == "" {
		return &CodedError{Code: CodeParse, Msg: "sessionId is required"}
	}
	return nil
}

func (s *Server) handleCreateSession(ctx context.Context, id auth.Identity, payload json.RawMessage) (string, any, error) {
	var req createSessionRequest
	if err := s.decode(payload, &req); err != nil {
		return "", nil, err
	}
	if req.GameSlug == "" {
		return "", nil, &CodedError{Code: CodeParse, Msg: "gameSlug is required"}
	}
	v, err := s.CreateSession(ctx, id.PlayerID, req.GameSlug, req.DepositAmount)
	return "session_created", v, err
}

func (s *Server) handlePlaceBet(ctx context.Context, id auth.Identity, payload json.RawMessage) (string, any, error) {
	var req placeBetRequest
	if err := s.decode(payload, &req); err != nil {
		return "", nil, err
	}
	if err := requireSession(req.SessionID); err != nil {
		return "", nil, err
	}
	v, err := s.PlaceBet(ctx, id.PlayerID, req.SessionID, req.Amount, req.ChoiceData, req.Commitment)
	return "bet_accepted", v, err
}

func (s *Server) handleReveal(ctx context.Context, id auth.Identity, payload json.RawMessage) (string, any, error) {
	var req revealRequest
	if err := s.decode(payload, &req); err != nil {
		return "", nil, err
	}
	if err := requireSession(req.SessionID); err != nil {
		return "", nil, err
	}
	v, err := s.Reveal(ctx, id.PlayerID, req.SessionID, req.RoundID, req.ChoiceData, req.Nonce)
	return "round_result", v, err
}

func (s *Server) handleCashOut(ctx context.Context, id auth.Identity, payload json.RawMessage) (string, any, error) {
	var req sessionRequest
	if err := s.decode(payload, &req); err != nil {
		return "", nil, err
	}
	if err := requireSession(req.SessionID); err != nil {
		return "", nil, err
	}
	v, err := s.CashOut(ctx, id.PlayerID, req.SessionID)
	return "cashout_result", v, err
}

func (s *Server) handleCloseSession(ctx context.Context, id auth.Identity, payload json.RawMessage) (string, any, error) {
	var req sessionRequest
	if err := s.decode(payload, &req); err != nil {
		return "", nil, err
	}
	if err := requireSession(req.SessionID); err != nil {
		return "", nil, err
	}
	v, err := s.CloseSession(ctx, id.PlayerID, req.SessionID)
	return "session_closed", v, err
}

func (s *Server) handleGetSession(ctx context.Context, id auth.Identity, payload json.RawMessage) (string, any, error) {
	var req sessionRequest
	if err := s.decode(payload, &req); err != nil {
		return "", nil, err
	}
	if err := requireSession(req.SessionID); err != nil {
		return "", nil, err
	}
	v, err := s.GetSession(ctx, id.PlayerID, req.SessionID)
	return "session_state", v, err
}

func (s *Server) handleListRounds(ctx context.Context, id auth.Identity, payload json.RawMessage) (string, any, error) {
	var req sessionRequest
	if err := s.decode(payload, &req); err != nil {
		return "", nil, err
	}
	if err := requireSession(req.SessionID); err != nil {
		return "", nil, err
	}
	v, err := s.ListRounds(ctx, id.PlayerID, req.SessionID)
	return "round_history", map[string]any{"sessionId": req.SessionID, "rounds": v}, err
}

func (s *Server) handleListGames(ctx context.Context, _ auth.Identity, _ json.RawMessage) (string, any, error) {
	v, err := s.ListGames(ctx)
	return "games", map[string]any{"games": v}, err
}

func (s *Server) handleGetVault(ctx context.Context, _ auth.Identity, _ json.RawMessage) (string, any, error) {
	v, err := s.vault.GetVaultState(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrVault, err)
	}
	return "vault_state", v, nil
}

func (s *Server) handleGetPosition(ctx context.Context, id auth.Identity, payload json.RawMessage) (string, any, error) {
	var req positionRequest
	if err := s.decode(payload, &req); err != nil {
		return "", nil, err
	}
	addr := req.Address
	if addr == "" {
		addr = id.Address
	}
	if addr == "" {
		return "", nil, &CodedError{Code: CodeParse, Msg: "address is required"}
	}
	v, err := s.vault.GetUserPosition(ctx, addr)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrVault, err)
	}
	return "user_position", v, nil
}

func (s *Server) handleVaultHistory(ctx context.Context, _ auth.Identity, payload json.RawMessage) (string, any, error) {
	var req vaultHistoryRequest
	if err := s.decode(payload, &req); err != nil {
		return "", nil, err
	}
	if s.snapshots == nil {
		return "", nil, newCodedError(CodeHandler, "vault history unavailable")
	}
	v, err := s.snapshots.ListVaultSnapshots(ctx, req.Since)
	return "vault_history", map[string]any{"snapshots": v}, err
}

func (s *Server) handlePublishGame(ctx context.Context, id auth.Identity, payload json.RawMessage) (string, any, error) {
	if !id.Admin {
		return "", nil, ErrForbidden
	}
	var req publishGameRequest
	if err := s.decode(payload, &req); err != nil {
		return "", nil, err
	}
	v, err := s.PublishGame(ctx, req.Slug, req.GameType, req.Params)
	return "game_published", v, err
}

func (s *Server) handleSettleWithdrawal(ctx context.Context, id auth.Identity, payload json.RawMessage) (string, any, error) {
	if !id.Admin {
		return "", nil, ErrForbidden
	}
	var req withdrawalRequest
	if err := s.decode(payload, &req); err != nil {
		return "", nil, err
	}
	v, err := s.vault.SettleForWithdrawal(ctx, req.Amount)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrVault, err)
	}
	s.log.Infof("Admin %s settled withdrawal of %d", id.PlayerID, req.Amount)
	return "withdrawal_settled", v, nil
}

func (s *Server) handlePing(_ context.Context, _ auth.Identity, _ json.RawMessage) (string, any, error) {
	return "pong", pongPayload{ServerTime: s.now().UTC()}, nil
}
