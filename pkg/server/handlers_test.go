package server

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vctt94/fairvault/pkg/auth"
	"github.com/vctt94/fairvault/pkg/commit"
)

func request(t *testing.T, env *testEnv, id auth.Identity, typ string, payload any) *Message {
	t.Helper()
	raw := []byte(fmt.Sprintf(`{"type":%q,"id":"r1"}`, typ))
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw, err = json.Marshal(Message{Type: typ, ID: "r1", Payload: b})
		require.NoError(t, err)
	}
	return env.srv.HandleMessage(context.Background(), id, raw)
}

func decodeReply[T any](t *testing.T, msg *Message, typ string) T {
	t.Helper()
	require.Equal(t, typ, msg.Type, "payload: %s", msg.Payload)
	assert.Equal(t, "r1", msg.ID)
	var v T
	require.NoError(t, json.Unmarshal(msg.Payload, &v))
	return v
}

func errorCode(t *testing.T, msg *Message) ErrorCode {
	t.Helper()
	require.Equal(t, "error", msg.Type)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.NotEmpty(t, p.Message)
	return p.Code
}

var alice = auth.Identity{PlayerID: "alice", Address: "0xA11CE"}

func TestProtocolRoundTrip(t *testing.T) {
	env := newTestEnv(t, 1_000_000)

	created := decodeReply[SessionView](t, request(t, env, alice, "create_session",
		map[string]any{"depositAmount": 100, "gameSlug": "streak-classic"}), "session_created")
	assert.Equal(t, int64(100), created.PlayerDeposit)
	assert.Equal(t, 5, created.MaxRounds)

	choice := json.RawMessage(`{}`)
	nonce := findNonce(t, streakWin)
	bet := decodeReply[BetAccepted](t, request(t, env, alice, "place_bet", map[string]any{
		"sessionId":  created.SessionID,
		"amount":     100,
		"choiceData": choice,
		"commitment": commit.Commit(choice, nonce),
	}), "bet_accepted")
	assert.Equal(t, 1, bet.RoundNumber)

	res := decodeReply[RoundResult](t, request(t, env, alice, "reveal", map[string]any{
		"sessionId":  created.SessionID,
		"roundId":    bet.RoundID,
		"choiceData": choice,
		"nonce":      nonce.String(),
	}), "round_result")
	assert.True(t, res.Outcome.PlayerWon)
	assert.True(t, res.CanCashOut)

	out := decodeReply[CashOutResult](t, request(t, env, alice, "cashout",
		map[string]any{"sessionId": created.SessionID}), "cashout_result")
	assert.Equal(t, int64(196), out.Payout)

	state := decodeReply[SessionView](t, request(t, env, alice, "get_session",
		map[string]any{"sessionId": created.SessionID}), "session_state")
	assert.Equal(t, StatusClosed, state.Status)

	history := decodeReply[struct {
		Rounds []RoundView `json:"rounds"`
	}](t, request(t, env, alice, "list_rounds", map[string]any{"sessionId": created.SessionID}), "round_history")
	assert.Len(t, history.Rounds, 1)
}

func TestProtocolErrors(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	assert.Equal(t, CodeParse, errorCode(t, env.srv.HandleMessage(ctx, alice, []byte(`{`))))
	assert.Equal(t, CodeUnknownType, errorCode(t, request(t, env, alice, "shuffle", nil)))
	assert.Equal(t, CodeParse, errorCode(t, request(t, env, alice, "create_session",
		map[string]any{"depositAmount": "lots", "gameSlug": "streak-classic"})))
	assert.Equal(t, CodeParse, errorCode(t, request(t, env, alice, "create_session",
		map[string]any{"deposit": 5, "gameSlug": "streak-classic"})))
	assert.Equal(t, CodeParse, errorCode(t, request(t, env, alice, "cashout", map[string]any{})))
	assert.Equal(t, CodeLiquidity, errorCode(t, request(t, env, alice, "create_session",
		map[string]any{"depositAmount": 50, "gameSlug": "streak-classic"})))
	assert.Equal(t, CodeNotFound, errorCode(t, request(t, env, alice, "get_session",
		map[string]any{"sessionId": "missing"})))
}

func TestProtocolReads(t *testing.T) {
	env := newTestEnv(t, 1_000_000)

	pong := decodeReply[pongPayload](t, request(t, env, alice, "ping", nil), "pong")
	assert.True(t, env.clock.Now().Equal(pong.ServerTime))

	games := decodeReply[struct {
		Games []GameInfo `json:"games"`
	}](t, request(t, env, alice, "list_games", nil), "games")
	require.Len(t, games.Games, 3)
	assert.Equal(t, "grid-classic", games.Games[0].Slug)
	assert.Equal(t, int64(200), games.Games[0].HouseEdgeBps)

	v := decodeReply[map[string]any](t, request(t, env, alice, "get_vault", nil), "vault_state")
	assert.EqualValues(t, 1_000_000, v["custodyBalance"])

	pos := decodeReply[map[string]any](t, request(t, env, alice, "get_position", nil), "user_position")
	assert.Equal(t, "0xA11CE", pos["address"])

	assert.Equal(t, CodeHandler, errorCode(t, request(t, env, alice, "vault_history", nil)))
}

func TestProtocolAdminOnly(t *testing.T) {
	env := newTestEnv(t, 1_000_000)
	admin := auth.Identity{PlayerID: "ops", Admin: true}

	assert.Equal(t, CodeAuth, errorCode(t, request(t, env, alice, "settle_withdrawal",
		map[string]any{"amount": 10})))
	assert.Equal(t, CodeAuth, errorCode(t, request(t, env, alice, "publish_game",
		map[string]any{"slug": "x", "gameType": "streak"})))

	w := decodeReply[map[string]any](t, request(t, env, admin, "settle_withdrawal",
		map[string]any{"amount": 10}), "withdrawal_settled")
	assert.Equal(t, "w1", w["withdrawTx"])
	assert.Equal(t, "t1", w["transferTx"])

	g := decodeReply[GameInfo](t, request(t, env, admin, "publish_game", map[string]any{
		"slug": "streak-short", "gameType": "streak", "params": map[string]any{"max_rounds": 3},
	}), "game_published")
	assert.EqualValues(t, 3, g.Params["max_rounds"])

	assert.Equal(t, CodeInvalidChoice, errorCode(t, request(t, env, admin, "publish_game", map[string]any{
		"slug": "streak-long", "gameType": "streak", "params": map[string]any{"max_rounds": 99},
	})))

	created := decodeReply[SessionView](t, request(t, env, alice, "create_session",
		map[string]any{"depositAmount": 100, "gameSlug": "streak-short"}), "session_created")
	assert.Equal(t, 3, created.MaxRounds)
	assert.Equal(t, int64(784), created.HouseDeposit)
}
