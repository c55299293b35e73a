package server

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vctt94/fairvault/pkg/auth"
	"github.com/vctt94/fairvault/pkg/client"
	"github.com/vctt94/fairvault/pkg/primitive"
)

const wsTestSecret = "fairvault-websocket-test-secret-0123456789"

type wsFixture struct {
	env   *testEnv
	authn *auth.Authenticator
	url   string
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	env := newTestEnv(t, 1_000_000)
	authn, err := auth.New(auth.Config{Secret: []byte(wsTestSecret), Issuer: "test"})
	require.NoError(t, err)

	ts := httptest.NewServer(NewWSHandler(env.srv, authn, nil))
	t.Cleanup(ts.Close)
	return &wsFixture{
		env:   env,
		authn: authn,
		url:   "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func (f *wsFixture) dial(t *testing.T, id auth.Identity, ntfns *client.NotificationManager) *client.Client {
	t.Helper()
	token, err := f.authn.Issue(id, time.Hour)
	require.NoError(t, err)
	c, err := client.Dial(context.Background(), client.Config{URL: f.url, Token: token}, ntfns)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestWebsocketPlayAndVerify(t *testing.T) {
	ctx := context.Background()
	f := newWSFixture(t)
	c := f.dial(t, alice, nil)

	games, err := c.ListGames(ctx)
	require.NoError(t, err)
	assert.Len(t, games, 3)

	sess, err := c.CreateSession(ctx, "streak-classic", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(3136), sess.HouseDeposit)

	win := findNonce(t, streakWin)
	res, err := c.PlayRound(ctx, sess.SessionID, 100, primitive.StreakChoice{}, bytes.NewReader(win[:]))
	require.NoError(t, err)
	assert.True(t, res.Outcome.PlayerWon)
	assert.True(t, res.CanCashOut)

	out, err := c.CashOut(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(196), out.Payout)
	assert.Equal(t, string(StatusClosed), out.Status)

	rounds, err := c.ListRounds(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	require.NoError(t, client.VerifyRound(rounds[0]))

	tampered := *rounds[0]
	tampered.RawValue++
	assert.ErrorIs(t, client.VerifyRound(&tampered), client.ErrVerification)
}

func TestWebsocketRemoteErrors(t *testing.T) {
	ctx := context.Background()
	f := newWSFixture(t)
	c := f.dial(t, alice, nil)

	sess, err := c.CreateSession(ctx, "streak-classic", 100)
	require.NoError(t, err)

	_, err = c.CashOut(ctx, sess.SessionID)
	var re *client.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, string(CodeInvalidChoice), re.Code)

	_, err = c.GetSession(ctx, "missing")
	require.True(t, errors.As(err, &re))
	assert.Equal(t, string(CodeNotFound), re.Code)

	// Another player cannot see alice's session.
	bob := f.dial(t, auth.Identity{PlayerID: "bob"}, nil)
	_, err = bob.GetSession(ctx, sess.SessionID)
	require.True(t, errors.As(err, &re))
	assert.Equal(t, string(CodeAuth), re.Code)
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	f := newWSFixture(t)
	_, err := client.Dial(context.Background(), client.Config{URL: f.url, Token: "nope"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestWebsocketExpiryNotification(t *testing.T) {
	ctx := context.Background()
	f := newWSFixture(t)

	expired := make(chan *client.Session, 1)
	ntfns := client.NewNotificationManager()
	ntfns.RegisterSync(client.OnSessionExpiredNtfn(func(s *client.Session) {
		expired <- s
	}))
	c := f.dial(t, alice, ntfns)

	sess, err := c.CreateSession(ctx, "streak-classic", 100)
	require.NoError(t, err)
	_, err = c.Ping(ctx)
	require.NoError(t, err)

	f.env.clock.Advance(11 * time.Minute)
	require.Equal(t, 1, f.env.srv.ExpireIdle(ctx))

	select {
	case s := <-expired:
		assert.Equal(t, sess.SessionID, s.SessionID)
		assert.Equal(t, string(StatusExpired), s.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no expiry notification")
	}
}

func TestWebsocketClientClose(t *testing.T) {
	f := newWSFixture(t)
	token, err := f.authn.Issue(alice, time.Hour)
	require.NoError(t, err)
	c, err := client.Dial(context.Background(), client.Config{URL: f.url, Token: token}, nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	_, err = c.Ping(context.Background())
	assert.ErrorIs(t, err, client.ErrClosed)
}
