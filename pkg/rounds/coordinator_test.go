package rounds

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vctt94/fairvault/pkg/commit"
	"github.com/vctt94/fairvault/pkg/primitive"
)

type memStore struct {
	mu     sync.Mutex
	rounds map[string]*Round
}

func newMemStore() *memStore {
	return &memStore{rounds: make(map[string]*Round)}
}

func (m *memStore) InsertRound(_ context.Context, r *Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	m.rounds[r.ID] = &c
	return nil
}

func (m *memStore) UpdateRound(_ context.Context, r *Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rounds[r.ID]; !ok {
		return ErrRoundNotFound
	}
	c := *r
	m.rounds[r.ID] = &c
	return nil
}

func (m *memStore) GetRound(_ context.Context, id string) (*Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[id]
	if !ok {
		return nil, ErrRoundNotFound
	}
	c := *r
	return &c, nil
}

func (m *memStore) ListRounds(_ context.Context, sessionID string) ([]*Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Round
	for _, r := range m.rounds {
		if r.SessionID == sessionID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

type constReader byte

func (c constReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(c)
	}
	return len(p), nil
}

func newTestCoordinator() (*Coordinator, *memStore) {
	store := newMemStore()
	return NewCoordinator(Config{
		Store:    store,
		Registry: primitive.DefaultRegistry(),
		Entropy:  constReader(0x11),
	}), store
}

func mustNonce(t *testing.T, b byte) commit.Nonce {
	t.Helper()
	n, err := commit.NewNonce(constReader(b))
	require.NoError(t, err)
	return n
}

func streakSetup(t *testing.T) (*primitive.State, primitive.Config) {
	t.Helper()
	cfg, err := primitive.DefaultRegistry().ResolveConfig("streak-classic", primitive.GameStreak,
		nil, primitive.DefaultHouseEdgeBps)
	require.NoError(t, err)
	state, err := primitive.Streak{}.InitializeState(cfg, 100, nil)
	require.NoError(t, err)
	return state, cfg
}

func TestFullRoundLifecycle(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator()
	state, cfg := streakSetup(t)

	choice := []byte(`{}`)
	playerNonce := mustNonce(t, 0x22)
	commitment := commit.Commit(choice, playerNonce)

	r, err := c.PlayerCommit(ctx, "s1", 1, primitive.GameStreak, 100, commitment)
	require.NoError(t, err)
	assert.Equal(t, StatusPlayerCommitted, r.Status)

	r, err = c.HouseCommit(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusHouseCommitted, r.Status)
	houseNonce, err := commit.ParseNonce(r.HouseNonce)
	require.NoError(t, err)
	assert.True(t, commit.Verify(r.HouseCommitment, nil, houseNonce))

	r, err = c.PlayerReveal(ctx, r.ID, choice, playerNonce.String())
	require.NoError(t, err)
	assert.Equal(t, StatusPlayerRevealed, r.Status)

	res, err := c.HouseRevealAndSettle(ctx, r.ID, state, cfg)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, res.Round.Status)

	digest := commit.DeriveValue(playerNonce, houseNonce)
	raw := binary.BigEndian.Uint64(digest[:8])
	assert.Equal(t, raw, res.Outcome.RawValue)
	assert.Equal(t, raw%2 == 0, res.Outcome.PlayerWon)
	assert.Equal(t, 1, res.State.CurrentRound)
	assert.Equal(t, 0, state.CurrentRound, "input state must not be mutated")
	if res.Outcome.PlayerWon {
		assert.True(t, res.State.Active)
		assert.Equal(t, int64(196), res.Round.Payout)
	} else {
		assert.False(t, res.State.Active)
		assert.Zero(t, res.Round.Payout)
	}

	hist, err := c.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, StatusSettled, hist[0].Status)
}

func TestReplaySettledRound(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator()
	state, cfg := streakSetup(t)

	choice := []byte(`{}`)
	playerNonce := mustNonce(t, 0x22)
	r, err := c.PlayerCommit(ctx, "s1", 1, primitive.GameStreak, 100, commit.Commit(choice, playerNonce))
	require.NoError(t, err)
	_, err = c.HouseCommit(ctx, r.ID)
	require.NoError(t, err)
	_, err = c.PlayerReveal(ctx, r.ID, choice, playerNonce.String())
	require.NoError(t, err)

	_, err = c.Replay(r, state, cfg)
	require.ErrorIs(t, err, ErrInvalidStep)

	settled, err := c.HouseRevealAndSettle(ctx, r.ID, state, cfg)
	require.NoError(t, err)

	stored, err := c.Get(ctx, r.ID)
	require.NoError(t, err)
	replayed, err := c.Replay(stored, state, cfg)
	require.NoError(t, err)
	assert.Equal(t, settled.Outcome, replayed.Outcome)
	assert.Equal(t, settled.State.CurrentRound, replayed.State.CurrentRound)
	assert.Equal(t, settled.State.Active, replayed.State.Active)

	// A stored result that disagrees with the nonces is rejected.
	tampered := *stored
	tampered.Won = !tampered.Won
	_, err = c.Replay(&tampered, state, cfg)
	require.Error(t, err)

	got, err := store.GetRound(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.SettledAt, got.SettledAt, "replay writes nothing")
}

func TestStepsCannotBeSkipped(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator()
	state, cfg := streakSetup(t)
	playerNonce := mustNonce(t, 0x22)

	r, err := c.PlayerCommit(ctx, "s1", 1, primitive.GameStreak, 100, commit.Commit([]byte(`{}`), playerNonce))
	require.NoError(t, err)

	_, err = c.PlayerReveal(ctx, r.ID, []byte(`{}`), playerNonce.String())
	require.ErrorIs(t, err, ErrInvalidStep)

	_, err = c.HouseRevealAndSettle(ctx, r.ID, state, cfg)
	require.ErrorIs(t, err, ErrInvalidStep)

	_, err = c.HouseCommit(ctx, r.ID)
	require.NoError(t, err)
	_, err = c.HouseCommit(ctx, r.ID)
	require.ErrorIs(t, err, ErrInvalidStep)
}

func TestRevealMismatchVoidsRound(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator()
	state, cfg := streakSetup(t)
	playerNonce := mustNonce(t, 0x22)

	r, err := c.PlayerCommit(ctx, "s1", 1, primitive.GameStreak, 100, commit.Commit([]byte(`{}`), playerNonce))
	require.NoError(t, err)
	_, err = c.HouseCommit(ctx, r.ID)
	require.NoError(t, err)

	other := mustNonce(t, 0x33)
	_, err = c.PlayerReveal(ctx, r.ID, []byte(`{}`), other.String())
	require.ErrorIs(t, err, commit.ErrCommitmentMismatch)

	stored, err := store.GetRound(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, stored.Voided)
	assert.Equal(t, StatusHouseCommitted, stored.Status)

	_, err = c.PlayerReveal(ctx, r.ID, []byte(`{}`), playerNonce.String())
	require.ErrorIs(t, err, ErrRoundVoided)
	_, err = c.HouseRevealAndSettle(ctx, r.ID, state, cfg)
	require.ErrorIs(t, err, ErrRoundVoided)
}

func TestRevealRejectsMalformedNonce(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator()
	playerNonce := mustNonce(t, 0x22)

	r, err := c.PlayerCommit(ctx, "s1", 1, primitive.GameStreak, 100, commit.Commit([]byte(`{}`), playerNonce))
	require.NoError(t, err)
	_, err = c.HouseCommit(ctx, r.ID)
	require.NoError(t, err)

	_, err = c.PlayerReveal(ctx, r.ID, []byte(`{}`), "zz")
	require.ErrorIs(t, err, commit.ErrInvalidNonce)
}

func TestPlayerCommitValidation(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator()

	_, err := c.PlayerCommit(ctx, "s1", 1, primitive.GameStreak, 100, "abc")
	require.ErrorIs(t, err, ErrInvalidCommitment)

	_, err = c.PlayerCommit(ctx, "s1", 1, primitive.GameStreak, 0,
		commit.Commit(nil, mustNonce(t, 1)))
	require.ErrorIs(t, err, primitive.ErrInvalidBet)
}

func TestUnknownRound(t *testing.T) {
	c, _ := newTestCoordinator()
	_, err := c.HouseCommit(context.Background(), "missing")
	require.ErrorIs(t, err, ErrRoundNotFound)
}

func TestVoid(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCoordinator()

	r, err := c.PlayerCommit(ctx, "s1", 1, primitive.GameStreak, 100, commit.Commit(nil, mustNonce(t, 1)))
	require.NoError(t, err)
	require.NoError(t, c.Void(ctx, r.ID))
	require.NoError(t, c.Void(ctx, r.ID))

	stored, err := store.GetRound(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, stored.Voided)
}
