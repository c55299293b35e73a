package client

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/vctt94/fairvault/pkg/commit"
	"github.com/vctt94/fairvault/pkg/primitive"
)

// ErrVerification means the server's disclosed nonce does not reproduce its
// commitment or the settled raw value.
var ErrVerification = errors.New("round verification failed")

// PlayRound runs one commit-reveal round: it draws a nonce from entropy
// (crypto/rand when nil), commits to choice, places the bet, reveals, and
// checks the house's disclosure before returning the result.
func (c *Client) PlayRound(ctx context.Context, sessionID string, amount int64,
	choice any, entropy io.Reader) (*RoundResult, error) {

	if entropy == nil {
		entropy = rand.Reader
	}
	choiceData, err := json.Marshal(choice)
	if err != nil {
		return nil, fmt.Errorf("failed to encode choice: %w", err)
	}
	nonce, err := commit.NewNonce(entropy)
	if err != nil {
		return nil, err
	}

	acc, err := c.PlaceBet(ctx, sessionID, amount, choiceData, commit.Commit(choiceData, nonce))
	if err != nil {
		return nil, err
	}
	c.log.Debugf("Bet %d on round %d of %s, house commitment %s",
		amount, acc.RoundNumber, sessionID, acc.HouseCommitment)

	res, err := c.Reveal(ctx, sessionID, acc.RoundID, choiceData, nonce.String())
	if err != nil {
		return nil, err
	}
	if err := verifyDisclosure(acc.HouseCommitment, res.HouseNonce, nonce, res.Outcome.RawValue); err != nil {
		return res, err
	}
	return res, nil
}

// VerifyRound checks a settled round from the history: both commitments and
// the raw value derived from the two nonces.
func VerifyRound(r *Round) error {
	playerNonce, err := commit.ParseNonce(r.PlayerNonce)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if !commit.Verify(r.PlayerCommitment, r.Choice, playerNonce) {
		return fmt.Errorf("%w: player commitment of round %s", ErrVerification, r.RoundID)
	}
	return verifyDisclosure(r.HouseCommitment, r.HouseNonce, playerNonce, r.RawValue)
}

func verifyDisclosure(houseCommitment, houseNonceHex string, playerNonce commit.Nonce, raw uint64) error {
	houseNonce, err := commit.ParseNonce(houseNonceHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if !commit.Verify(houseCommitment, nil, houseNonce) {
		return fmt.Errorf("%w: house nonce does not match commitment", ErrVerification)
	}
	if want := primitive.RoundValue(playerNonce, houseNonce); want != raw {
		return fmt.Errorf("%w: raw value %d, nonces derive %d", ErrVerification, raw, want)
	}
	return nil
}
