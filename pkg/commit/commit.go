// Package commit implements the hash commitments used by the commit-reveal
// round protocol.
//
// A commitment binds a secret payload to a 256-bit nonce:
//
//	commitment = hex(BLAKE256(payload || nonce))
//
// Once both parties have committed and revealed their nonces, the final
// random value for the round is BLAKE256(playerNonce || houseNonce). Neither
// party learns the other's nonce before its own is fixed, so neither can steer
// the result.
package commit

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/decred/dcrd/crypto/blake256"
)

// NonceSize is the size of a nonce in bytes.
const NonceSize = 32

var (
	// ErrCommitmentMismatch is returned when a revealed payload and nonce do
	// not reproduce the stored commitment.
	ErrCommitmentMismatch = errors.New("commitment mismatch")

	// ErrInvalidNonce is returned when a nonce cannot be decoded.
	ErrInvalidNonce = errors.New("invalid nonce")
)

// Nonce is a 256-bit secret chosen by one party of a round.
type Nonce [NonceSize]byte

// NewNonce draws a fresh nonce from r. A nil reader uses crypto/rand.
func NewNonce(r io.Reader) (Nonce, error) {
	if r == nil {
		r = rand.Reader
	}
	var n Nonce
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return Nonce{}, fmt.Errorf("read nonce entropy: %w", err)
	}
	return n, nil
}

// ParseNonce decodes a hex encoded nonce. Upper and lower case are accepted.
func ParseNonce(s string) (Nonce, error) {
	var n Nonce
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != hex.EncodedLen(NonceSize) {
		return n, fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalidNonce,
			hex.EncodedLen(NonceSize), len(s))
	}
	if _, err := hex.Decode(n[:], []byte(s)); err != nil {
		return n, fmt.Errorf("%w: %v", ErrInvalidNonce, err)
	}
	return n, nil
}

// String returns the lowercase hex encoding of the nonce.
func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

// Commit returns the hex encoded commitment of payload under nonce.
func Commit(payload []byte, nonce Nonce) string {
	h := blake256.New()
	h.Write(payload)
	h.Write(nonce[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether payload and nonce reproduce hash. The comparison is
// case-insensitive so clients may submit upper case hex.
func Verify(hash string, payload []byte, nonce Nonce) bool {
	return strings.EqualFold(strings.TrimPrefix(hash, "0x"), Commit(payload, nonce))
}

// Check is Verify returning ErrCommitmentMismatch on failure.
func Check(hash string, payload []byte, nonce Nonce) error {
	if !Verify(hash, payload, nonce) {
		return ErrCommitmentMismatch
	}
	return nil
}

// DeriveValue hashes both revealed nonces into the round digest. The player
// nonce always comes first.
func DeriveValue(playerNonce, houseNonce Nonce) [blake256.Size]byte {
	var buf [2 * NonceSize]byte
	copy(buf[:NonceSize], playerNonce[:])
	copy(buf[NonceSize:], houseNonce[:])
	return blake256.Sum256(buf[:])
}
