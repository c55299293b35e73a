package server

import (
	"errors"
	"fmt"

	"github.com/vctt94/fairvault/pkg/commit"
	"github.com/vctt94/fairvault/pkg/primitive"
	"github.com/vctt94/fairvault/pkg/rounds"
	"github.com/vctt94/fairvault/pkg/vault"
)

// ErrorCode is the machine readable code carried by protocol error messages.
type ErrorCode string

const (
	CodeAuth               ErrorCode = "AUTH_ERROR"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeInvalidChoice      ErrorCode = "INVALID_CHOICE"
	CodeSessionClosed      ErrorCode = "SESSION_CLOSED"
	CodeLiquidity          ErrorCode = "LIQUIDITY_ERROR"
	CodeMaxBetExceeded     ErrorCode = "MAX_BET_EXCEEDED"
	CodeVault              ErrorCode = "VAULT_ERROR"
	CodeReveal             ErrorCode = "REVEAL_ERROR"
	CodeCommitmentMismatch ErrorCode = "COMMITMENT_MISMATCH"
	CodeUnknownType        ErrorCode = "UNKNOWN_TYPE"
	CodeParse              ErrorCode = "PARSE_ERROR"
	CodeHandler            ErrorCode = "HANDLER_ERROR"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrGameNotFound        = errors.New("game not found")
	ErrNotOwner            = errors.New("session not owned by caller")
	ErrSessionClosed       = errors.New("session is not active")
	ErrMaxBetExceeded      = errors.New("bet exceeds the maximum allowed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrCannotCashOut       = errors.New("cash out not available")
	ErrRoundNotPending     = errors.New("round is not awaiting reveal")
	ErrForbidden           = errors.New("operation not permitted")
	// ErrVault wraps failures of the custody collaborator.
	ErrVault = errors.New("vault unavailable")
)

// CodedError is an error with an explicit protocol code.
type CodedError struct {
	Code ErrorCode
	Msg  string
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err != nil && e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg
}

func (e *CodedError) Unwrap() error { return e.Err }

func newCodedError(code ErrorCode, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// codeFor maps an error from any layer to its protocol code.
func codeFor(err error) ErrorCode {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	switch {
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrForbidden):
		return CodeAuth
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrGameNotFound),
		errors.Is(err, rounds.ErrRoundNotFound), errors.Is(err, primitive.ErrUnknownGameType):
		return CodeNotFound
	case errors.Is(err, ErrSessionClosed), errors.Is(err, primitive.ErrSessionInactive):
		return CodeSessionClosed
	case errors.Is(err, vault.ErrInsufficientLiquidity):
		return CodeLiquidity
	case errors.Is(err, ErrMaxBetExceeded):
		return CodeMaxBetExceeded
	case errors.Is(err, commit.ErrCommitmentMismatch):
		return CodeCommitmentMismatch
	case errors.Is(err, ErrRoundNotPending), errors.Is(err, rounds.ErrInvalidStep),
		errors.Is(err, rounds.ErrRoundVoided), errors.Is(err, rounds.ErrMissingNonce),
		errors.Is(err, rounds.ErrInvalidCommitment), errors.Is(err, commit.ErrInvalidNonce):
		return CodeReveal
	case errors.Is(err, primitive.ErrInvalidChoice), errors.Is(err, primitive.ErrInvalidBet),
		errors.Is(err, primitive.ErrInvalidParams), errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrCannotCashOut):
		return CodeInvalidChoice
	case errors.Is(err, ErrVault), errors.Is(err, vault.ErrInsufficientFunds),
		errors.Is(err, vault.ErrTxNotFound), errors.Is(err, vault.ErrInvalidAmount):
		return CodeVault
	}
	return CodeHandler
}
