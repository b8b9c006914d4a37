package services

import (
	"context"
	"errors"
	"net/http"
)

// Sentinel errors shared by every wallet flow. Callers match them with
// errors.Is; handlers map them to HTTP codes via StatusForError.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidState        = errors.New("invalid state")
	ErrTimeout             = errors.New("operation timed out")

	// ErrBalanceIntegrity means a computed balance violated the ledger
	// invariants. It signals corrupt prior state, not bad input.
	ErrBalanceIntegrity = errors.New("balance integrity violation")
)

// StatusForError maps a wallet error to its HTTP status code.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidState):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// TranslateContextError converts context cancellation into the wallet
// timeout error so callers see one error kind after a rollback.
func TranslateContextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrTimeout
	}
	return err
}
