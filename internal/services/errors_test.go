package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrValidation, http.StatusBadRequest},
		{ErrNotFound, http.StatusNotFound},
		{ErrConflict, http.StatusConflict},
		{ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{ErrInvalidState, http.StatusUnprocessableEntity},
		{ErrTimeout, http.StatusGatewayTimeout},
		{ErrBalanceIntegrity, http.StatusInternalServerError},
		{errors.New("anything else"), http.StatusInternalServerError},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, StatusForError(c.err), c.err.Error())
	}

	// Wrapped sentinels keep their mapping
	wrapped := fmt.Errorf("%w: owner driver1", ErrNotFound)
	assert.Equal(t, http.StatusNotFound, StatusForError(wrapped))
}

func TestTranslateContextError(t *testing.T) {
	assert.ErrorIs(t, TranslateContextError(context.DeadlineExceeded), ErrTimeout)
	assert.ErrorIs(t, TranslateContextError(context.Canceled), ErrTimeout)

	other := errors.New("unchanged")
	assert.Equal(t, other, TranslateContextError(other))
}
