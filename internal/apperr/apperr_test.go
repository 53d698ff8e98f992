package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs_MatchesByCode(t *testing.T) {
	wrapped := fmt.Errorf("withdraw: %w", ErrInsufficientFunds.Wrap(errors.New("balance 10 < 101")))
	assert.ErrorIs(t, wrapped, ErrInsufficientFunds)
	assert.NotErrorIs(t, wrapped, ErrInvalidAmount)
}

func TestStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrInvalidAmount, http.StatusBadRequest},
		{ErrIdempotencyMismatch, http.StatusUnprocessableEntity},
		{ErrRequestInProgress, http.StatusConflict},
		{ErrWalletNotFound, http.StatusNotFound},
		{ErrForbidden, http.StatusForbidden},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrProviderUnavailable, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Status(tc.err), tc.err.Error())
	}
}

func TestBody_HidesInternalCause(t *testing.T) {
	body := Body(errors.New("pq: relation wallet does not exist"))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, map[string]string{"message": "internal server error", "code": "INTERNAL_ERROR"}, body["error"])

	body = Body(ErrInsufficientFunds.Wrap(errors.New("detail")))
	assert.Equal(t, map[string]string{"message": "insufficient balance", "code": "INSUFFICIENT_BALANCE"}, body["error"])
}
