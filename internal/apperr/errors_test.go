package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := ErrInsufficientStock.Withf("Not enough stock for %s", "Linen Shirt")
	wrapped := fmt.Errorf("checkout: %w", err)

	assert.True(t, errors.Is(wrapped, ErrInsufficientStock))
	assert.False(t, errors.Is(wrapped, ErrEmptyCart))
	assert.Equal(t, "Not enough stock", ErrInsufficientStock.Message, "sentinel must not be mutated")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrEmptyCart, http.StatusBadRequest},
		{ErrOrderNotFound, http.StatusNotFound},
		{ErrCancellationDisabled, http.StatusForbidden},
		{ErrSignatureMismatch, http.StatusBadRequest},
		{ErrInvalidTransition, http.StatusConflict},
		{ErrGatewayUnavailable, http.StatusBadGateway},
		{errors.New("pq: connection refused"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestFieldsHidesInternalText(t *testing.T) {
	fields := Fields(errors.New("pq: relation \"orders\" does not exist"))
	assert.NotContains(t, fields["non_field_errors"], "pq")

	fields = Fields(ErrCouponExpired)
	assert.Equal(t, map[string]string{"coupon_code": "Coupon expired"}, fields)
}
