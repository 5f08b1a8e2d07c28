package x402

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaymentErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("request: %w", NewPaymentError(KindPriceExceeded, ErrCodePriceExceeded, "too expensive", nil))

	assert.ErrorIs(t, err, ErrPriceExceeded)
	assert.NotErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, KindPriceExceeded, KindOf(err))
}

func TestPaymentErrorUnwrap(t *testing.T) {
	cause := errors.New("rpc down")
	err := WrapError(KindNetworkError, ErrCodeNetwork, "submit failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "network_error: submit failed: rpc down", err.Error())
	assert.True(t, err.Retryable())
}

func TestAsPaymentError(t *testing.T) {
	assert.Nil(t, AsPaymentError(nil))

	timeout := AsPaymentError(fmt.Errorf("get: %w", context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, timeout.Kind)

	netErr := AsPaymentError(&net.OpError{Op: "dial", Err: errors.New("connection refused")})
	assert.Equal(t, KindNetworkError, netErr.Kind)

	plain := errors.New("weird")
	unknown := AsPaymentError(plain)
	assert.Equal(t, KindUnknown, unknown.Kind)
	assert.ErrorIs(t, unknown, plain)

	typed := NewPaymentError(KindSignatureFailed, ErrCodeSignatureFailed, "bad key", nil)
	assert.Same(t, typed, AsPaymentError(typed))
}

func TestErrorDetails(t *testing.T) {
	err := InvalidInput("bad %s", "value").WithDetail("field", "amount").WithStatus(400)

	assert.Equal(t, KindInvalidInput, err.Kind)
	assert.Equal(t, "bad value", err.Message)
	assert.Equal(t, "amount", err.Details["field"])
	assert.Equal(t, 400, err.Status)
	assert.False(t, err.Retryable())
}
