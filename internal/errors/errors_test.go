package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{PL_VALIDATION, http.StatusBadRequest},
		{PL_UNKNOWN_BACKEND, http.StatusBadRequest},
		{PL_AUTHN, http.StatusUnauthorized},
		{PL_NOT_FOUND, http.StatusNotFound},
		{PL_BUSY, http.StatusConflict},
		{PL_RATE_LIMIT, http.StatusTooManyRequests},
		{PL_TIMEOUT, http.StatusGatewayTimeout},
		{PL_GENERATION_FAILED, http.StatusBadGateway},
		{PL_CAPACITY_INVARIANT, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.code, "x", "").HTTPStatus)
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, New(PL_TIMEOUT, "", "").Retryable())
	assert.True(t, New(PL_NETWORK, "", "").Retryable())
	assert.True(t, New(PL_HTTP_STATUS, "", "").Retryable())
	assert.False(t, New(PL_DECODE, "", "").Retryable())
	assert.False(t, New(PL_EMPTY_PAYLOAD, "", "").Retryable())
	assert.False(t, New(PL_UNKNOWN_BACKEND, "", "").Retryable())
}

func TestWrapChain(t *testing.T) {
	root := stderrors.New("connection reset")
	err := fmt.Errorf("image 2: %w", Wrap(PL_NETWORK, "backend unreachable", root))

	assert.ErrorIs(t, err, root)
	assert.ErrorIs(t, err, New(PL_NETWORK, "", ""))
	assert.Equal(t, PL_NETWORK, CodeOf(err))

	e, ok := As(err)
	require.True(t, ok)
	assert.Contains(t, e.Error(), "connection reset")
	assert.Equal(t, PL_INTERNAL, CodeOf(stderrors.New("plain")))
}
