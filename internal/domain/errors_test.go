package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Conn.Send", ErrInvalidState, "conn 01J")
	want := "Conn.Send: conn 01J: invalid connection state"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Store.Poll", ErrStoreUnavailable, "")
	want := "Store.Poll: notification store unavailable"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Dispatcher.deliver", ErrSessionExpired, "sid")
	if !errors.Is(err, ErrSessionExpired) {
		t.Error("errors.Is should match ErrSessionExpired")
	}
}

func TestWrapOp(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))

	err := WrapOp("ReadFrame", ErrProtocol)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, "ReadFrame: websocket protocol error", err.Error())
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(fmt.Errorf("sqlite busy: %w", ErrTransient)))
	assert.False(t, IsRetryableError(ErrSessionExpired))
	assert.False(t, IsRetryableError(NewDomainError("Store.Poll", ErrStoreUnavailable, "breaker open")))
	assert.False(t, IsRetryableError(nil))
}

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, CodeUnknown},
		{"direct", ErrRateLimit, CodeRateLimit},
		{"domain error", NewDomainError("op", ErrBadRequest, "missing Host"), CodeBadRequest},
		{"wrapped", fmt.Errorf("ctx: %w", ErrUpgradeRequired), CodeUpgradeRequired},
		{"unknown", errors.New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCodeOf(tt.err))
		})
	}
}

func TestDomainErrorCode(t *testing.T) {
	err := NewDomainError("Gateway.peek", ErrSessionNotFound, "")
	assert.Equal(t, CodeSessionNotFound, err.Code())
}
