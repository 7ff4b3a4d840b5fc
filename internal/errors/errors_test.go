package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemoteError_Error(t *testing.T) {
	err := &RemoteError{Method: "sessions.reset", Code: "NOT_FOUND", Message: "no such session"}
	assert.Equal(t, "gateway sessions.reset failed: no such session (NOT_FOUND)", err.Error())

	err = &RemoteError{Method: "chat.send", Message: "busy"}
	assert.Equal(t, "gateway chat.send failed: busy", err.Error())
}

func TestTransportError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := &TransportError{Transport: "http", Message: "post /rpc", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestTransportError_StatusOnly(t *testing.T) {
	err := NewTransportError("http", 503, "Service Unavailable")
	assert.Equal(t, "http transport error (status 503): Service Unavailable", err.Error())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", ErrTimeout, true},
		{"wrapped timeout", fmt.Errorf("sessions.list: %w", ErrTimeout), true},
		{"network", &TransportError{Transport: "http", Err: errors.New("reset")}, true},
		{"503", NewTransportError("http", 503, "unavailable"), true},
		{"429", NewTransportError("http", 429, "slow down"), true},
		{"401", NewTransportError("http", 401, "unauthorized"), false},
		{"remote not retryable", &RemoteError{Method: "x", Message: "bad"}, false},
		{"remote retryable", &RemoteError{Method: "x", Message: "busy", Retryable: true}, true},
		{"not connected", ErrNotConnected, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestTransportUnavailableAlias(t *testing.T) {
	assert.ErrorIs(t, fmt.Errorf("call: %w", ErrNotConnected), ErrTransportUnavailable)
}

func TestIsTransport(t *testing.T) {
	assert.True(t, IsTransport(fmt.Errorf("x: %w", &TransportError{Transport: "ws"})))
	assert.False(t, IsTransport(&RemoteError{Method: "x"}))
}
