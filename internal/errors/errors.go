// Package errors provides the error taxonomy for gateway calls.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrNotConnected    = errors.New("not connected to gateway")
	ErrTimeout         = errors.New("request timed out")
	ErrDisconnected    = errors.New("gateway connection lost")
	ErrHandshakeFailed = errors.New("gateway handshake failed")
	ErrInvalidFrame    = errors.New("invalid gateway frame")
	ErrInvalidInput    = errors.New("invalid input")

	// ErrTransportUnavailable is reported when neither the duplex channel
	// nor the fallback transport can serve a call.
	ErrTransportUnavailable = ErrNotConnected
)

// RemoteError is an explicit error payload returned by the gateway.
type RemoteError struct {
	Method       string
	Code         string
	Message      string
	Retryable    bool
	RetryAfterMs int
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s failed: %s (%s)", e.Method, e.Message, e.Code)
	}
	return fmt.Sprintf("gateway %s failed: %s", e.Method, e.Message)
}

// TransportError is a network-level failure from either transport.
type TransportError struct {
	Transport  string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s transport error (status %d): %s: %v", e.Transport, e.StatusCode, e.Message, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s transport error (status %d): %s", e.Transport, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s transport error: %s: %v", e.Transport, e.Message, e.Err)
	}
	return fmt.Sprintf("%s transport error: %s", e.Transport, e.Message)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError creates a transport error for a failed HTTP status.
func NewTransportError(transport string, statusCode int, message string) *TransportError {
	return &TransportError{Transport: transport, StatusCode: statusCode, Message: message}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Retryable
	}
	var te *TransportError
	if errors.As(err, &te) {
		switch te.StatusCode {
		case 0, 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	return errors.Is(err, ErrTimeout)
}

// IsTransport reports whether err is a network-level failure rather than an
// answer from the gateway.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
