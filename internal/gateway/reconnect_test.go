package gateway

import (
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func TestReconnectDelays(t *testing.T) {
	got := ReconnectDelays(time.Second, 30*time.Second, 8)
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	assert.Equal(t, want, got)
}

func TestReconnectPolicy_Reset(t *testing.T) {
	p := newReconnectPolicy(time.Second, 30*time.Second)
	p.next()
	p.next()
	attempt, d := p.next()
	assert.Equal(t, 3, attempt)
	assert.Equal(t, 4*time.Second, d)

	p.reset()
	attempt, d = p.next()
	assert.Equal(t, 1, attempt)
	assert.Equal(t, time.Second, d)
}

func TestCloseCode(t *testing.T) {
	assert.Equal(t, 1008, closeCode(&websocket.CloseError{Code: 1008}))
	assert.Equal(t, websocket.CloseAbnormalClosure, closeCode(io.ErrUnexpectedEOF))
	assert.Equal(t, websocket.CloseAbnormalClosure, closeCode(errors.New("read tcp: reset")))
}

func TestIsTerminalClose(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{websocket.CloseNormalClosure, false},
		{websocket.CloseGoingAway, false},
		{websocket.CloseProtocolError, true},
		{websocket.CloseAbnormalClosure, false},
		{websocket.ClosePolicyViolation, true},
		{websocket.CloseInternalServerErr, false},
		{CloseEndpointNotFound, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isTerminalClose(tt.code), "code %d", tt.code)
	}
}

func TestIsTerminalDial(t *testing.T) {
	assert.False(t, isTerminalDial(nil))
	assert.True(t, isTerminalDial(&http.Response{StatusCode: http.StatusNotFound}))
	assert.True(t, isTerminalDial(&http.Response{StatusCode: http.StatusGone}))
	assert.True(t, isTerminalDial(&http.Response{StatusCode: http.StatusUpgradeRequired}))
	assert.False(t, isTerminalDial(&http.Response{StatusCode: http.StatusServiceUnavailable}))
	assert.False(t, isTerminalDial(&http.Response{StatusCode: http.StatusUnauthorized}))
}
