package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// Close codes after which the client stops reconnecting on its own.
const (
	CloseEndpointNotFound = 4404
)

// reconnectPolicy yields base * 2^(attempt-1) capped at max, without jitter.
type reconnectPolicy struct {
	bo      *backoff.ExponentialBackOff
	attempt int
}

func newReconnectPolicy(base, max time.Duration) *reconnectPolicy {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &reconnectPolicy{bo: bo}
}

// next advances the attempt counter and returns it with its delay.
func (p *reconnectPolicy) next() (int, time.Duration) {
	p.attempt++
	return p.attempt, p.bo.NextBackOff()
}

func (p *reconnectPolicy) reset() {
	p.attempt = 0
	p.bo.Reset()
}

// ReconnectDelays returns the first n delays of the reconnect schedule.
func ReconnectDelays(base, max time.Duration, n int) []time.Duration {
	p := newReconnectPolicy(base, max)
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		_, d := p.next()
		out = append(out, d)
	}
	return out
}

// closeCode extracts the WebSocket close code from a read error. Anything
// that is not a close frame counts as an abnormal closure.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

// isTerminalClose reports close codes that mean retrying cannot help.
func isTerminalClose(code int) bool {
	switch code {
	case websocket.CloseProtocolError, websocket.ClosePolicyViolation, CloseEndpointNotFound:
		return true
	}
	return false
}

// isTerminalDial reports upgrade responses that mean the endpoint does not
// exist or refuses this protocol.
func isTerminalDial(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone, http.StatusUpgradeRequired:
		return true
	}
	return false
}
