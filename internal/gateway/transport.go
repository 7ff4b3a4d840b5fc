package gateway

import (
	"context"
	"encoding/json"
)

// Transport carries one RPC to the gateway. *Conn is the duplex transport and
// *HTTPTransport the request/response fallback.
type Transport interface {
	Name() string
	Available() bool
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

var (
	_ Transport = (*Conn)(nil)
	_ Transport = (*HTTPTransport)(nil)
)
