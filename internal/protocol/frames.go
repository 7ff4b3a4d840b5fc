// Package protocol defines the wire format spoken with the agent gateway:
// request, response and event envelopes plus the payloads this client uses.
package protocol

import (
	"encoding/json"
	"fmt"

	perrors "github.com/p-blackswan/gatewaylink/internal/errors"
)

// Protocol version range offered in the connect handshake.
const (
	MinProtocol = 3
	MaxProtocol = 3
)

// Frame types.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Request is sent by the client to invoke a gateway method.
type Request struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request with the same ID.
type Response struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// Event is pushed by the gateway without a preceding request.
type Event struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// ErrorShape is the error object carried by a failed Response.
type ErrorShape struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int    `json:"retryAfterMs,omitempty"`
}

// RemoteError converts the shape into the caller-facing error.
func (e *ErrorShape) RemoteError(method string) *perrors.RemoteError {
	if e == nil {
		return &perrors.RemoteError{Method: method, Message: "request failed"}
	}
	msg := e.Message
	if msg == "" {
		msg = "request failed"
	}
	return &perrors.RemoteError{
		Method:       method,
		Code:         e.Code,
		Message:      msg,
		Retryable:    e.Retryable,
		RetryAfterMs: e.RetryAfterMs,
	}
}

// Frame is a decoded inbound frame: exactly one of Response or Event is set.
type Frame struct {
	Response *Response
	Event    *Event
}

// envelope is the union of all fields used to sniff and decode a frame.
type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// NewRequest builds a request envelope, marshaling params when they are not
// already raw JSON.
func NewRequest(id, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s params: %w", method, err)
	}
	return &Request{Type: FrameTypeRequest, ID: id, Method: method, Params: raw}, nil
}

// EncodeRequest marshals a request envelope for the wire.
func EncodeRequest(id, method string, params any) ([]byte, error) {
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(req)
}

// Decode parses an inbound frame. Requests are not expected from the gateway
// and are reported as invalid along with any malformed input.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", perrors.ErrInvalidFrame, err)
	}

	switch env.Type {
	case FrameTypeResponse:
		if env.ID == "" {
			return Frame{}, fmt.Errorf("%w: response without id", perrors.ErrInvalidFrame)
		}
		ok := env.OK != nil && *env.OK
		return Frame{Response: &Response{
			Type:    env.Type,
			ID:      env.ID,
			OK:      ok,
			Payload: env.Payload,
			Error:   env.Error,
		}}, nil
	case FrameTypeEvent:
		if env.Event == "" {
			return Frame{}, fmt.Errorf("%w: event without name", perrors.ErrInvalidFrame)
		}
		return Frame{Event: &Event{
			Type:    env.Type,
			Event:   env.Event,
			Payload: env.Payload,
			Seq:     env.Seq,
		}}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unexpected type %q", perrors.ErrInvalidFrame, env.Type)
	}
}

// DecodeResponse parses a bare response body, as returned by the HTTP
// fallback endpoint.
func DecodeResponse(data []byte) (*Response, error) {
	f, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if f.Response == nil {
		return nil, fmt.Errorf("%w: expected response", perrors.ErrInvalidFrame)
	}
	return f.Response, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	return json.Marshal(params)
}
