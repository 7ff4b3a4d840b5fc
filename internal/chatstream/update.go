package chatstream

import (
	"encoding/json"
	"fmt"

	perrors "github.com/p-blackswan/gatewaylink/internal/errors"
	"github.com/p-blackswan/gatewaylink/internal/protocol"
)

// Derived events published by the Interpreter. Every payload is an Update.
const (
	EventTypingStart = "chat.typing.start"
	EventDelta       = "chat.delta"
	EventTypingEnd   = "chat.typing.end"
	EventMessage     = "chat.message"
	EventError       = "chat.error"
)

// Update is the payload of every derived chat event.
type Update struct {
	SessionKey string
	RunID      string
	Seq        int64

	// Text is the new fragment for chat.delta and the full text for
	// chat.message.
	Text string
	// Content is everything streamed for the run so far.
	Content string

	Message *protocol.ChatMessage
	Error   string

	// Foreign is set for final and error events of runs this client does
	// not own.
	Foreign bool
	// Aborted is set on the chat.typing.end emitted by a local abort.
	Aborted bool
}

// Header carries the fields shared by every chat stream event.
type Header struct {
	RunID      string
	SessionKey string
	Seq        int64
}

// Event is one decoded "chat" wire event: Started, Delta, Final or Failed.
type Event interface {
	Head() Header
	sealed()
}

// Started opens a run.
type Started struct{ Header }

// Delta carries a content fragment. Cumulative is set when the text came
// from the message content rather than the delta field, in which case it
// may repeat what was already streamed.
type Delta struct {
	Header
	Text       string
	Cumulative bool
}

// Final closes a run, optionally with the complete message.
type Final struct {
	Header
	Message *protocol.ChatMessage
}

// Failed closes a run with an error.
type Failed struct {
	Header
	Message string
}

func (e Started) Head() Header { return e.Header }
func (e Delta) Head() Header   { return e.Header }
func (e Final) Head() Header   { return e.Header }
func (e Failed) Head() Header  { return e.Header }

func (Started) sealed() {}
func (Delta) sealed()   {}
func (Final) sealed()   {}
func (Failed) sealed()  {}

// Decode parses a "chat" event payload.
func Decode(raw []byte) (Event, error) {
	var ev protocol.ChatEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: chat event: %v", perrors.ErrInvalidFrame, err)
	}
	h := Header{RunID: ev.RunID, SessionKey: ev.SessionKey, Seq: ev.Seq}

	switch ev.State {
	case protocol.ChatStateStarted:
		return Started{Header: h}, nil
	case protocol.ChatStateDelta:
		if ev.Delta != "" {
			return Delta{Header: h, Text: ev.Delta}, nil
		}
		return Delta{Header: h, Text: ev.Message.Text(), Cumulative: true}, nil
	case protocol.ChatStateFinal:
		return Final{Header: h, Message: ev.Message}, nil
	case protocol.ChatStateError:
		msg := ev.ErrorMessage
		if msg == "" {
			msg = "chat run failed"
		}
		return Failed{Header: h, Message: msg}, nil
	}
	return nil, fmt.Errorf("%w: unknown chat state %q", perrors.ErrInvalidFrame, ev.State)
}
