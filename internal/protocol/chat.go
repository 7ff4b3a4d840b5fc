package protocol

import (
	"encoding/json"
	"strings"
)

// Gateway methods used by this client.
const (
	MethodConnect         = "connect"
	MethodSessionsList    = "sessions.list"
	MethodSessionsPreview = "sessions.preview"
	MethodSessionsReset   = "sessions.reset"
	MethodSessionsCompact = "sessions.compact"
	MethodSessionsPatch   = "sessions.patch"
	MethodChatSend        = "chat.send"
	MethodChatAbort       = "chat.abort"
)

// EventChat is the wire event carrying chat run progress.
const EventChat = "chat"

// Chat states as sent by the gateway.
const (
	ChatStateStarted = "started"
	ChatStateDelta   = "delta"
	ChatStateFinal   = "final"
	ChatStateError   = "error"
)

// ConnectParams is sent as the "connect" handshake request.
type ConnectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      ConnectClient `json:"client"`
	Auth        *ConnectAuth  `json:"auth,omitempty"`
	Role        string        `json:"role,omitempty"`
	Scopes      []string      `json:"scopes,omitempty"`
	Caps        []string      `json:"caps"`
}

// ConnectClient identifies this client to the gateway.
type ConnectClient struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// ConnectAuth carries the bearer credential.
type ConnectAuth struct {
	Token string `json:"token,omitempty"`
}

// ChatSendParams is the "chat.send" request.
type ChatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// ChatSendResult is the "chat.send" response payload.
type ChatSendResult struct {
	RunID      string `json:"runId"`
	Status     string `json:"status"`
	AcceptedAt int64  `json:"acceptedAt,omitempty"`
}

// ChatAbortParams is the "chat.abort" request.
type ChatAbortParams struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId,omitempty"`
}

// ChatEvent is the payload of the "chat" event.
type ChatEvent struct {
	RunID        string       `json:"runId"`
	SessionKey   string       `json:"sessionKey"`
	Seq          int64        `json:"seq,omitempty"`
	State        string       `json:"state"`
	Delta        string       `json:"delta,omitempty"`
	Message      *ChatMessage `json:"message,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// ChatMessage is a message as the gateway reports it. Content is either a
// plain string or a list of content blocks.
type ChatMessage struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// ContentBlock is one element of a structured message content list.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// NewTextMessage builds a message whose content is a plain string.
func NewTextMessage(role, text string) *ChatMessage {
	raw, _ := json.Marshal(text)
	return &ChatMessage{Role: role, Content: raw}
}

// NewBlockMessage builds a message whose content is a block list.
func NewBlockMessage(role string, blocks ...ContentBlock) *ChatMessage {
	raw, _ := json.Marshal(blocks)
	return &ChatMessage{Role: role, Content: raw}
}

// Text extracts the message text. Plain string content is returned as is;
// for block lists the first textual block wins.
func (m *ChatMessage) Text() string {
	if m == nil || len(m.Content) == 0 {
		return ""
	}
	raw := strings.TrimSpace(string(m.Content))
	if raw == "" || raw == "null" {
		return ""
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(m.Content, &s); err == nil {
			return s
		}
	case '[':
		var blocks []ContentBlock
		if err := json.Unmarshal(m.Content, &blocks); err == nil {
			for _, b := range blocks {
				if (b.Type == "text" || b.Type == "") && b.Text != "" {
					return b.Text
				}
			}
		}
	case '{':
		var b ContentBlock
		if err := json.Unmarshal(m.Content, &b); err == nil {
			return b.Text
		}
	}
	return ""
}
