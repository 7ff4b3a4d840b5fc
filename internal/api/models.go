package api

import (
	"time"

	"github.com/p-blackswan/gatewaylink/internal/health"
	"github.com/p-blackswan/gatewaylink/internal/protocol"
	"github.com/p-blackswan/gatewaylink/internal/state"
)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Code     string `json:"code,omitempty"`
}

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Status          string                   `json:"status"`
	Attempt         int                      `json:"attempt"`
	Pending         int                      `json:"pending"`
	NextReconnectMs int64                    `json:"nextReconnectMs,omitempty"`
	Terminal        bool                     `json:"terminal"`
	Fallback        bool                     `json:"fallback"`
	SessionsPulled  *time.Time               `json:"sessionsPulledAt,omitempty"`
	Checks          map[string]health.Status `json:"checks,omitempty"`
	Uptime          string                   `json:"uptime"`
}

// SessionsResponse is returned by GET /api/v1/sessions.
type SessionsResponse struct {
	Sessions []protocol.SessionSummary `json:"sessions"`
	Count    int                       `json:"count"`
	PulledAt *time.Time                `json:"pulledAt,omitempty"`
}

// PreviewRequest is the body of POST /api/v1/sessions/preview.
type PreviewRequest struct {
	Keys  []string `json:"keys"`
	Limit int      `json:"limit,omitempty"`
}

// SendRequest is the body of POST /api/v1/chats/:key/send.
type SendRequest struct {
	Text     string `json:"text"`
	ClientID string `json:"clientId,omitempty"`
}

// SendResponse acknowledges an accepted chat message.
type SendResponse struct {
	RunID    string `json:"runId"`
	Status   string `json:"status,omitempty"`
	ClientID string `json:"clientId"`
}

// AbortRequest is the optional body of POST /api/v1/chats/:key/abort.
type AbortRequest struct {
	RunID string `json:"runId,omitempty"`
}

// ChatResponse is returned by GET /api/v1/chats/:key.
type ChatResponse struct {
	state.ChatView
	ActiveRun *RunInfo `json:"activeRun,omitempty"`
}

// RunInfo describes the run a chat is currently streaming.
type RunInfo struct {
	ID    string `json:"id,omitempty"`
	Phase string `json:"phase"`
}
