package protocol

import "encoding/json"

// SessionSummary mirrors a gateway session record. The gateway owns it; the
// local copy is only ever replaced, never merged.
type SessionSummary struct {
	Key           string `json:"key"`
	SessionID     string `json:"sessionId,omitempty"`
	Kind          string `json:"kind,omitempty"`
	Label         string `json:"label,omitempty"`
	Model         string `json:"model,omitempty"`
	Status        string `json:"status,omitempty"`
	InputTokens   int64  `json:"inputTokens,omitempty"`
	OutputTokens  int64  `json:"outputTokens,omitempty"`
	TotalTokens   int64  `json:"totalTokens,omitempty"`
	ContextTokens int64  `json:"contextTokens,omitempty"`
	CreatedAt     int64  `json:"createdAt,omitempty"`
	UpdatedAt     int64  `json:"updatedAt,omitempty"`
}

// SessionsListParams is the "sessions.list" request.
type SessionsListParams struct {
	Limit         int  `json:"limit,omitempty"`
	ActiveMinutes int  `json:"activeMinutes,omitempty"`
	IncludeGlobal bool `json:"includeGlobal,omitempty"`
}

// SessionsListResult is the "sessions.list" response payload.
type SessionsListResult struct {
	Sessions []SessionSummary `json:"sessions"`
	Count    int              `json:"count,omitempty"`
	TS       int64            `json:"ts,omitempty"`
}

// SessionsPreviewParams is the "sessions.preview" request.
type SessionsPreviewParams struct {
	Keys  []string `json:"keys"`
	Limit int      `json:"limit,omitempty"`
}

// SessionPreview is a short transcript tail for one session.
type SessionPreview struct {
	Key    string        `json:"key"`
	Status string        `json:"status,omitempty"`
	Items  []PreviewItem `json:"items"`
}

// PreviewItem is a single line of a session preview.
type PreviewItem struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// SessionsPreviewResult is the "sessions.preview" response payload.
type SessionsPreviewResult struct {
	Previews []SessionPreview `json:"previews"`
	TS       int64            `json:"ts,omitempty"`
}

// SessionKeyParams is used by methods that only take a session key
// (sessions.reset, sessions.compact).
type SessionKeyParams struct {
	Key string `json:"key"`
}

// SessionPatch is the "sessions.patch" request: the key plus arbitrary
// updates flattened next to it.
type SessionPatch struct {
	Key     string
	Updates map[string]any
}

// MarshalJSON flattens updates alongside the key.
func (p SessionPatch) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Updates)+1)
	for k, v := range p.Updates {
		out[k] = v
	}
	out["key"] = p.Key
	return json.Marshal(out)
}

// EventSessions is pushed when sessions are created, updated or removed.
const EventSessions = "sessions"

// SessionsEvent is the payload of EventSessions. A full list replaces the
// local copy; an event naming only Key asks the client to pull again.
type SessionsEvent struct {
	Key      string           `json:"key,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Sessions []SessionSummary `json:"sessions"`
	TS       int64            `json:"ts,omitempty"`
}

// HasList reports whether the event carries the full session list.
func (e SessionsEvent) HasList() bool { return e.Sessions != nil }
