package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/gatewaylink/internal/errors"
)

func TestEncodeRequest(t *testing.T) {
	data, err := EncodeRequest("req-1", MethodSessionsReset, SessionKeyParams{Key: "main"})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "req", got["type"])
	assert.Equal(t, "req-1", got["id"])
	assert.Equal(t, "sessions.reset", got["method"])
	assert.Equal(t, map[string]any{"key": "main"}, got["params"])
}

func TestEncodeRequest_RawParamsPassThrough(t *testing.T) {
	data, err := EncodeRequest("req-2", MethodSessionsList, json.RawMessage(`{"limit":5}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"req","id":"req-2","method":"sessions.list","params":{"limit":5}}`, string(data))
}

func TestEncodeRequest_NilParamsOmitted(t *testing.T) {
	data, err := EncodeRequest("req-3", MethodSessionsList, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"req","id":"req-3","method":"sessions.list"}`, string(data))
}

func TestDecode_Response(t *testing.T) {
	f, err := Decode([]byte(`{"type":"res","id":"a","ok":true,"payload":{"runId":"r1"}}`))
	require.NoError(t, err)
	require.NotNil(t, f.Response)
	assert.Nil(t, f.Event)
	assert.Equal(t, "a", f.Response.ID)
	assert.True(t, f.Response.OK)
	assert.JSONEq(t, `{"runId":"r1"}`, string(f.Response.Payload))
}

func TestDecode_ErrorResponse(t *testing.T) {
	f, err := Decode([]byte(`{"type":"res","id":"b","ok":false,"error":{"code":"UNAUTHORIZED","message":"invalid token"}}`))
	require.NoError(t, err)
	require.NotNil(t, f.Response)
	assert.False(t, f.Response.OK)

	remote := f.Response.Error.RemoteError("connect")
	assert.Equal(t, "UNAUTHORIZED", remote.Code)
	assert.Equal(t, "invalid token", remote.Message)
}

func TestDecode_MissingOKIsFailure(t *testing.T) {
	f, err := Decode([]byte(`{"type":"res","id":"c"}`))
	require.NoError(t, err)
	assert.False(t, f.Response.OK)
}

func TestDecode_Event(t *testing.T) {
	f, err := Decode([]byte(`{"type":"event","event":"chat","payload":{"state":"delta"},"seq":7}`))
	require.NoError(t, err)
	require.NotNil(t, f.Event)
	assert.Equal(t, "chat", f.Event.Event)
	assert.Equal(t, int64(7), f.Event.Seq)
}

func TestDecode_Invalid(t *testing.T) {
	inputs := []string{
		`not json`,
		`{"type":"req","id":"x","method":"connect"}`,
		`{"type":"res"}`,
		`{"type":"event"}`,
		`{"foo":"bar"}`,
	}
	for _, in := range inputs {
		_, err := Decode([]byte(in))
		assert.ErrorIs(t, err, perrors.ErrInvalidFrame, in)
	}
}

func TestDecodeResponse_RejectsEvent(t *testing.T) {
	_, err := DecodeResponse([]byte(`{"type":"event","event":"tick"}`))
	assert.ErrorIs(t, err, perrors.ErrInvalidFrame)
}

func TestErrorShape_NilDefaults(t *testing.T) {
	var e *ErrorShape
	remote := e.RemoteError("chat.send")
	assert.Equal(t, "chat.send", remote.Method)
	assert.Equal(t, "request failed", remote.Message)
}

func TestChatMessage_Text(t *testing.T) {
	tests := []struct {
		name string
		msg  *ChatMessage
		want string
	}{
		{"nil", nil, ""},
		{"plain string", NewTextMessage("assistant", "Hello"), "Hello"},
		{"blocks first text wins", NewBlockMessage("assistant",
			ContentBlock{Type: "thinking"},
			ContentBlock{Type: "text", Text: "first"},
			ContentBlock{Type: "text", Text: "second"},
		), "first"},
		{"empty content", &ChatMessage{Role: "assistant"}, ""},
		{"null content", &ChatMessage{Role: "assistant", Content: json.RawMessage(`null`)}, ""},
		{"single block object", &ChatMessage{Content: json.RawMessage(`{"type":"text","text":"obj"}`)}, "obj"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.Text())
		})
	}
}

func TestSessionPatch_MarshalFlattens(t *testing.T) {
	data, err := json.Marshal(SessionPatch{Key: "main", Updates: map[string]any{"model": "opus", "key": "ignored"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"main","model":"opus"}`, string(data))
}

func TestSessionsEvent_HasList(t *testing.T) {
	var keyed SessionsEvent
	require.NoError(t, json.Unmarshal([]byte(`{"key":"main","reason":"updated"}`), &keyed))
	assert.False(t, keyed.HasList())

	var full SessionsEvent
	require.NoError(t, json.Unmarshal([]byte(`{"sessions":[],"ts":5}`), &full))
	assert.True(t, full.HasList())
	assert.Equal(t, int64(5), full.TS)
}
