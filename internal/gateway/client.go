package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/gatewaylink/internal/errors"
	"github.com/p-blackswan/gatewaylink/internal/metrics"
	"github.com/p-blackswan/gatewaylink/internal/protocol"
	"github.com/p-blackswan/gatewaylink/internal/requestid"
)

// RunTracker is told which chat run a session currently owns so that stream
// events from other runs can be told apart.
type RunTracker interface {
	// Expect marks sessionKey as about to start a run.
	Expect(sessionKey string)
	// Begin records runID as the active run of sessionKey.
	Begin(sessionKey, runID string)
	// Cancel withdraws an Expect whose send failed.
	Cancel(sessionKey string)
	// Clear forgets the active run and typing state of sessionKey.
	Clear(sessionKey string)
}

// Client is the single RPC entry point for consumers. It uses the duplex
// connection when it is up and the fallback transport otherwise.
type Client struct {
	conn     *Conn
	fallback Transport
	tracker  RunTracker
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewClient wires a client over conn with an optional fallback.
func NewClient(conn *Conn, fallback Transport, logger zerolog.Logger) *Client {
	return &Client{
		conn:     conn,
		fallback: fallback,
		logger:   logger.With().Str("component", "gateway-client").Logger(),
	}
}

// SetRunTracker attaches the chat run tracker.
func (c *Client) SetRunTracker(t RunTracker) { c.tracker = t }

// SetMetrics attaches a metrics collector.
func (c *Client) SetMetrics(m *metrics.Metrics) { c.metrics = m }

// Conn returns the underlying duplex connection.
func (c *Client) Conn() *Conn { return c.conn }

// FallbackAvailable reports whether calls can be served without the channel.
func (c *Client) FallbackAvailable() bool {
	return c.fallback != nil && c.fallback.Available()
}

// Call invokes method on the gateway and returns the raw payload.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if method == protocol.MethodChatAbort {
		key := abortSessionKey(params)
		defer c.clearRun(key)
		payload, err := c.call(ctx, method, params)
		if err != nil {
			reqLog := requestid.Logger(ctx, c.logger)
			reqLog.Warn().Err(err).Str("session", key).Msg("chat abort failed, local run state cleared")
		}
		return payload, err
	}
	return c.call(ctx, method, params)
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.conn != nil && c.conn.Available() {
		payload, err := c.conn.Call(ctx, method, params)
		if err == nil || !errors.Is(err, perrors.ErrNotConnected) {
			return payload, err
		}
		// The channel dropped between the status check and the send.
	}
	return c.callFallback(ctx, method, params)
}

func (c *Client) callFallback(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !c.FallbackAvailable() {
		c.metrics.RecordError("client", "unavailable")
		return nil, fmt.Errorf("%s: %w", method, perrors.ErrTransportUnavailable)
	}

	reqLog := requestid.Logger(ctx, c.logger)
	reqLog.Debug().Str("method", method).Str("transport", c.fallback.Name()).Msg("channel down, using fallback")

	payload, err := c.fallback.Call(ctx, method, params)
	if err != nil && perrors.IsTransport(err) {
		return nil, fmt.Errorf("%s via %s: %w: %w", method, c.fallback.Name(), perrors.ErrNotConnected, err)
	}
	return payload, err
}

func (c *Client) clearRun(sessionKey string) {
	if c.tracker != nil && sessionKey != "" {
		c.tracker.Clear(sessionKey)
	}
}

func (c *Client) cancelRun(sessionKey string) {
	if c.tracker != nil {
		c.tracker.Cancel(sessionKey)
	}
}

// ListSessions pulls the session list.
func (c *Client) ListSessions(ctx context.Context, params protocol.SessionsListParams) (*protocol.SessionsListResult, error) {
	raw, err := c.Call(ctx, protocol.MethodSessionsList, params)
	if err != nil {
		return nil, err
	}
	return decodePayload[protocol.SessionsListResult](protocol.MethodSessionsList, raw)
}

// PreviewSessions fetches recent transcript items for keys.
func (c *Client) PreviewSessions(ctx context.Context, keys []string, limit int) (*protocol.SessionsPreviewResult, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no session keys", perrors.ErrInvalidInput)
	}
	raw, err := c.Call(ctx, protocol.MethodSessionsPreview, protocol.SessionsPreviewParams{Keys: keys, Limit: limit})
	if err != nil {
		return nil, err
	}
	return decodePayload[protocol.SessionsPreviewResult](protocol.MethodSessionsPreview, raw)
}

// ResetSession clears the transcript of a session.
func (c *Client) ResetSession(ctx context.Context, key string) error {
	return c.keyed(ctx, protocol.MethodSessionsReset, key)
}

// CompactSession asks the gateway to summarize and shrink a session.
func (c *Client) CompactSession(ctx context.Context, key string) error {
	return c.keyed(ctx, protocol.MethodSessionsCompact, key)
}

// PatchSession applies updates to a session's settings.
func (c *Client) PatchSession(ctx context.Context, key string, updates map[string]any) error {
	if key == "" {
		return fmt.Errorf("%w: empty session key", perrors.ErrInvalidInput)
	}
	_, err := c.Call(ctx, protocol.MethodSessionsPatch, protocol.SessionPatch{Key: key, Updates: updates})
	return err
}

func (c *Client) keyed(ctx context.Context, method, key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty session key", perrors.ErrInvalidInput)
	}
	_, err := c.Call(ctx, method, protocol.SessionKeyParams{Key: key})
	return err
}

// SendChat posts a user message to a session and returns the accepted run.
// The idempotency key is minted once per call; a send interrupted by a
// dropped channel is repeated over the fallback with the same key.
func (c *Client) SendChat(ctx context.Context, sessionKey, text string) (*protocol.ChatSendResult, error) {
	if sessionKey == "" {
		return nil, fmt.Errorf("%w: empty session key", perrors.ErrInvalidInput)
	}

	params := protocol.ChatSendParams{
		SessionKey:     sessionKey,
		Message:        text,
		IdempotencyKey: uuid.New().String(),
	}

	if c.tracker != nil {
		c.tracker.Expect(sessionKey)
	}

	start := time.Now()
	raw, err := c.Call(ctx, protocol.MethodChatSend, params)
	if err != nil && errors.Is(err, perrors.ErrDisconnected) && c.FallbackAvailable() {
		reqLog := requestid.Logger(ctx, c.logger)
		reqLog.Warn().Err(err).Str("session", sessionKey).Msg("channel lost during chat.send, retrying over fallback")
		raw, err = c.callFallback(ctx, protocol.MethodChatSend, params)
	}
	if err != nil {
		c.cancelRun(sessionKey)
		return nil, err
	}

	res, err := decodePayload[protocol.ChatSendResult](protocol.MethodChatSend, raw)
	if err != nil {
		c.cancelRun(sessionKey)
		return nil, err
	}
	if c.tracker != nil && res.RunID != "" {
		c.tracker.Begin(sessionKey, res.RunID)
	}

	reqLog := requestid.Logger(ctx, c.logger)
	reqLog.Info().
		Str("session", sessionKey).
		Str("runId", res.RunID).
		Dur("took", time.Since(start)).
		Msg("chat message accepted")
	return res, nil
}

// AbortChat stops the running reply in a session. Local typing state is
// cleared even when the gateway call fails.
func (c *Client) AbortChat(ctx context.Context, sessionKey, runID string) error {
	if sessionKey == "" {
		return fmt.Errorf("%w: empty session key", perrors.ErrInvalidInput)
	}
	_, err := c.Call(ctx, protocol.MethodChatAbort, protocol.ChatAbortParams{SessionKey: sessionKey, RunID: runID})
	return err
}

func abortSessionKey(params any) string {
	switch p := params.(type) {
	case protocol.ChatAbortParams:
		return p.SessionKey
	case *protocol.ChatAbortParams:
		if p != nil {
			return p.SessionKey
		}
		return ""
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	var p protocol.ChatAbortParams
	if json.Unmarshal(raw, &p) != nil {
		return ""
	}
	return p.SessionKey
}

func decodePayload[T any](method string, raw json.RawMessage) (*T, error) {
	var out T
	if len(raw) == 0 {
		return &out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w: %v", method, perrors.ErrInvalidFrame, err)
	}
	return &out, nil
}
