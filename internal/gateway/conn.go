// Package gateway maintains the shared duplex channel to the agent gateway:
// connect handshake, request/response correlation, event fan-out, automatic
// reconnection, and the HTTP fallback used while the channel is down.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/gatewaylink/internal/errors"
	"github.com/p-blackswan/gatewaylink/internal/metrics"
	"github.com/p-blackswan/gatewaylink/internal/protocol"
)

// EventStatus is published on the router with a Status payload on every
// connection status change.
const EventStatus = "gateway.status"

// Status is the connection lifecycle state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

var statusNames = []string{"disconnected", "connecting", "connected", "reconnecting"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Config holds gateway connection configuration.
type Config struct {
	// URL is the WebSocket URL, e.g. "ws://localhost:18789/ws/gateway".
	URL string

	// Token is the bearer credential passed in the connect handshake.
	Token string

	// Client identity reported in the handshake.
	ClientID      string
	ClientVersion string
	Platform      string
	Mode          string

	Role   string
	Scopes []string

	// RequestTimeout bounds every correlated request.
	RequestTimeout time.Duration

	// HandshakeTimeout bounds the dial plus the connect request.
	HandshakeTimeout time.Duration

	// ReconnectInterval is the first reconnect delay; it doubles per attempt
	// up to MaxReconnectInterval.
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration

	// PingInterval enables keepalive pings; zero disables them.
	PingInterval time.Duration
	PongTimeout  time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		URL:                  "ws://localhost:18789/ws/gateway",
		ClientID:             "control-ui",
		ClientVersion:        "gatewaylink/1.0",
		Platform:             "linux",
		Mode:                 "ui",
		Role:                 "operator",
		Scopes:               []string{"operator.admin"},
		RequestTimeout:       60 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		ReconnectInterval:    1 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		PingInterval:         30 * time.Second,
		PongTimeout:          10 * time.Second,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.ClientID == "" {
		cfg.ClientID = def.ClientID
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = def.ClientVersion
	}
	if cfg.Platform == "" {
		cfg.Platform = def.Platform
	}
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.MaxReconnectInterval == 0 {
		cfg.MaxReconnectInterval = def.MaxReconnectInterval
	}
	if cfg.PingInterval > 0 && cfg.PongTimeout == 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	return cfg
}

// Stats is a point-in-time view of the connection.
type Stats struct {
	Status        Status
	Attempt       int
	Pending       int
	NextReconnect time.Duration
	Terminal      bool
}

// Conn owns the single physical connection to the gateway. It is the only
// component that reads from or writes to the socket.
type Conn struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	router  *Router
	pending *pendingTable

	mu        sync.Mutex
	ws        *websocket.Conn
	gen       uint64
	status    Status
	policy    *reconnectPolicy
	attempt   int
	timer     *time.Timer
	nextDelay time.Duration
	stopped   bool
	terminal  bool
	queued    []Status

	writeMu  sync.Mutex
	notifyMu sync.Mutex
}

// NewConn creates a disconnected gateway connection. Events are published on
// router; a nil router gets a private one.
func NewConn(cfg Config, router *Router, logger zerolog.Logger) *Conn {
	cfg = cfg.withDefaults()
	if router == nil {
		router = NewRouter(logger)
	}
	c := &Conn{
		cfg:    cfg,
		logger: logger.With().Str("component", "gateway-conn").Logger(),
		router: router,
		policy: newReconnectPolicy(cfg.ReconnectInterval, cfg.MaxReconnectInterval),
	}
	c.pending = newPendingTable(func(n int) { c.metrics.SetPending(n) })
	return c
}

// SetMetrics attaches a metrics collector. Call it before Connect.
func (c *Conn) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Router returns the event router inbound events are published on.
func (c *Conn) Router() *Router { return c.router }

// Name implements Transport.
func (c *Conn) Name() string { return "ws" }

// Available implements Transport: true only after a successful handshake.
func (c *Conn) Available() bool { return c.Status() == StatusConnected }

// Call implements Transport.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.Send(ctx, method, params)
}

// Status returns the current lifecycle state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsConnected returns true if the handshake completed and the socket is open.
func (c *Conn) IsConnected() bool { return c.Status() == StatusConnected }

// Terminal reports whether the last close suppressed automatic reconnects.
func (c *Conn) Terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

// Stats returns a snapshot of the connection state.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Status:        c.status,
		Attempt:       c.attempt,
		Pending:       c.pending.len(),
		NextReconnect: c.nextDelay,
		Terminal:      c.terminal,
	}
}

// OnStatus registers fn for status transitions and returns its unsubscribe.
func (c *Conn) OnStatus(fn func(Status)) func() {
	return c.router.Subscribe(EventStatus, func(_ string, payload any) {
		if s, ok := payload.(Status); ok {
			fn(s)
		}
	})
}

// Connect opens the channel and completes the handshake. It is a no-op while
// already connected or connecting, and re-enables automatic reconnects after
// Disconnect or a terminal close. On failure a reconnect is scheduled unless
// the failure was terminal.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnected || c.status == StatusConnecting {
		c.mu.Unlock()
		return nil
	}
	c.stopped = false
	c.terminal = false
	c.stopTimerLocked()
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Conn) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnected || c.status == StatusConnecting {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()
	c.flushStatus()

	c.logger.Info().Str("url", c.cfg.URL).Uint64("gen", gen).Msg("connecting to gateway")

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	ws, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		te := &perrors.TransportError{Transport: "ws", Message: "dial " + c.cfg.URL, Err: err}
		if resp != nil {
			te.StatusCode = resp.StatusCode
		}
		c.connectFailed(gen, isTerminalDial(resp), te)
		return te
	}

	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		ws.Close()
		return fmt.Errorf("connect aborted: %w", perrors.ErrDisconnected)
	}
	c.ws = ws
	c.mu.Unlock()

	c.armReadDeadline(ws)
	if c.cfg.PingInterval > 0 {
		ws.SetPongHandler(func(string) error {
			c.armReadDeadline(ws)
			return nil
		})
	}

	done := make(chan struct{})
	go c.readLoop(gen, ws, done)

	if err := c.handshake(ctx, ws); err != nil {
		c.logger.Warn().Err(err).Msg("gateway handshake failed")
		c.metrics.RecordError("conn", "handshake")
		// The read loop notices the closed socket and runs the reconnect path.
		ws.Close()
		return fmt.Errorf("%w: %w", perrors.ErrHandshakeFailed, err)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return fmt.Errorf("connect superseded: %w", perrors.ErrDisconnected)
	}
	if c.ws != ws || c.status != StatusConnecting {
		// The socket closed after answering the handshake; handleClose has
		// already scheduled the next attempt.
		c.mu.Unlock()
		return fmt.Errorf("connection lost after handshake: %w", perrors.ErrDisconnected)
	}
	c.setStatusLocked(StatusConnected)
	c.policy.reset()
	c.attempt = 0
	c.nextDelay = 0
	c.mu.Unlock()
	c.flushStatus()

	if c.cfg.PingInterval > 0 {
		go c.pingLoop(ws, done)
	}

	c.logger.Info().Uint64("gen", gen).Msg("connected to gateway")
	return nil
}

func (c *Conn) handshake(ctx context.Context, ws *websocket.Conn) error {
	params := protocol.ConnectParams{
		MinProtocol: protocol.MinProtocol,
		MaxProtocol: protocol.MaxProtocol,
		Client: protocol.ConnectClient{
			ID:       c.cfg.ClientID,
			Version:  c.cfg.ClientVersion,
			Platform: c.cfg.Platform,
			Mode:     c.cfg.Mode,
		},
		Role:   c.cfg.Role,
		Scopes: c.cfg.Scopes,
		Caps:   []string{},
	}
	if c.cfg.Token != "" {
		params.Auth = &protocol.ConnectAuth{Token: c.cfg.Token}
	}

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	_, err := c.request(hctx, ws, protocol.MethodConnect, params, c.cfg.HandshakeTimeout)
	return err
}

// connectFailed handles a dial that never produced a socket.
func (c *Conn) connectFailed(gen uint64, terminal bool, err error) {
	c.logger.Warn().Err(err).Bool("terminal", terminal).Msg("gateway dial failed")
	c.metrics.RecordError("conn", "dial")

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.setStatusLocked(StatusDisconnected)
	if terminal {
		c.terminal = true
	} else if !c.stopped {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()
	c.flushStatus()
}

// Disconnect closes the channel for good: the reconnect timer is cancelled,
// pending calls are rejected, and the attempt counter is reset.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	c.stopped = true
	c.stopTimerLocked()
	c.policy.reset()
	c.attempt = 0
	c.gen++
	ws := c.ws
	c.ws = nil
	c.setStatusLocked(StatusDisconnected)
	n := c.pending.rejectAll(fmt.Errorf("disconnected by client: %w", perrors.ErrDisconnected))
	c.mu.Unlock()
	c.flushStatus()

	c.logger.Info().Int("rejected", n).Msg("disconnected from gateway")

	if ws == nil {
		return nil
	}
	_ = ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return ws.Close()
}

// Close is an alias for Disconnect.
func (c *Conn) Close() error { return c.Disconnect() }

// Send issues method with params and waits for the correlated response, the
// request timeout, or ctx. It never blocks or panics when the channel is
// down; it returns ErrNotConnected so the caller can fall back.
func (c *Conn) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	ws := c.ws
	status := c.status
	c.mu.Unlock()

	if status != StatusConnected || ws == nil {
		return nil, fmt.Errorf("%s: %w", method, perrors.ErrNotConnected)
	}

	start := time.Now()
	payload, err := c.request(ctx, ws, method, params, c.cfg.RequestTimeout)
	c.metrics.RecordCall(method, c.Name(), resultLabel(err), time.Since(start).Seconds())
	return payload, err
}

func (c *Conn) request(ctx context.Context, ws *websocket.Conn, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.New().String()
	data, err := protocol.EncodeRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", perrors.ErrInvalidInput, err)
	}

	call := c.pending.add(id, method, timeout)

	if err := c.write(ws, data); err != nil {
		c.pending.drop(id)
		return nil, &perrors.TransportError{Transport: c.Name(), Message: "write " + method, Err: err}
	}

	c.logger.Debug().Str("method", method).Str("reqId", id).Msg("request sent")

	select {
	case res := <-call.done:
		return res.payload, res.err
	case <-ctx.Done():
		c.pending.drop(id)
		select {
		case res := <-call.done:
			return res.payload, res.err
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w: %w", method, perrors.ErrTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (c *Conn) write(ws *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// readLoop is the only reader of ws. Frames are handled one at a time, so
// events reach subscribers in the order the gateway sent them.
func (c *Conn) readLoop(gen uint64, ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			c.handleClose(gen, closeCode(err), err)
			return
		}
		c.armReadDeadline(ws)
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg []byte) {
	frame, err := protocol.Decode(msg)
	if err != nil {
		c.logger.Warn().Err(err).Int("bytes", len(msg)).Msg("dropping undecodable frame")
		c.metrics.RecordError("conn", "decode")
		return
	}

	switch {
	case frame.Response != nil:
		resp := frame.Response
		call, ok := c.pending.take(resp.ID)
		if !ok {
			c.logger.Debug().Str("reqId", resp.ID).Msg("dropping response for unknown or expired request")
			return
		}
		if resp.OK {
			call.done <- callResult{payload: resp.Payload}
		} else {
			call.done <- callResult{err: resp.Error.RemoteError(call.method)}
		}
	case frame.Event != nil:
		c.metrics.RecordEvent(frame.Event.Event)
		c.logger.Trace().Str("event", frame.Event.Event).Int64("seq", frame.Event.Seq).Msg("event received")
		c.router.Publish(frame.Event.Event, frame.Event.Payload)
	}
}

// handleClose runs when the read loop ends for any reason.
func (c *Conn) handleClose(gen uint64, code int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.setStatusLocked(StatusDisconnected)
	n := c.pending.rejectAll(fmt.Errorf("close code %d: %w", code, perrors.ErrDisconnected))

	terminal := isTerminalClose(code)
	if terminal {
		c.terminal = true
	} else if !c.stopped {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()
	c.flushStatus()

	evt := c.logger.Warn()
	if terminal {
		evt = c.logger.Error()
	}
	evt.Err(err).Int("code", code).Int("rejected", n).Bool("terminal", terminal).Msg("gateway connection closed")
}

func (c *Conn) scheduleReconnectLocked() {
	attempt, delay := c.policy.next()
	c.attempt = attempt
	c.nextDelay = delay
	c.setStatusLocked(StatusReconnecting)
	c.metrics.RecordReconnect()

	gen := c.gen
	c.timer = time.AfterFunc(delay, func() { c.fireReconnect(gen) })

	c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

func (c *Conn) fireReconnect(gen uint64) {
	c.mu.Lock()
	if c.stopped || gen != c.gen || c.status != StatusReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.nextDelay = 0
	c.mu.Unlock()

	if err := c.dial(context.Background()); err != nil {
		c.logger.Debug().Err(err).Msg("reconnect attempt failed")
	}
}

func (c *Conn) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.nextDelay = 0
}

func (c *Conn) armReadDeadline(ws *websocket.Conn) {
	if c.cfg.PingInterval <= 0 {
		return
	}
	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.PingInterval + c.cfg.PongTimeout))
}

func (c *Conn) pingLoop(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.PongTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (c *Conn) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	c.queued = append(c.queued, s)
}

// flushStatus publishes queued transitions in order. A flush started from
// inside a status handler leaves the work to the flush already running.
func (c *Conn) flushStatus() {
	for {
		if !c.notifyMu.TryLock() {
			return
		}
		c.mu.Lock()
		queued := c.queued
		c.queued = nil
		c.mu.Unlock()

		for _, s := range queued {
			c.metrics.SetStatus(s.String(), statusNames...)
			c.router.Publish(EventStatus, s)
		}
		c.notifyMu.Unlock()

		c.mu.Lock()
		more := len(c.queued) > 0
		c.mu.Unlock()
		if !more {
			return
		}
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, perrors.ErrTimeout):
		return "timeout"
	case errors.Is(err, perrors.ErrNotConnected):
		return "not_connected"
	}
	var remote *perrors.RemoteError
	if errors.As(err, &remote) {
		return "remote_error"
	}
	return "transport_error"
}
