package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/gatewaylink/internal/errors"
	"github.com/p-blackswan/gatewaylink/internal/protocol"
)

// replyFunc answers one request. Returning reply=false sends nothing.
type replyFunc func(mg *mockGateway, req protocol.Request) (payload any, errShape *protocol.ErrorShape, reply bool)

// mockGateway simulates the gateway side of the duplex protocol.
type mockGateway struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader
	token    string

	// connectGate, when set, delays the handshake response until closed.
	connectGate chan struct{}
	// dialStatus, when set, answers the upgrade with this HTTP status.
	dialStatus int
	// dropAfterConnect closes this many connections right after answering
	// their handshake.
	dropAfterConnect int

	mu       sync.Mutex
	writeMu  sync.Mutex
	conns    []*websocket.Conn
	requests []protocol.Request
	handlers map[string]replyFunc
}

func newMockGateway(t *testing.T, token string) *mockGateway {
	mg := &mockGateway{
		t:     t,
		token: token,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		handlers: make(map[string]replyFunc),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/gateway", mg.handleWS)
	mg.server = httptest.NewServer(mux)
	t.Cleanup(mg.close)

	return mg
}

func (mg *mockGateway) url() string {
	return "ws" + strings.TrimPrefix(mg.server.URL, "http") + "/ws/gateway"
}

func (mg *mockGateway) close() {
	mg.mu.Lock()
	for _, conn := range mg.conns {
		conn.Close()
	}
	mg.mu.Unlock()
	mg.server.Close()
}

func (mg *mockGateway) handle(method string, fn replyFunc) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	mg.handlers[method] = fn
}

func (mg *mockGateway) connCount() int {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return len(mg.conns)
}

func (mg *mockGateway) requestsFor(method string) []protocol.Request {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	var out []protocol.Request
	for _, r := range mg.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func (mg *mockGateway) latest() *websocket.Conn {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	if len(mg.conns) == 0 {
		return nil
	}
	return mg.conns[len(mg.conns)-1]
}

func (mg *mockGateway) write(conn *websocket.Conn, v any) {
	mg.writeMu.Lock()
	defer mg.writeMu.Unlock()
	_ = conn.WriteJSON(v)
}

func (mg *mockGateway) writeRaw(data string) {
	mg.writeMu.Lock()
	defer mg.writeMu.Unlock()
	_ = mg.latest().WriteMessage(websocket.TextMessage, []byte(data))
}

// emit pushes an event on the latest connection.
func (mg *mockGateway) emit(event string, payload any) {
	raw, _ := json.Marshal(payload)
	mg.write(mg.latest(), protocol.Event{Type: protocol.FrameTypeEvent, Event: event, Payload: raw})
}

// dropAbruptly closes the TCP connection without a close frame (1006).
func (mg *mockGateway) dropAbruptly() {
	mg.latest().Close()
}

// closeWith sends a close frame with code and closes the connection.
func (mg *mockGateway) closeWith(code int) {
	conn := mg.latest()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, "bye"), time.Now().Add(time.Second))
	time.Sleep(20 * time.Millisecond)
	conn.Close()
}

func (mg *mockGateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if mg.dialStatus != 0 {
		http.Error(w, http.StatusText(mg.dialStatus), mg.dialStatus)
		return
	}
	conn, err := mg.upgrader.Upgrade(w, r, nil)
	if err != nil {
		mg.t.Logf("upgrade error: %v", err)
		return
	}
	mg.mu.Lock()
	mg.conns = append(mg.conns, conn)
	mg.mu.Unlock()

	defer conn.Close()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req protocol.Request
		if err := json.Unmarshal(msg, &req); err != nil || req.Type != protocol.FrameTypeRequest {
			continue
		}

		mg.mu.Lock()
		mg.requests = append(mg.requests, req)
		fn := mg.handlers[req.Method]
		mg.mu.Unlock()

		if req.Method == protocol.MethodConnect && fn == nil {
			mg.handleConnect(conn, req)
			continue
		}
		if fn == nil {
			mg.respond(conn, req.ID, nil, &protocol.ErrorShape{Code: "UNKNOWN_METHOD", Message: "unknown method " + req.Method})
			continue
		}
		go func(req protocol.Request) {
			payload, shape, reply := fn(mg, req)
			if reply {
				mg.respond(conn, req.ID, payload, shape)
			}
		}(req)
	}
}

func (mg *mockGateway) handleConnect(conn *websocket.Conn, req protocol.Request) {
	if mg.connectGate != nil {
		<-mg.connectGate
	}

	var params protocol.ConnectParams
	_ = json.Unmarshal(req.Params, &params)

	if mg.token != "" && (params.Auth == nil || params.Auth.Token != mg.token) {
		mg.respond(conn, req.ID, nil, &protocol.ErrorShape{Code: "UNAUTHORIZED", Message: "invalid token"})
		return
	}
	mg.respond(conn, req.ID, map[string]any{"type": "hello-ok", "protocol": protocol.MaxProtocol}, nil)

	mg.mu.Lock()
	drop := mg.dropAfterConnect > 0
	if drop {
		mg.dropAfterConnect--
	}
	mg.mu.Unlock()
	if drop {
		conn.Close()
	}
}

func (mg *mockGateway) respond(conn *websocket.Conn, id string, payload any, shape *protocol.ErrorShape) {
	res := protocol.Response{Type: protocol.FrameTypeResponse, ID: id, OK: shape == nil, Error: shape}
	if payload != nil {
		res.Payload, _ = json.Marshal(payload)
	}
	mg.write(conn, res)
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Token = "test-token"
	cfg.PingInterval = 0
	return cfg
}

func newTestConn(t *testing.T, cfg Config) *Conn {
	t.Helper()
	c := NewConn(cfg, nil, zerolog.Nop())
	t.Cleanup(func() { c.Disconnect() })
	return c
}

// statusRecorder collects status transitions in order.
type statusRecorder struct {
	mu   sync.Mutex
	seen []Status
}

func (r *statusRecorder) record(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, s)
}

func (r *statusRecorder) list() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.seen...)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "status(9)", Status(9).String())
}

func TestConn_ConnectCompletesHandshake(t *testing.T) {
	mg := newMockGateway(t, "test-token")
	c := newTestConn(t, testConfig(mg.url()))

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StatusConnected, c.Status())
	assert.True(t, c.IsConnected())

	reqs := mg.requestsFor(protocol.MethodConnect)
	require.Len(t, reqs, 1)
	var params protocol.ConnectParams
	require.NoError(t, json.Unmarshal(reqs[0].Params, &params))
	assert.Equal(t, protocol.MinProtocol, params.MinProtocol)
	assert.Equal(t, protocol.MaxProtocol, params.MaxProtocol)
	assert.Equal(t, "control-ui", params.Client.ID)
	require.NotNil(t, params.Auth)
	assert.Equal(t, "test-token", params.Auth.Token)
}

func TestConn_NotConnectedUntilHandshakeResponse(t *testing.T) {
	mg := newMockGateway(t, "")
	mg.connectGate = make(chan struct{})
	c := newTestConn(t, testConfig(mg.url()))

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	require.Eventually(t, func() bool { return len(mg.requestsFor(protocol.MethodConnect)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusConnecting, c.Status())

	_, err := c.Send(context.Background(), "sessions.list", nil)
	assert.ErrorIs(t, err, perrors.ErrNotConnected)

	// Connect while connecting is a no-op.
	assert.NoError(t, c.Connect(context.Background()))

	close(mg.connectGate)
	require.NoError(t, <-done)
	assert.Equal(t, StatusConnected, c.Status())
}

func TestConn_HandshakeRejected(t *testing.T) {
	mg := newMockGateway(t, "right-token")
	cfg := testConfig(mg.url())
	cfg.Token = "wrong-token"
	c := newTestConn(t, cfg)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrHandshakeFailed)

	var remote *perrors.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "UNAUTHORIZED", remote.Code)

	require.Eventually(t, func() bool { return c.Status() == StatusReconnecting }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.Terminal())
}

func TestConn_SendWhenNotConnected(t *testing.T) {
	c := newTestConn(t, testConfig("ws://127.0.0.1:1/ws"))

	assert.NotPanics(t, func() {
		payload, err := c.Send(context.Background(), "sessions.list", nil)
		assert.Nil(t, payload)
		assert.ErrorIs(t, err, perrors.ErrNotConnected)
	})
	assert.False(t, c.Available())
}

func TestConn_ConcurrentCallsSettleOnce(t *testing.T) {
	mg := newMockGateway(t, "")
	mg.handle("echo", func(_ *mockGateway, req protocol.Request) (any, *protocol.ErrorShape, bool) {
		var p struct {
			N int `json:"n"`
		}
		_ = json.Unmarshal(req.Params, &p)
		// Later requests answer first.
		time.Sleep(time.Duration(50-p.N) * time.Millisecond)
		return map[string]int{"n": p.N}, nil, true
	})
	c := newTestConn(t, testConfig(mg.url()))
	require.NoError(t, c.Connect(context.Background()))

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := c.Send(context.Background(), "echo", map[string]int{"n": i})
			if err != nil {
				errs <- err
				return
			}
			var got struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(raw, &got); err != nil {
				errs <- err
				return
			}
			if got.N != i {
				errs <- fmt.Errorf("call %d got payload for %d", i, got.N)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, c.Stats().Pending)
}

func TestConn_TimeoutAndLateResponse(t *testing.T) {
	mg := newMockGateway(t, "")
	mg.handle("slow", func(_ *mockGateway, req protocol.Request) (any, *protocol.ErrorShape, bool) {
		time.Sleep(150 * time.Millisecond)
		return map[string]bool{"late": true}, nil, true
	})
	cfg := testConfig(mg.url())
	cfg.RequestTimeout = 50 * time.Millisecond
	c := newTestConn(t, cfg)
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Send(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrTimeout)
	assert.Contains(t, err.Error(), "slow")
	assert.Equal(t, 0, c.Stats().Pending)

	// The late response arrives and is dropped without side effects.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, c.Stats().Pending)
	assert.Equal(t, StatusConnected, c.Status())
}

func TestConn_ContextCancel(t *testing.T) {
	mg := newMockGateway(t, "")
	mg.handle("hang", func(*mockGateway, protocol.Request) (any, *protocol.ErrorShape, bool) {
		return nil, nil, false
	})
	c := newTestConn(t, testConfig(mg.url()))
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Send(ctx, "hang", nil)
	assert.ErrorIs(t, err, perrors.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Stats().Pending)
}

func TestConn_RemoteError(t *testing.T) {
	mg := newMockGateway(t, "")
	mg.handle("sessions.reset", func(*mockGateway, protocol.Request) (any, *protocol.ErrorShape, bool) {
		return nil, &protocol.ErrorShape{Code: "NOT_FOUND", Message: "no such session", Retryable: false}, true
	})
	c := newTestConn(t, testConfig(mg.url()))
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Send(context.Background(), "sessions.reset", protocol.SessionKeyParams{Key: "main"})
	var remote *perrors.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "sessions.reset", remote.Method)
	assert.Equal(t, "NOT_FOUND", remote.Code)
	assert.Equal(t, "no such session", remote.Message)
}

func TestConn_EventsRoutedInOrder(t *testing.T) {
	mg := newMockGateway(t, "")
	c := newTestConn(t, testConfig(mg.url()))

	var mu sync.Mutex
	var seqs []int
	c.Router().Subscribe("tick", func(event string, payload any) {
		raw, _ := payload.(json.RawMessage)
		var p struct {
			N int `json:"n"`
		}
		_ = json.Unmarshal(raw, &p)
		mu.Lock()
		seqs = append(seqs, p.N)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	mg.writeRaw("not json at all")
	mg.writeRaw(`{"type":"mystery"}`)
	for i := 0; i < 20; i++ {
		mg.emit("tick", map[string]int{"n": i})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == 20
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, n := range seqs {
		assert.Equal(t, i, n)
	}
	assert.Equal(t, StatusConnected, c.Status())
}

func TestConn_DisconnectRejectsPendingAndStopsReconnect(t *testing.T) {
	mg := newMockGateway(t, "")
	mg.handle("hang", func(*mockGateway, protocol.Request) (any, *protocol.ErrorShape, bool) {
		return nil, nil, false
	})
	cfg := testConfig(mg.url())
	cfg.ReconnectInterval = 10 * time.Millisecond
	c := newTestConn(t, cfg)
	require.NoError(t, c.Connect(context.Background()))

	errCh := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := c.Send(context.Background(), "hang", nil)
			errCh <- err
		}()
	}
	require.Eventually(t, func() bool { return c.Stats().Pending == 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Disconnect())
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, <-errCh, perrors.ErrDisconnected)
	}

	stats := c.Stats()
	assert.Equal(t, StatusDisconnected, stats.Status)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Attempt)
	assert.Zero(t, stats.NextReconnect)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, 1, mg.connCount())
}

func TestConn_AbnormalCloseSchedulesReconnect(t *testing.T) {
	mg := newMockGateway(t, "")
	mg.handle("hang", func(*mockGateway, protocol.Request) (any, *protocol.ErrorShape, bool) {
		return nil, nil, false
	})
	c := newTestConn(t, testConfig(mg.url()))

	rec := &statusRecorder{}
	c.OnStatus(rec.record)

	require.NoError(t, c.Connect(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "hang", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.Stats().Pending == 1 }, 2*time.Second, 5*time.Millisecond)

	mg.dropAbruptly()

	err := <-errCh
	assert.ErrorIs(t, err, perrors.ErrDisconnected)
	assert.Contains(t, err.Error(), "1006")

	require.Eventually(t, func() bool { return c.Status() == StatusReconnecting }, 2*time.Second, 5*time.Millisecond)
	stats := c.Stats()
	assert.Equal(t, 1, stats.Attempt)
	assert.Equal(t, time.Second, stats.NextReconnect)
	assert.Equal(t, 0, stats.Pending)
	assert.False(t, stats.Terminal)

	// About a second later the connection is back and the counter reset.
	require.Eventually(t, func() bool { return c.Status() == StatusConnected }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, c.Stats().Attempt)
	assert.Equal(t, 2, mg.connCount())

	assert.Equal(t, []Status{
		StatusConnecting, StatusConnected,
		StatusDisconnected, StatusReconnecting,
		StatusConnecting, StatusConnected,
	}, rec.list())
}

func TestConn_TerminalCloseSuppressesReconnect(t *testing.T) {
	for _, code := range []int{websocket.CloseProtocolError, websocket.ClosePolicyViolation, CloseEndpointNotFound} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			mg := newMockGateway(t, "")
			cfg := testConfig(mg.url())
			cfg.ReconnectInterval = 10 * time.Millisecond
			c := newTestConn(t, cfg)

			rec := &statusRecorder{}
			c.OnStatus(rec.record)
			require.NoError(t, c.Connect(context.Background()))

			mg.closeWith(code)

			require.Eventually(t, c.Terminal, 2*time.Second, 5*time.Millisecond)
			time.Sleep(100 * time.Millisecond)
			assert.Equal(t, StatusDisconnected, c.Status())
			assert.Equal(t, 1, mg.connCount())
			assert.NotContains(t, rec.list(), StatusReconnecting)
		})
	}
}

func TestConn_ExplicitConnectAfterTerminal(t *testing.T) {
	mg := newMockGateway(t, "")
	c := newTestConn(t, testConfig(mg.url()))
	require.NoError(t, c.Connect(context.Background()))

	mg.closeWith(websocket.ClosePolicyViolation)
	require.Eventually(t, c.Terminal, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Connect(context.Background()))
	assert.False(t, c.Terminal())
	assert.Equal(t, StatusConnected, c.Status())
}

func TestConn_DialNotFoundIsTerminal(t *testing.T) {
	mg := newMockGateway(t, "")
	mg.dialStatus = http.StatusNotFound
	cfg := testConfig(mg.url())
	cfg.ReconnectInterval = 10 * time.Millisecond
	c := newTestConn(t, cfg)

	err := c.Connect(context.Background())
	var te *perrors.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
	assert.True(t, c.Terminal())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestConn_DialFailureSchedulesReconnect(t *testing.T) {
	mg := newMockGateway(t, "")
	url := mg.url()
	mg.server.Close()

	c := newTestConn(t, testConfig(url))
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, perrors.IsTransport(err))

	stats := c.Stats()
	assert.Equal(t, StatusReconnecting, stats.Status)
	assert.Equal(t, 1, stats.Attempt)
	assert.Equal(t, time.Second, stats.NextReconnect)

	require.NoError(t, c.Disconnect())
	stats = c.Stats()
	assert.Equal(t, StatusDisconnected, stats.Status)
	assert.Equal(t, 0, stats.Attempt)
	assert.Zero(t, stats.NextReconnect)
}

func TestConn_CloseRightAfterHandshakeReconnects(t *testing.T) {
	for i := 0; i < 20; i++ {
		mg := newMockGateway(t, "")
		mg.dropAfterConnect = 1
		cfg := testConfig(mg.url())
		cfg.ReconnectInterval = 20 * time.Millisecond
		c := newTestConn(t, cfg)

		// Depending on which side sees the close first, Connect either
		// succeeds briefly or reports the lost socket.
		if err := c.Connect(context.Background()); err != nil {
			assert.ErrorIs(t, err, perrors.ErrDisconnected)
		}

		require.Eventually(t, func() bool {
			return mg.connCount() == 2 && c.Status() == StatusConnected
		}, 2*time.Second, 5*time.Millisecond, "iteration %d: status=%s dials=%d", i, c.Status(), mg.connCount())

		mg.handle("sessions.list", func(*mockGateway, protocol.Request) (any, *protocol.ErrorShape, bool) {
			return map[string]any{"sessions": []any{}}, nil, true
		})
		_, err := c.Send(context.Background(), "sessions.list", nil)
		require.NoError(t, err)
		require.NoError(t, c.Disconnect())
	}
}

func TestConn_KeepaliveHoldsConnection(t *testing.T) {
	mg := newMockGateway(t, "")
	cfg := testConfig(mg.url())
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongTimeout = 50 * time.Millisecond
	c := newTestConn(t, cfg)
	require.NoError(t, c.Connect(context.Background()))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StatusConnected, c.Status())
}

func TestConn_StatusPublishedOnRouter(t *testing.T) {
	mg := newMockGateway(t, "")
	router := NewRouter(zerolog.Nop())
	c := NewConn(testConfig(mg.url()), router, zerolog.Nop())
	defer c.Disconnect()

	var mu sync.Mutex
	var got []string
	router.Subscribe(EventStatus, func(_ string, payload any) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, payload.(Status).String())
	})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"connecting", "connected", "disconnected"}, got)
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "ok", resultLabel(nil))
	assert.Equal(t, "timeout", resultLabel(perrors.ErrTimeout))
	assert.Equal(t, "not_connected", resultLabel(perrors.ErrNotConnected))
	assert.Equal(t, "remote_error", resultLabel(&perrors.RemoteError{Method: "x"}))
	assert.Equal(t, "transport_error", resultLabel(errors.New("boom")))
}
