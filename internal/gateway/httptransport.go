package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/gatewaylink/internal/errors"
	"github.com/p-blackswan/gatewaylink/internal/metrics"
	"github.com/p-blackswan/gatewaylink/internal/protocol"
	"github.com/p-blackswan/gatewaylink/internal/requestid"
	"github.com/p-blackswan/gatewaylink/internal/retry"
)

const maxResponseBytes = 8 << 20

// HTTPConfig configures the fallback transport.
type HTTPConfig struct {
	// BaseURL is the gateway HTTP root; calls go to BaseURL + "/rpc".
	// An empty BaseURL disables the fallback.
	BaseURL string

	Token string

	// AbortURL, when set, receives chat.abort requests the RPC endpoint
	// could not be reached for.
	AbortURL string

	// Timeout bounds every call.
	Timeout time.Duration

	// Retry applies to idempotent reads only.
	Retry retry.Config
}

// HTTPTransport sends requests as individual HTTP POSTs. It is used while the
// duplex channel is unavailable and has no ordering or streaming guarantees.
type HTTPTransport struct {
	cfg     HTTPConfig
	client  *http.Client
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewHTTPTransport creates a fallback transport.
func NewHTTPTransport(cfg HTTPConfig, logger zerolog.Logger) *HTTPTransport {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPTransport{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger.With().Str("component", "gateway-http").Logger(),
	}
}

// SetMetrics attaches a metrics collector.
func (t *HTTPTransport) SetMetrics(m *metrics.Metrics) { t.metrics = m }

// Name implements Transport.
func (t *HTTPTransport) Name() string { return "http" }

// Available implements Transport.
func (t *HTTPTransport) Available() bool { return t.cfg.BaseURL != "" }

// Call implements Transport.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.Available() {
		return nil, fmt.Errorf("%s: http fallback not configured: %w", method, perrors.ErrTransportUnavailable)
	}

	var payload json.RawMessage
	var err error
	if idempotent(method) {
		rc := t.cfg.Retry
		rc.OnRetry = func(err error, wait time.Duration) {
			reqLog := requestid.Logger(ctx, t.logger)
			reqLog.Warn().Err(err).Str("method", method).Dur("wait", wait).Msg("retrying fallback call")
		}
		err = retry.Do(ctx, rc, func(ctx context.Context) error {
			var callErr error
			payload, callErr = t.post(ctx, method, params)
			return callErr
		})
	} else {
		payload, err = t.post(ctx, method, params)
	}

	if err != nil && method == protocol.MethodChatAbort && perrors.IsTransport(err) && t.cfg.AbortURL != "" {
		reqLog := requestid.Logger(ctx, t.logger)
		reqLog.Warn().Err(err).Msg("rpc endpoint unreachable, using abort endpoint")
		return t.abort(ctx, params)
	}
	return payload, err
}

func (t *HTTPTransport) post(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := protocol.EncodeRequest(uuid.New().String(), method, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", perrors.ErrInvalidInput, err)
	}

	start := time.Now()
	status, data, err := t.do(ctx, t.cfg.BaseURL+"/rpc", body)
	if err != nil {
		t.metrics.RecordCall(method, t.Name(), resultLabel(err), time.Since(start).Seconds())
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	payload, err := decodeHTTPResponse(method, status, data)
	t.metrics.RecordCall(method, t.Name(), resultLabel(err), time.Since(start).Seconds())
	return payload, err
}

func (t *HTTPTransport) abort(ctx context.Context, params any) (json.RawMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", perrors.ErrInvalidInput, err)
	}

	status, data, err := t.do(ctx, t.cfg.AbortURL, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", protocol.MethodChatAbort, err)
	}
	if status < 200 || status >= 300 {
		return nil, perrors.NewTransportError(t.Name(), status, "abort endpoint: "+truncate(string(data), 200))
	}
	if json.Valid(data) {
		return data, nil
	}
	return nil, nil
}

// do POSTs body to url and returns the status and body. Transport failures
// come back as *TransportError, the call deadline as ErrTimeout.
func (t *HTTPTransport) do(ctx context.Context, url string, body []byte) (int, []byte, error) {
	cctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, &perrors.TransportError{Transport: t.Name(), Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	}
	requestid.SetHeader(ctx, req.Header)

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return 0, nil, fmt.Errorf("after %s: %w", t.cfg.Timeout, perrors.ErrTimeout)
		}
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, &perrors.TransportError{Transport: t.Name(), Message: "post " + url, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, &perrors.TransportError{Transport: t.Name(), StatusCode: resp.StatusCode, Message: "read body", Err: err}
	}
	return resp.StatusCode, data, nil
}

// decodeHTTPResponse maps an HTTP reply onto the envelope semantics: an
// explicit ok=false is a remote error whatever the status code.
func decodeHTTPResponse(method string, status int, data []byte) (json.RawMessage, error) {
	resp, err := protocol.DecodeResponse(data)
	if err != nil {
		if status < 200 || status >= 300 {
			return nil, perrors.NewTransportError("http", status, method+": "+truncate(string(data), 200))
		}
		return nil, &perrors.TransportError{Transport: "http", StatusCode: status, Message: method + ": decode response", Err: err}
	}
	if !resp.OK {
		return nil, resp.Error.RemoteError(method)
	}
	return resp.Payload, nil
}

// idempotent methods are safe to repeat after an ambiguous failure.
func idempotent(method string) bool {
	switch method {
	case protocol.MethodSessionsList, protocol.MethodSessionsPreview:
		return true
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
