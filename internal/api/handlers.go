package api

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/gatewaylink/internal/chatstream"
	perrors "github.com/p-blackswan/gatewaylink/internal/errors"
	"github.com/p-blackswan/gatewaylink/internal/gateway"
	"github.com/p-blackswan/gatewaylink/internal/health"
	"github.com/p-blackswan/gatewaylink/internal/protocol"
	"github.com/p-blackswan/gatewaylink/internal/state"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	client    *gateway.Client
	store     *state.Store
	runs      *chatstream.Interpreter
	checker   *health.Checker
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a new Handlers instance. runs may be nil.
func NewHandlers(client *gateway.Client, store *state.Store, runs *chatstream.Interpreter, checker *health.Checker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		client:    client,
		store:     store,
		runs:      runs,
		checker:   checker,
		logger:    logger.With().Str("component", "api_handlers").Logger(),
		startTime: time.Now(),
	}
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	ready, checks := h.checker.Report(c.UserContext())
	if !ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
			"checks": checks,
		})
	}
	return c.JSON(fiber.Map{"status": "ready", "checks": checks})
}

// Status handles GET /api/v1/status.
func (h *Handlers) Status(c *fiber.Ctx) error {
	resp := StatusResponse{
		Status:   gateway.StatusDisconnected.String(),
		Fallback: h.client.FallbackAvailable(),
		Checks:   h.checker.Cached(),
		Uptime:   time.Since(h.startTime).Round(time.Second).String(),
	}
	if conn := h.client.Conn(); conn != nil {
		st := conn.Stats()
		resp.Status = st.Status.String()
		resp.Attempt = st.Attempt
		resp.Pending = st.Pending
		resp.NextReconnectMs = st.NextReconnect.Milliseconds()
		resp.Terminal = st.Terminal
	}
	if t := h.store.PulledAt(); !t.IsZero() {
		resp.SessionsPulled = &t
	}
	return c.JSON(resp)
}

// ListSessions handles GET /api/v1/sessions. The local copy is served unless
// refresh=true or nothing has been pulled yet.
func (h *Handlers) ListSessions(c *fiber.Ctx) error {
	if c.QueryBool("refresh") || h.store.PulledAt().IsZero() {
		if err := h.store.Pull(c.UserContext(), h.client); err != nil {
			return h.gatewayError(c, err)
		}
	}

	sessions := h.store.Sessions()
	resp := SessionsResponse{Sessions: sessions, Count: len(sessions)}
	if t := h.store.PulledAt(); !t.IsZero() {
		resp.PulledAt = &t
	}
	return c.JSON(resp)
}

// PreviewSessions handles POST /api/v1/sessions/preview.
func (h *Handlers) PreviewSessions(c *fiber.Ctx) error {
	var req PreviewRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}

	res, err := h.client.PreviewSessions(c.UserContext(), req.Keys, req.Limit)
	if err != nil {
		return h.gatewayError(c, err)
	}
	return c.JSON(res)
}

// ResetSession handles POST /api/v1/sessions/:key/reset.
func (h *Handlers) ResetSession(c *fiber.Ctx) error {
	key := c.Params("key")
	if err := h.client.ResetSession(c.UserContext(), key); err != nil {
		return h.gatewayError(c, err)
	}
	return c.JSON(fiber.Map{"key": key, "status": "reset"})
}

// CompactSession handles POST /api/v1/sessions/:key/compact.
func (h *Handlers) CompactSession(c *fiber.Ctx) error {
	key := c.Params("key")
	if err := h.client.CompactSession(c.UserContext(), key); err != nil {
		return h.gatewayError(c, err)
	}
	return c.JSON(fiber.Map{"key": key, "status": "compacted"})
}

// PatchSession handles PATCH /api/v1/sessions/:key. Known fields are applied
// to the local copy until the next pull replaces it.
func (h *Handlers) PatchSession(c *fiber.Ctx) error {
	key := c.Params("key")

	var updates map[string]any
	if err := c.BodyParser(&updates); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if len(updates) == 0 {
		return problemResponse(c, fiber.StatusBadRequest,
			"empty_patch", "Bad Request",
			"At least one field must be updated")
	}

	if err := h.client.PatchSession(c.UserContext(), key, updates); err != nil {
		return h.gatewayError(c, err)
	}

	h.store.PatchSessionLocal(key, func(s *protocol.SessionSummary) {
		if v, ok := updates["label"].(string); ok {
			s.Label = v
		}
		if v, ok := updates["model"].(string); ok {
			s.Model = v
		}
	})

	sess, _ := h.store.Session(key)
	return c.JSON(fiber.Map{"key": key, "session": sess})
}

// GetChat handles GET /api/v1/chats/:key.
func (h *Handlers) GetChat(c *fiber.Ctx) error {
	key := c.Params("key")
	resp := ChatResponse{ChatView: h.store.Chat(key)}
	if h.runs != nil {
		if run, ok := h.runs.Active(key); ok {
			resp.ActiveRun = &RunInfo{ID: run.ID, Phase: run.Phase.String()}
		}
	}
	return c.JSON(resp)
}

// SendChat handles POST /api/v1/chats/:key/send. The message is shown
// optimistically and flagged failed if the gateway rejects it.
func (h *Handlers) SendChat(c *fiber.Ctx) error {
	key := c.Params("key")

	var req SendRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if strings.TrimSpace(req.Text) == "" {
		return problemResponse(c, fiber.StatusBadRequest,
			"missing_text", "Bad Request",
			"Message text is required")
	}
	if req.ClientID == "" {
		req.ClientID = uuid.New().String()
	}

	h.store.AddPending(key, req.ClientID, "user", req.Text)

	res, err := h.client.SendChat(c.UserContext(), key, req.Text)
	if err != nil {
		h.store.MarkFailed(key, req.ClientID, err)
		return h.gatewayError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(SendResponse{
		RunID:    res.RunID,
		Status:   res.Status,
		ClientID: req.ClientID,
	})
}

// AbortChat handles POST /api/v1/chats/:key/abort. Without a run id the
// active run of the chat is aborted.
func (h *Handlers) AbortChat(c *fiber.Ctx) error {
	key := c.Params("key")

	var req AbortRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_body", "Bad Request",
				"Invalid request body: "+err.Error())
		}
	}
	if req.RunID == "" && h.runs != nil {
		if run, ok := h.runs.Active(key); ok {
			req.RunID = run.ID
		}
	}

	if err := h.client.AbortChat(c.UserContext(), key, req.RunID); err != nil {
		return h.gatewayError(c, err)
	}
	return c.JSON(fiber.Map{"key": key, "runId": req.RunID, "status": "aborted"})
}

// CommitMessage handles POST /api/v1/chats/:key/messages: an authoritative
// message pushed by the backend that owns the transcript.
func (h *Handlers) CommitMessage(c *fiber.Ctx) error {
	key := c.Params("key")

	var msg state.Message
	if err := c.BodyParser(&msg); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	if err := h.store.Commit(key, msg); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_message", "Bad Request", err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(h.store.Chat(key))
}

// gatewayError maps gateway failures onto problem responses.
func (h *Handlers) gatewayError(c *fiber.Ctx, err error) error {
	var remote *perrors.RemoteError
	switch {
	case errors.Is(err, perrors.ErrInvalidInput):
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_input", "Bad Request", err.Error())
	case errors.Is(err, perrors.ErrTimeout):
		return problemResponse(c, fiber.StatusGatewayTimeout,
			"gateway_timeout", "Gateway Timeout", err.Error())
	case errors.As(err, &remote):
		h.logger.Warn().Err(err).Str("path", c.Path()).Msg("gateway rejected request")
		return c.Status(fiber.StatusBadGateway).JSON(ProblemDetail{
			Type:     "gateway_error",
			Title:    "Bad Gateway",
			Status:   fiber.StatusBadGateway,
			Detail:   remote.Message,
			Instance: c.Path(),
			Code:     remote.Code,
		})
	case errors.Is(err, perrors.ErrNotConnected), errors.Is(err, perrors.ErrDisconnected):
		c.Set(fiber.HeaderRetryAfter, "1")
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"gateway_unavailable", "Service Unavailable", err.Error())
	}
	return err
}
