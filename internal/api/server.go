// Package api is the local control API of the gateway link daemon: probes,
// metrics, connection status, and session and chat operations proxied to the
// gateway.
package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/gatewaylink/internal/chatstream"
	"github.com/p-blackswan/gatewaylink/internal/gateway"
	"github.com/p-blackswan/gatewaylink/internal/health"
	"github.com/p-blackswan/gatewaylink/internal/metrics"
	"github.com/p-blackswan/gatewaylink/internal/requestid"
	"github.com/p-blackswan/gatewaylink/internal/state"
)

const defaultListenAddr = ":8090"

// ServerConfig holds configuration for the control API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins string
	TLSCert     string
	TLSKey      string
}

// Deps are the components the control API serves from.
type Deps struct {
	Client  *gateway.Client
	Store   *state.Store
	Runs    *chatstream.Interpreter
	Checker *health.Checker
	Metrics *metrics.Metrics
}

// Server is the control API Fiber application.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	config ServerConfig
}

// NewServer creates and configures a new control API server.
func NewServer(cfg ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "api_server").Logger(),
		config: cfg,
	}

	s.setupMiddleware(cfg)
	s.setupRoutes(NewHandlers(deps.Client, deps.Store, deps.Runs, deps.Checker, logger), deps.Metrics)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(func(c *fiber.Ctx) error {
		ctx, reqID := requestid.Ensure(c.UserContext(), c.Get(requestid.Header))
		c.SetUserContext(ctx)
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, PATCH, OPTIONS",
		}))
	}

	if cfg.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(cfg.RateLimit))
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, s.logger))

	s.app.Use(func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}

		s.logger.Info().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("ip", c.IP()).
			Str("request_id", fmt.Sprintf("%v", c.Locals("request_id"))).
			Msg("api request")

		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers, m *metrics.Metrics) {
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)

	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	v1 := s.app.Group("/api/v1")

	v1.Get("/status", h.Status)

	v1.Get("/sessions", h.ListSessions)
	v1.Post("/sessions/preview", h.PreviewSessions)
	v1.Post("/sessions/:key/reset", h.ResetSession)
	v1.Post("/sessions/:key/compact", h.CompactSession)
	v1.Patch("/sessions/:key", h.PatchSession)

	v1.Get("/chats/:key", h.GetChat)
	v1.Post("/chats/:key/send", h.SendChat)
	v1.Post("/chats/:key/abort", h.AbortChat)
	v1.Post("/chats/:key/messages", h.CommitMessage)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}

	s.logger.Info().Str("addr", addr).Msg("control API server starting")

	if s.config.TLSCert != "" && s.config.TLSKey != "" {
		return s.app.ListenTLS(addr, s.config.TLSCert, s.config.TLSKey)
	}
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("control API server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		errType := "internal_error"
		detail := "An internal error occurred"
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			errType = "http_error"
			detail = fe.Message
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		return c.Status(code).JSON(ProblemDetail{
			Type:     errType,
			Title:    utils.StatusMessage(code),
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
