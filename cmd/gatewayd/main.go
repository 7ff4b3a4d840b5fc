package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/gatewaylink/internal/api"
	"github.com/p-blackswan/gatewaylink/internal/chatstream"
	"github.com/p-blackswan/gatewaylink/internal/config"
	"github.com/p-blackswan/gatewaylink/internal/gateway"
	"github.com/p-blackswan/gatewaylink/internal/health"
	"github.com/p-blackswan/gatewaylink/internal/metrics"
	"github.com/p-blackswan/gatewaylink/internal/state"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("gateway_url", cfg.GatewayURL).
		Bool("fallback_enabled", cfg.FallbackEnabled()).
		Str("api_addr", cfg.APIListenAddr).
		Msg("starting gateway link")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()

	// Gateway connection layer
	router := gateway.NewRouter(logger)
	conn := gateway.NewConn(cfg.GatewayConfig(), router, logger)
	conn.SetMetrics(m)

	var fallback gateway.Transport
	if cfg.FallbackEnabled() {
		ht := gateway.NewHTTPTransport(cfg.HTTPConfig(), logger)
		ht.SetMetrics(m)
		fallback = ht
	} else {
		logger.Info().Msg("HTTP fallback not configured, calls need the live channel")
	}

	client := gateway.NewClient(conn, fallback, logger)
	client.SetMetrics(m)

	runs := chatstream.New(router, logger)
	runs.SetMetrics(m)
	runs.Start()
	defer runs.Stop()
	client.SetRunTracker(runs)

	store := state.New(logger)
	store.SetLister(client)
	detach := store.Attach(router)
	defer detach()

	// Refresh the session list whenever the channel comes back.
	unwatch := conn.OnStatus(func(s gateway.Status) {
		logger.Info().Str("status", s.String()).Msg("gateway status changed")
		if s != gateway.StatusConnected {
			return
		}
		go func() {
			pctx, pcancel := context.WithTimeout(ctx, 30*time.Second)
			defer pcancel()
			if err := store.Pull(pctx, client); err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("session resync after connect failed")
			}
		}()
	})
	defer unwatch()

	checker := health.NewChecker(logger)
	checker.Register("gateway", health.GatewayCheck(conn, client.FallbackAvailable))
	checker.Register("sessions", health.FreshnessCheck(store.PulledAt, 3*cfg.SessionPollInterval))

	var wg sync.WaitGroup

	apiServer := api.NewServer(api.ServerConfig{
		ListenAddr: cfg.APIListenAddr,
		AuthConfig: api.AuthConfig{
			Mode:   cfg.APIAuthMode,
			APIKey: cfg.APIKey,
		},
		RateLimit: api.RateLimitConfig{
			RPS:   cfg.APIRateLimitRPS,
			Burst: cfg.APIRateLimitBurst,
		},
		CORSOrigins: cfg.APICORSOrigins,
		TLSCert:     cfg.APITLSCert,
		TLSKey:      cfg.APITLSKey,
	}, api.Deps{
		Client:  client,
		Store:   store,
		Runs:    runs,
		Checker: checker,
		Metrics: m,
	}, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("control API server error")
		}
	}()

	// A failed first dial is not fatal: the connection keeps retrying on its
	// own schedule unless the gateway refused us for good.
	if err := conn.Connect(ctx); err != nil {
		if conn.Terminal() {
			logger.Error().Err(err).Msg("gateway refused connection, not retrying")
		} else {
			logger.Warn().Err(err).Msg("initial gateway connect failed, will retry")
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		store.RunPoller(ctx, client, cfg.SessionPollInterval)
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()

	if err := apiServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("control API server shutdown error")
	}

	if err := conn.Disconnect(); err != nil {
		logger.Error().Err(err).Msg("gateway disconnect error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("gateway link stopped")
}
