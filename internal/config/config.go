package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/p-blackswan/gatewaylink/internal/gateway"
	"github.com/p-blackswan/gatewaylink/internal/retry"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Gateway duplex channel
	GatewayURL           string        `envconfig:"GATEWAY_URL" default:"ws://localhost:18789/ws/gateway"`
	GatewayToken         string        `envconfig:"GATEWAY_TOKEN"`
	GatewayClientID      string        `envconfig:"GATEWAY_CLIENT_ID" default:"control-ui"`
	GatewayClientVersion string        `envconfig:"GATEWAY_CLIENT_VERSION" default:"gatewaylink/1.0"`
	GatewayPlatform      string        `envconfig:"GATEWAY_PLATFORM" default:"linux"`
	GatewayMode          string        `envconfig:"GATEWAY_MODE" default:"ui"`
	GatewayRole          string        `envconfig:"GATEWAY_ROLE" default:"operator"`
	GatewayScopes        string        `envconfig:"GATEWAY_SCOPES" default:"operator.admin"` // comma-separated
	RequestTimeout       time.Duration `envconfig:"GATEWAY_REQUEST_TIMEOUT" default:"60s"`
	HandshakeTimeout     time.Duration `envconfig:"GATEWAY_HANDSHAKE_TIMEOUT" default:"10s"`
	ReconnectInterval    time.Duration `envconfig:"GATEWAY_RECONNECT_INTERVAL" default:"1s"`
	MaxReconnectInterval time.Duration `envconfig:"GATEWAY_MAX_RECONNECT_INTERVAL" default:"30s"`
	PingInterval         time.Duration `envconfig:"GATEWAY_PING_INTERVAL" default:"30s"`
	PongTimeout          time.Duration `envconfig:"GATEWAY_PONG_TIMEOUT" default:"10s"`

	// HTTP fallback (optional; disabled when GATEWAY_HTTP_URL is empty)
	FallbackURL     string        `envconfig:"GATEWAY_HTTP_URL"`
	AbortURL        string        `envconfig:"GATEWAY_ABORT_URL"`
	FallbackTimeout time.Duration `envconfig:"GATEWAY_HTTP_TIMEOUT" default:"60s"`
	FallbackRetries int           `envconfig:"GATEWAY_HTTP_RETRIES" default:"3"`

	// Local state
	SessionPollInterval time.Duration `envconfig:"SESSION_POLL_INTERVAL" default:"30s"`

	// Control API
	APIListenAddr     string `envconfig:"API_LISTEN_ADDR" default:":8090"`
	APIAuthMode       string `envconfig:"API_AUTH_MODE" default:"api-key"`
	APIKey            string `envconfig:"API_KEY"`
	APIRateLimitRPS   int    `envconfig:"API_RATE_LIMIT_RPS" default:"100"`
	APIRateLimitBurst int    `envconfig:"API_RATE_LIMIT_BURST" default:"200"`
	APICORSOrigins    string `envconfig:"API_CORS_ORIGINS"`
	APITLSCert        string `envconfig:"API_TLS_CERT"`
	APITLSKey         string `envconfig:"API_TLS_KEY"`
}

// FallbackEnabled returns true if the HTTP fallback transport is configured.
func (c *Config) FallbackEnabled() bool {
	return c.FallbackURL != ""
}

// ScopeList returns the parsed gateway scopes.
func (c *Config) ScopeList() []string {
	return splitList(c.GatewayScopes)
}

// CORSOriginList returns the parsed list of allowed CORS origins.
func (c *Config) CORSOriginList() []string {
	return splitList(c.APICORSOrigins)
}

// IsDevelopment reports whether human-readable logging should be used.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// GatewayConfig projects the settings used by gateway.Conn.
func (c *Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		URL:                  c.GatewayURL,
		Token:                c.GatewayToken,
		ClientID:             c.GatewayClientID,
		ClientVersion:        c.GatewayClientVersion,
		Platform:             c.GatewayPlatform,
		Mode:                 c.GatewayMode,
		Role:                 c.GatewayRole,
		Scopes:               c.ScopeList(),
		RequestTimeout:       c.RequestTimeout,
		HandshakeTimeout:     c.HandshakeTimeout,
		ReconnectInterval:    c.ReconnectInterval,
		MaxReconnectInterval: c.MaxReconnectInterval,
		PingInterval:         c.PingInterval,
		PongTimeout:          c.PongTimeout,
	}
}

// HTTPConfig projects the settings used by the fallback transport.
func (c *Config) HTTPConfig() gateway.HTTPConfig {
	rc := retry.DefaultConfig()
	if c.FallbackRetries > 0 {
		rc.MaxAttempts = c.FallbackRetries
	}
	return gateway.HTTPConfig{
		BaseURL:  c.FallbackURL,
		Token:    c.GatewayToken,
		AbortURL: c.AbortURL,
		Timeout:  c.FallbackTimeout,
		Retry:    rc,
	}
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	u, err := url.Parse(c.GatewayURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("GATEWAY_URL must be a ws:// or wss:// URL, got %q", c.GatewayURL)
	}
	for name, raw := range map[string]string{"GATEWAY_HTTP_URL": c.FallbackURL, "GATEWAY_ABORT_URL": c.AbortURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an http:// or https:// URL, got %q", name, raw)
		}
	}
	switch c.APIAuthMode {
	case "none":
	case "api-key":
		if c.APIKey == "" {
			return fmt.Errorf("API_KEY is required when API_AUTH_MODE=api-key")
		}
	default:
		return fmt.Errorf("unknown API_AUTH_MODE %q", c.APIAuthMode)
	}
	if c.ReconnectInterval <= 0 || c.MaxReconnectInterval < c.ReconnectInterval {
		return fmt.Errorf("reconnect interval %s must be positive and not exceed max %s", c.ReconnectInterval, c.MaxReconnectInterval)
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
