package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "ws://localhost:18789/ws/gateway", cfg.GatewayURL)
	assert.Equal(t, 60*time.Second, cfg.RequestTimeout)
	assert.Equal(t, time.Second, cfg.ReconnectInterval)
	assert.Equal(t, 30*time.Second, cfg.MaxReconnectInterval)
	assert.Equal(t, ":8090", cfg.APIListenAddr)
	assert.Equal(t, "api-key", cfg.APIAuthMode)
	assert.False(t, cfg.FallbackEnabled())
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("GATEWAY_URL", "wss://gw.example.com/ws/gateway")
	t.Setenv("GATEWAY_TOKEN", "tok")
	t.Setenv("GATEWAY_SCOPES", "operator.read, operator.write ,")
	t.Setenv("GATEWAY_HTTP_URL", "https://gw.example.com")
	t.Setenv("GATEWAY_RECONNECT_INTERVAL", "500ms")
	t.Setenv("SESSION_POLL_INTERVAL", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.GatewayToken)
	assert.Equal(t, []string{"operator.read", "operator.write"}, cfg.ScopeList())
	assert.True(t, cfg.FallbackEnabled())
	assert.Equal(t, 500*time.Millisecond, cfg.ReconnectInterval)
	assert.Equal(t, 5*time.Second, cfg.SessionPollInterval)
}

func TestLoadWithPrefix(t *testing.T) {
	t.Setenv("GWLINK_API_LISTEN_ADDR", ":9999")
	cfg, err := LoadWithPrefix("GWLINK")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.APIListenAddr)
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("GATEWAY_REQUEST_TIMEOUT", "soon")
	_, err := Load()
	assert.Error(t, err)
}

func TestGatewayConfig(t *testing.T) {
	t.Setenv("GATEWAY_TOKEN", "tok")
	t.Setenv("GATEWAY_PING_INTERVAL", "15s")
	cfg, err := Load()
	require.NoError(t, err)

	gc := cfg.GatewayConfig()
	assert.Equal(t, cfg.GatewayURL, gc.URL)
	assert.Equal(t, "tok", gc.Token)
	assert.Equal(t, []string{"operator.admin"}, gc.Scopes)
	assert.Equal(t, 15*time.Second, gc.PingInterval)
	assert.Equal(t, 10*time.Second, gc.HandshakeTimeout)
}

func TestHTTPConfig(t *testing.T) {
	t.Setenv("GATEWAY_HTTP_URL", "http://localhost:18789")
	t.Setenv("GATEWAY_ABORT_URL", "http://localhost:18789/abort")
	t.Setenv("GATEWAY_HTTP_RETRIES", "5")
	cfg, err := Load()
	require.NoError(t, err)

	hc := cfg.HTTPConfig()
	assert.Equal(t, "http://localhost:18789", hc.BaseURL)
	assert.Equal(t, "http://localhost:18789/abort", hc.AbortURL)
	assert.Equal(t, 5, hc.Retry.MaxAttempts)
	assert.Equal(t, 60*time.Second, hc.Timeout)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		cfg.APIKey = "k"
		return cfg
	}

	assert.NoError(t, base().Validate())

	cfg := base()
	cfg.GatewayURL = "http://localhost:18789"
	assert.ErrorContains(t, cfg.Validate(), "GATEWAY_URL")

	cfg = base()
	cfg.FallbackURL = "ftp://x"
	assert.ErrorContains(t, cfg.Validate(), "GATEWAY_HTTP_URL")

	cfg = base()
	cfg.APIKey = ""
	assert.ErrorContains(t, cfg.Validate(), "API_KEY")

	cfg = base()
	cfg.APIKey = ""
	cfg.APIAuthMode = "none"
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.APIAuthMode = "mtls"
	assert.ErrorContains(t, cfg.Validate(), "API_AUTH_MODE")

	cfg = base()
	cfg.MaxReconnectInterval = 10 * time.Millisecond
	assert.ErrorContains(t, cfg.Validate(), "reconnect")
}

func TestCORSOriginList(t *testing.T) {
	cfg := &Config{APICORSOrigins: "http://a.test, http://b.test"}
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOriginList())
	assert.Nil(t, (&Config{}).CORSOriginList())
}
