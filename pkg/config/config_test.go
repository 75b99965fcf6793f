package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-farm/kiln/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"KILN_DB_PATH", "KILN_CREDENTIAL_DB_PATH", "KILN_MASTER_KEY",
		"KILN_LOG_LEVEL", "KILN_EVENT_QUEUE_SIZE", "KILN_QUOTE_CACHE_TTL",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()
	assert.Contains(t, cfg.DBPath, "kiln.db")
	assert.Contains(t, cfg.CredentialDBPath, "credentials.db")
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10_000, cfg.EventQueueSize)
	assert.Equal(t, time.Hour, cfg.QuoteCacheTTL)
	assert.Empty(t, cfg.MasterKey)
	assert.Empty(t, cfg.StripeSecretKey)
	assert.Empty(t, cfg.OTLPEndpoint, "telemetry export is opt-in")
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("KILN_DB_PATH", "/var/lib/kiln/fleet.db")
	t.Setenv("KILN_LOG_LEVEL", "debug")
	t.Setenv("KILN_EVENT_QUEUE_SIZE", "500")
	t.Setenv("KILN_QUOTE_CACHE_TTL", "30m")
	t.Setenv("KILN_STRIPE_SECRET_KEY", "sk_test_abc")
	t.Setenv("KILN_DEFAULT_RAIL", "circle")
	t.Setenv("KILN_OTLP_ENDPOINT", "otel-collector:4317")

	cfg := config.Load()
	assert.Equal(t, "/var/lib/kiln/fleet.db", cfg.DBPath)
	assert.Equal(t, "/var/lib/kiln/credentials.db", cfg.CredentialDBPath,
		"credential db defaults next to the main db")
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 500, cfg.EventQueueSize)
	assert.Equal(t, 30*time.Minute, cfg.QuoteCacheTTL)
	assert.Equal(t, "sk_test_abc", cfg.StripeSecretKey)
	assert.Equal(t, "circle", cfg.DefaultRail)
	assert.Equal(t, "otel-collector:4317", cfg.OTLPEndpoint)
}

func TestQuoteTTLAcceptsBareSeconds(t *testing.T) {
	t.Setenv("KILN_QUOTE_CACHE_TTL", "900")
	cfg := config.Load()
	assert.Equal(t, 15*time.Minute, cfg.QuoteCacheTTL)
}

func TestBadNumericValuesFallBack(t *testing.T) {
	t.Setenv("KILN_EVENT_QUEUE_SIZE", "lots")
	t.Setenv("KILN_QUOTE_CACHE_TTL", "-5m")
	cfg := config.Load()
	require.NotNil(t, cfg)
	assert.Equal(t, 10_000, cfg.EventQueueSize)
	assert.Equal(t, time.Hour, cfg.QuoteCacheTTL)
}
