package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setFacility(t *testing.T) {
	t.Setenv("FACILITY_CODE", "FAC-01")
	t.Setenv("AUTHORITY_CLIENT_ID", "facility-01")
	t.Setenv("AUTHORITY_CLIENT_SECRET", "s3cret")
	t.Setenv("AUTHORITY_BASE_URL", "https://authority.example.org/api/")
}

func TestLoadDefaults(t *testing.T) {
	setFacility(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Facility.RequestTimeout)
	assert.Equal(t, 60*time.Second, cfg.Facility.TokenMargin)
	assert.Equal(t, "https://authority.example.org/api/oauth/token", cfg.Facility.TokenURL())
	assert.Equal(t, []string{"localhost:9092"}, cfg.Broker.Brokers)
	assert.Equal(t, "dev-client", cfg.Server.APIKeys["dev-api-key"])
}

func TestLoadOverrides(t *testing.T) {
	setFacility(t)
	t.Setenv("API_KEYS", "k1:clinic-ui, k2:billing")
	t.Setenv("KAFKA_BROKERS", "b1:9092, b2:9092")
	t.Setenv("AUTHORITY_TIMEOUT", "3s")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "clinic-ui", "k2": "billing"}, cfg.Server.APIKeys)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.Broker.Brokers)
	assert.Equal(t, 3*time.Second, cfg.Facility.RequestTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsLongAuthorityTimeout(t *testing.T) {
	setFacility(t)
	t.Setenv("AUTHORITY_TIMEOUT", "30s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RequestTimeout")
}

func TestLoadRequiresFacilityCredentials(t *testing.T) {
	setFacility(t)
	t.Setenv("AUTHORITY_CLIENT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ClientSecret")
}

func TestLoadRelayIgnoresFacility(t *testing.T) {
	t.Setenv("AUTHORITY_CLIENT_SECRET", "")
	t.Setenv("AUTHORITY_BASE_URL", "")

	cfg, err := LoadRelay()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Outbox.BatchSize)

	t.Setenv("KAFKA_BROKERS", "")
	_, err = LoadRelay()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Brokers")
}
