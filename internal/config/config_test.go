package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 3, cfg.WebhookMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, time.Second, cfg.WebhookBackoffBase)
	assert.Equal(t, 24*time.Hour, cfg.DefaultTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, int64(1024*1024), cfg.MaxRequestBodyBytes)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SOUDAN_PORT", "9999")
	t.Setenv("SOUDAN_WEBHOOK_TIMEOUT", "5s")
	t.Setenv("SOUDAN_WEBHOOK_MAX_ATTEMPTS", "5")
	t.Setenv("SOUDAN_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, 5, cfg.WebhookMaxAttempts)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("SOUDAN_PORT", "not-a-number")
	t.Setenv("SOUDAN_WEBHOOK_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.WebhookTimeout)
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.WebhookMaxAttempts = 0
	require.Error(t, cfg.Validate())

	cfg.WebhookMaxAttempts = 3
	cfg.DatabaseURL = ""
	require.Error(t, cfg.Validate())
}
