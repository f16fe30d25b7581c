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
	assert.Equal(t, time.Minute, cfg.DrainInterval)
	assert.Equal(t, 500, cfg.DrainBatchSize)
	assert.Equal(t, "platform", cfg.PlatformPrincipal)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PADDOCK_PORT", "9999")
	t.Setenv("PADDOCK_DRAIN_INTERVAL", "5s")
	t.Setenv("PADDOCK_RATE_LIMIT_PER_MINUTE", "10")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.DrainInterval)
	assert.Equal(t, 10, cfg.RateLimitPerMinute)
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.DatabaseURL = ""
	assert.Error(t, cfg.Validate())

	cfg, _ = Load()
	cfg.DrainBatchSize = 0
	assert.Error(t, cfg.Validate())
}
