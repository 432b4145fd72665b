package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("SUREPASS_API_KEY", "")

	cfg, err := FromEnv("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.CORSAllowedOrigins)
	assert.Equal(t, ProviderModeSurepass, cfg.Provider.Mode)
	assert.Equal(t, 5*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, 3, cfg.Verification.MaxAttempts)
	assert.Equal(t, 3, cfg.Verification.MaxResends)
	assert.Equal(t, 10*time.Minute, cfg.Verification.SessionTTL)
	assert.Equal(t, 30*time.Second, cfg.Verification.ResendCooldown)
	assert.Equal(t, 15*time.Minute, cfg.Verification.Retention)
	assert.Equal(t, time.Minute, cfg.Verification.SweepInterval)
	assert.Equal(t, 5, cfg.Verification.StartLimit)
	assert.Equal(t, time.Hour, cfg.Verification.StartWindow)
	assert.Equal(t, 60, cfg.Verification.IPLimit)
	assert.Equal(t, time.Minute, cfg.Verification.IPWindow)
	assert.True(t, cfg.MissingProviderKey())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("VERIFY_ADDR", ":9090")
	t.Setenv("PROVIDER_MODE", "FAKE")
	t.Setenv("VERIFY_MAX_ATTEMPTS", "5")
	t.Setenv("VERIFY_SESSION_TTL", "2m")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := FromEnv("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, ProviderModeFake, cfg.Provider.Mode)
	assert.Equal(t, 5, cfg.Verification.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Verification.SessionTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSAllowedOrigins)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.False(t, cfg.MissingProviderKey())
}

func TestFromEnvDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("SUREPASS_API_KEY=from-file\nVERIFY_MAX_RESENDS=1\n"), 0o600))
	t.Setenv("VERIFY_MAX_RESENDS", "4")

	cfg, err := FromEnv(dir)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Provider.SurepassAPIKey)
	assert.Equal(t, 4, cfg.Verification.MaxResends, "environment wins over .env")
}

func TestFromEnvRejectsUnknownProviderMode(t *testing.T) {
	t.Setenv("PROVIDER_MODE", "mock")

	_, err := FromEnv("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROVIDER_MODE")
}
