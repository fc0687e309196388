package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 20, cfg.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.Interaction.RequestTTL)
	assert.Equal(t, 20*time.Second, cfg.Interaction.NegotiationTimeout)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.Retention)
	assert.Empty(t, cfg.Auth.Secret)
}

func TestFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: debug
port: 9000
allowed_origins: ["https://play.example.com"]
auth:
  issuer: lobby-auth
interaction:
  request_ttl: 45s
ratelimit:
  rules:
    send_message:
      max: 3
      window: 2s
      message: slow down
`), 0o600))

	t.Setenv("LOBBY_MAX_CONNECTIONS", "7")
	t.Setenv("LOBBY_AUTH_SECRET", "from-env")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, []string{"https://play.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 7, cfg.MaxConnections)
	assert.Equal(t, "from-env", cfg.Auth.Secret)
	assert.Equal(t, "lobby-auth", cfg.Auth.Issuer)
	assert.Equal(t, 45*time.Second, cfg.Interaction.RequestTTL)
	assert.Equal(t, RuleSpec{Max: 3, Window: 2 * time.Second, Message: "slow down"}, cfg.RateLimit.Rules["send_message"])
}

func TestValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 0
ratelimit:
  rules:
    signal:
      max: 0
`), 0o600))

	_, err := LoadFrom(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
	assert.Contains(t, err.Error(), "ratelimit.rules.signal")
}

func TestRetentionMustCoverLongestWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ratelimit:
  retention: 30s
`), 0o600))
	_, err := LoadFrom(path)
	require.Error(t, err, "default friend-request window is a minute")
	assert.Contains(t, err.Error(), "ratelimit.retention")

	require.NoError(t, os.WriteFile(path, []byte(`
ratelimit:
  retention: 5m
  rules:
    signal:
      max: 10
      window: 10m
`), 0o600))
	_, err = LoadFrom(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "10m0s")

	require.NoError(t, os.WriteFile(path, []byte(`
ratelimit:
  retention: 10m
  rules:
    signal:
      max: 10
      window: 10m
`), 0o600))
	_, err = LoadFrom(path)
	require.NoError(t, err)
}
