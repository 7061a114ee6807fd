package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("CONFIG_FILE", path)
}

func TestLoadFileAndDefaults(t *testing.T) {
	writeConfig(t, `
mode: debug
port: 9090
auth:
  jwt_secret: s3cret
  max_connections_per_user: 2
signaling:
  ice_servers: ["stun:a.example.org:3478"]
`)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, 2, cfg.Auth.MaxConnectionsPerUser)
	assert.Equal(t, []string{"stun:a.example.org:3478"}, cfg.Signaling.ICEServers)

	assert.Equal(t, []string{"HS256"}, cfg.Auth.Algorithms)
	assert.Equal(t, 10*time.Second, cfg.Auth.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Messaging.TypingTTL)
	assert.Equal(t, 64, cfg.Transport.SendBuffer)
	assert.Equal(t, "__session", cfg.Auth.SessionName)
	assert.Equal(t, 500*time.Millisecond, cfg.Auth.FrameWait)
	assert.Empty(t, cfg.TrustedProxies)
}

func TestEnvOverridesFile(t *testing.T) {
	writeConfig(t, `
mode: debug
auth:
  jwt_secret: from-file
`)
	t.Setenv("REALTIME_AUTH_JWT_SECRET", "from-env")
	t.Setenv("REALTIME_PORT", "7070")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 7070, cfg.Port)
}

func TestMissingSecretFails(t *testing.T) {
	writeConfig(t, "mode: release\n")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestValidate(t *testing.T) {
	good := Config{
		Auth:      AuthConfig{JWTSecret: "x", Algorithms: []string{"HS256"}, MaxAttempts: 1, AttemptWindow: time.Second},
		Transport: TransportConfig{SendBuffer: 1},
	}
	require.NoError(t, good.Validate())

	noAlg := good
	noAlg.Auth.Algorithms = nil
	assert.Error(t, noAlg.Validate())

	noLimit := good
	noLimit.Auth.MaxAttempts = 0
	assert.Error(t, noLimit.Validate())

	noBuffer := good
	noBuffer.Transport.SendBuffer = 0
	assert.Error(t, noBuffer.Validate())

	openRelease := good
	openRelease.Mode = "release"
	err := openRelease.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "events_token")

	openRelease.EventsToken = "t"
	assert.NoError(t, openRelease.Validate())
}

func TestReleaseRequiresEventsToken(t *testing.T) {
	writeConfig(t, `
mode: release
trusted_proxies: ["10.0.0.0/8"]
auth:
  jwt_secret: s3cret
`)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "events_token")

	t.Setenv("REALTIME_EVENTS_TOKEN", "ingest")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ingest", cfg.EventsToken)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.TrustedProxies)
}
