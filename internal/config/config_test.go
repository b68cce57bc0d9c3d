package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "Asia/Tokyo", cfg.Timezone)
	assert.Equal(t, 5, cfg.Dispatch.Width)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.Timeout)
	assert.True(t, cfg.Dispatch.Enabled)
	assert.False(t, cfg.Dispatch.EnforceScheduledQuota)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cronrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9000"
log_format: json
jwt_secret: from-file-but-too-short
dispatch:
  width: 8
  timeout: 3s
  enforce_scheduled_quota: true
rate_limit:
  rps: 2.5
`), 0o600))

	t.Setenv("CRONRELAY_JWT_SECRET", secret)
	t.Setenv("CRONRELAY_DISPATCH_WIDTH", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, secret, cfg.JWTSecret)
	assert.Equal(t, 3, cfg.Dispatch.Width)
	assert.Equal(t, 3*time.Second, cfg.Dispatch.Timeout)
	assert.True(t, cfg.Dispatch.EnforceScheduledQuota)
	assert.Equal(t, 2.5, cfg.RateLimit.RPS)
	// untouched defaults survive a partial file
	assert.Equal(t, 20, cfg.RateLimit.Burst)
	require.NoError(t, cfg.Validate())
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("CRONRELAY_DISPATCH_TIMEOUT", "ten seconds")
	t.Setenv("CRONRELAY_QUEUE_WORKERS", "many")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CRONRELAY_DISPATCH_TIMEOUT")
	assert.Contains(t, err.Error(), "CRONRELAY_QUEUE_WORKERS")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.JWTSecret = "short"
	cfg.Timezone = "Nowhere/City"
	cfg.Dispatch.Width = 0

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "jwt_secret")
	assert.Contains(t, msg, "timezone")
	assert.Contains(t, msg, "dispatch.width")
	assert.Equal(t, 3, strings.Count(msg, "\n")+1)

	cfg = Default()
	cfg.JWTSecret = secret
	assert.NoError(t, cfg.Validate())
}
