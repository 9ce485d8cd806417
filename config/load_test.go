package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "authvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
token:
  access_ttl: 5m
  private_key: "0123456789abcdef0123456789abcdef"
lockout:
  threshold: 3
session:
  sliding_expiry: true
rate_limit:
  max_login_attempts: 7
theft_response:
  terminate_session_on_reuse: false
password:
  upgrade_on_login: true
`)

	policy, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, policy.Token.AccessTTL)
	assert.Equal(t, []byte("0123456789abcdef0123456789abcdef"), policy.Token.PrivateKey)
	assert.Equal(t, 3, policy.Lockout.Threshold)
	assert.True(t, policy.Session.SlidingExpiry)
	assert.Equal(t, 7, policy.RateLimit.MaxLoginAttempts)
	assert.False(t, policy.TheftResponse.TerminateSessionOnReuse)
	assert.True(t, policy.Password.UpgradeOnLogin)

	// Untouched keys keep their defaults.
	assert.Equal(t, 14*24*time.Hour, policy.Token.RefreshTTL)
	assert.Equal(t, 30*time.Minute, policy.Lockout.Duration)
	assert.Equal(t, "av", policy.Session.RedisPrefix)
}

func TestLoadValidatableResult(t *testing.T) {
	path := writeConfig(t, `
token:
  private_key: "0123456789abcdef0123456789abcdef"
`)

	policy, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, policy.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
