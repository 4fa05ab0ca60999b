package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewConfigRequiresHomeserver fails fast without the homeserver URL.
func TestNewConfigRequiresHomeserver(t *testing.T) {
	t.Setenv("MATRIX_HOMESERVER_URL", "")

	_, err := NewConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MATRIX_HOMESERVER_URL")
}

// TestNewConfigDefaults applies defaults for everything optional.
func TestNewConfigDefaults(t *testing.T) {
	t.Setenv("MATRIX_HOMESERVER_URL", "https://matrix.example.com")
	t.Setenv("IRC_PORT", "")
	t.Setenv("ADMIN_PORT", "")
	t.Setenv("SERVER_NAME", "")
	t.Setenv("LOGLEVEL", "")
	t.Setenv("SYNC_TIMEOUT_S", "")
	t.Setenv("SUPER_ADMIN_TOKEN", "")
	t.Setenv("ALIAS_FILE", "")

	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, "6667", cfg.IRCPort)
	assert.Equal(t, "8080", cfg.AdminPort)
	assert.Equal(t, "matrix2irc", cfg.ServerName)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.SyncTimeout)
	assert.Empty(t, cfg.AdminToken)
	assert.Empty(t, cfg.AliasFile)
}

// TestNewConfigOverrides loads explicit values from the environment.
func TestNewConfigOverrides(t *testing.T) {
	t.Setenv("MATRIX_HOMESERVER_URL", "https://matrix.example.com")
	t.Setenv("IRC_PORT", "6697")
	t.Setenv("SERVER_NAME", "gateway.example.com")
	t.Setenv("SYNC_TIMEOUT_S", "60")
	t.Setenv("SUPER_ADMIN_TOKEN", "hunter2")

	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, "6697", cfg.IRCPort)
	assert.Equal(t, "gateway.example.com", cfg.ServerName)
	assert.Equal(t, 60*time.Second, cfg.SyncTimeout)
	assert.Equal(t, "hunter2", cfg.AdminToken)
}

// TestNewConfigInvalidTimeout falls back to the default on junk input.
func TestNewConfigInvalidTimeout(t *testing.T) {
	t.Setenv("MATRIX_HOMESERVER_URL", "https://matrix.example.com")
	t.Setenv("SYNC_TIMEOUT_S", "not-a-number")

	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.SyncTimeout)
}
