package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Connection.ConnectTimeout)
	assert.Equal(t, 12*time.Second, cfg.Connection.QRDedupWindow)
	assert.Equal(t, 30*time.Second, cfg.Connection.QRTimeout)
	assert.Equal(t, 7*time.Second, cfg.Health.PingTimeout)
	assert.Equal(t, 5, cfg.Session.MaxBackupsPerConnection)
	assert.Equal(t, int64(100*1024*1024), cfg.Session.MaxBackupBytes)
	assert.Equal(t, 5000, cfg.Inbound.DebounceMs)
	assert.False(t, cfg.Send.SplitEnabled)
	assert.Same(t, cfg, Global)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "3")
	t.Setenv("CONNECTION_CONNECT_TIMEOUT", "20s")
	t.Setenv("SEND_CHUNK_DELAY", "250")
	t.Setenv("SEND_SPLIT_ENABLED", "on")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 20*time.Second, cfg.Connection.ConnectTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Send.ChunkDelay)
	assert.True(t, cfg.Send.SplitEnabled)
}

func TestLoadConfig_RejectsInvalidValues(t *testing.T) {
	t.Setenv("DB_DRIVER", "mysql")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestValidate_DelayBounds(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	cfg.Send.MinDelay = 10 * time.Second
	cfg.Send.MaxDelay = time.Second
	assert.Error(t, cfg.Validate())
}
