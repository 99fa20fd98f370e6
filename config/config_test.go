package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "localhost:8080", cfg.Addr())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statesocket.yaml")
	content := `
server:
  port: 9090
storage:
  driver: bolt
  data_dir: /var/lib/statesocket
session:
  heartbeat_interval: 5s
  ping_timeout: 2s
  enable_versioning: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host, "unset fields keep their defaults")
	assert.Equal(t, DriverBolt, cfg.Storage.Driver)
	assert.Equal(t, 5*time.Second, cfg.Session.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, cfg.Session.PingTimeout)
	assert.False(t, cfg.Session.EnableVersioning)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [oops"), 0644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"STATESOCKET_PORT":                "7000",
		"STATESOCKET_STORAGE_DRIVER":      "memory",
		"STATESOCKET_HEARTBEAT_INTERVAL":  "1s",
		"STATESOCKET_BROADCAST_ON_CHANGE": "false",
		"STATESOCKET_LOG_LEVEL":           "debug",
		"NGROK_ENABLED":                   "1",
		"NGROK_AUTH_TOKEN":                "secret",
	}))
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, time.Second, cfg.Session.HeartbeatInterval)
	assert.False(t, cfg.Session.BroadcastOnChange)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Ngrok.Enabled)
	assert.Equal(t, "secret", cfg.Ngrok.AuthToken)
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"STATESOCKET_PORT":         "eighty",
		"STATESOCKET_PING_TIMEOUT": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STATESOCKET_PORT")
	assert.Contains(t, err.Error(), "STATESOCKET_PING_TIMEOUT")
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "out of range"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }, "unknown storage driver"},
		{"missing data dir", func(c *Config) { c.Storage.DataDir = "" }, "data_dir is required"},
		{"ping timeout without heartbeat", func(c *Config) { c.Session.HeartbeatInterval = 0 }, "requires heartbeat_interval"},
		{"negative interval", func(c *Config) { c.Session.SyncInterval = -time.Second }, "must not be negative"},
		{"ngrok without token", func(c *Config) { c.Ngrok.Enabled = true }, "auth token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	t.Run("memory driver needs no data dir", func(t *testing.T) {
		cfg := Default()
		cfg.Storage.Driver = DriverMemory
		cfg.Storage.DataDir = ""
		assert.NoError(t, cfg.Validate())
	})
}
