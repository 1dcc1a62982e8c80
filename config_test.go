package sio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/sio/pkg/manager"
	"github.com/tokmz/sio/pkg/transport"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "socket.io", cfg.Resource)
	assert.Equal(t, 25*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 60*time.Second, cfg.CloseTimeout)
	assert.Equal(t, transport.All, cfg.Transports)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"timeout not above interval", func(c *Config) { c.HeartbeatTimeout = c.HeartbeatInterval }},
		{"empty transports", func(c *Config) { c.Transports = nil }},
		{"unknown transport", func(c *Config) { c.Transports = []string{"xhr-polling", "smoke-signal"} }},
		{"empty resource", func(c *Config) { c.Resource = "" }},
		{"nested resource", func(c *Config) { c.Resource = "a/b" }},
		{"polling outlives heartbeat", func(c *Config) { c.Transport.PollingTimeout = c.HeartbeatTimeout }},
		{"bad metrics path", func(c *Config) { c.Metrics.Enabled, c.Metrics.Path = true, "metrics" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	cfg := DefaultConfig()
	cfg.Manager.Driver = manager.DriverRedis
	cfg.Manager.BucketsCount = 0
	assert.ErrorIs(t, cfg.Validate(), manager.ErrInvalidConfig)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(WithHeartbeat(time.Minute, time.Second))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

const testConfigYAML = `
resource: realtime
heartbeat_interval: 10
heartbeat_timeout: 30s
transports: [websocket, xhr-polling]
server:
  addr: ":9000"
transport:
  polling_timeout: 2
  cors:
    allow_origins: ["https://*.example.com"]
manager:
  driver: redis
  buckets_count: 8
  redis:
    addr: "redis:6379"
log:
  level: debug
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o644))
	t.Setenv("SIOTEST_CLOSE_TIMEOUT", "15")

	cfg, err := LoadConfig(path, "SIOTEST")
	require.NoError(t, err)
	assert.Equal(t, "realtime", cfg.Resource)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 15*time.Second, cfg.CloseTimeout)
	assert.Equal(t, []string{"websocket", "xhr-polling"}, cfg.Transports)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 2*time.Second, cfg.Transport.PollingTimeout)
	assert.Equal(t, []string{"https://*.example.com"}, cfg.Transport.CORS.AllowOrigins)
	assert.Equal(t, manager.DriverRedis, cfg.Manager.Driver)
	assert.Equal(t, 8, cfg.Manager.BucketsCount)
	assert.Equal(t, "redis:6379", cfg.Manager.Redis.Addr)
	assert.Equal(t, "socketio.socket:", cfg.Manager.KeyPrefix)
	assert.EqualValues(t, "debug", cfg.Log.Level)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	t.Setenv("SIO_MANAGER_DRIVER", "redis")
	cfg, err := LoadConfig("", "")
	require.NoError(t, err)
	assert.Equal(t, manager.DriverRedis, cfg.Manager.Driver)
	assert.Equal(t, "socket.io", cfg.Resource)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sio.yaml")
	require.NoError(t, os.WriteFile(path, []byte("heartbeat_interval: 90\n"), 0o644))
	_, err := LoadConfig(path, "SIOTEST")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestWatchConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sio.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))

	changed := make(chan *Config, 4)
	cfg, stop, err := WatchConfig(path, "SIOTEST", func(c *Config) { changed <- c })
	require.NoError(t, err)
	defer stop()
	assert.EqualValues(t, "info", cfg.Log.Level)

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o644))
	select {
	case c := <-changed:
		assert.EqualValues(t, "warn", c.Log.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("change not observed")
	}
}
