package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
heartbeat_interval: 10
heartbeat_timeout: 30s
resource: realtime
transports:
  - websocket
  - xhr-polling
manager:
  driver: redis
  buckets_count: 16
`

type testSettings struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	Resource          string        `mapstructure:"resource"`
	Transports        []string      `mapstructure:"transports"`
	Manager           struct {
		Driver       string `mapstructure:"driver"`
		BucketsCount int    `mapstructure:"buckets_count"`
		KeyPrefix    string `mapstructure:"key_prefix"`
	} `mapstructure:"manager"`
}

func writeTestConfig(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAndUnmarshal(t *testing.T) {
	path := writeTestConfig(t, t.TempDir(), "sio.yaml", testYAML)

	c := New(WithConfigFile(path), WithDefaults(map[string]any{
		"manager.key_prefix": "socketio:",
	}))
	require.NoError(t, c.Load())
	assert.Equal(t, path, c.ConfigFileUsed())

	var s testSettings
	require.NoError(t, c.Unmarshal(&s))
	assert.Equal(t, 10*time.Second, s.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, s.HeartbeatTimeout)
	assert.Equal(t, "realtime", s.Resource)
	assert.Equal(t, []string{"websocket", "xhr-polling"}, s.Transports)
	assert.Equal(t, "redis", s.Manager.Driver)
	assert.Equal(t, 16, s.Manager.BucketsCount)
	assert.Equal(t, "socketio:", s.Manager.KeyPrefix)
}

func TestGetters(t *testing.T) {
	path := writeTestConfig(t, t.TempDir(), "sio.yaml", testYAML)
	c := New(WithConfigFile(path))
	require.NoError(t, c.Load())

	assert.Equal(t, "realtime", c.GetString("resource"))
	assert.Equal(t, 16, c.GetInt("manager.buckets_count"))
	assert.Equal(t, 10*time.Second, c.GetDuration("heartbeat_interval"))
	assert.Equal(t, 30*time.Second, c.GetDuration("heartbeat_timeout"))
	assert.Equal(t, []string{"websocket", "xhr-polling"}, c.GetStringSlice("transports"))
	assert.Equal(t, "redis", Get[string](c, "manager.driver"))
	assert.Equal(t, 0, Get[int](c, "resource"))
	assert.True(t, c.IsSet("manager.driver"))

	c.Set("resource", "other")
	assert.Equal(t, "other", c.GetString("resource"))
}

func TestEnvOverride(t *testing.T) {
	path := writeTestConfig(t, t.TempDir(), "sio.yaml", testYAML)
	t.Setenv("SIOTEST_RESOURCE", "fromenv")
	t.Setenv("SIOTEST_MANAGER_BUCKETS_COUNT", "64")
	t.Setenv("SIOTEST_HEARTBEAT_INTERVAL", "15")

	c := New(WithConfigFile(path), WithEnvPrefix("SIOTEST"))
	require.NoError(t, c.Load())

	var s testSettings
	require.NoError(t, c.Unmarshal(&s))
	assert.Equal(t, "fromenv", s.Resource)
	assert.Equal(t, 64, s.Manager.BucketsCount)
	assert.Equal(t, 15*time.Second, s.HeartbeatInterval)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	c := New(WithDefaults(map[string]any{"resource": "socket.io"}))
	require.NoError(t, c.Load())
	assert.Equal(t, "socket.io", c.GetString("resource"))
}

func TestLoadErrors(t *testing.T) {
	c := New(WithConfigName("missing"), WithConfigPaths(t.TempDir()))
	assert.ErrorIs(t, c.Load(), ErrConfigNotFound)

	path := writeTestConfig(t, t.TempDir(), "broken.yaml", "resource: [unterminated")
	c = New(WithConfigFile(path))
	assert.ErrorIs(t, c.Load(), ErrConfigReadFailed)
}

func TestUnmarshalDecodeError(t *testing.T) {
	c := New(WithDefaults(map[string]any{"heartbeat_interval": "soon"}))
	require.NoError(t, c.Load())

	var s testSettings
	assert.ErrorIs(t, c.Unmarshal(&s), ErrConfigDecodeFailed)
}

func TestWatchTriggersOnChange(t *testing.T) {
	path := writeTestConfig(t, t.TempDir(), "sio.yaml", testYAML)

	changed := make(chan struct{}, 4)
	c := New(WithConfigFile(path), WithAutoWatch(true), WithOnChange(func() {
		changed <- struct{}{}
	}))
	require.NoError(t, c.Load())
	defer c.Close()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("resource: reloaded\n"), 0o644))

	select {
	case <-changed:
		assert.Eventually(t, func() bool { return c.GetString("resource") == "reloaded" }, time.Second, 20*time.Millisecond)
	case <-time.After(3 * time.Second):
		t.Fatal("onChange was not called")
	}
}
