package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/sio"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, sio.Version, strings.TrimSpace(out))

	out, err = run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Go version")
}

func TestConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sio.yaml")
	require.NoError(t, os.WriteFile(path, []byte("resource: rt\nmanager:\n  driver: redis\n  redis:\n    password: secret\n"), 0o644))

	out, err := run(t, "config", "--config", path)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "rt", got["resource"])
	mgr := got["manager"].(map[string]any)
	assert.Equal(t, "redis", mgr["driver"])
	assert.NotContains(t, out, "secret")
}

func TestConfigCommandRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sio.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transports: [carrier-pigeon]\n"), 0o644))
	_, err := run(t, "config", "--config", path)
	assert.ErrorIs(t, err, sio.ErrInvalidConfig)
}
