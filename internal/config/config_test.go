package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfigFile(t, "")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/blueprint-manager", cfg.DataDir)
	assert.Equal(t, 30, cfg.BridgeTimeoutSecs)
	assert.Equal(t, 30, cfg.ReaperIntervalSecs)
	assert.Equal(t, "on_failure", cfg.DefaultRestartPolicy.Kind)
	assert.Equal(t, 3, cfg.DefaultRestartPolicy.Max)
}

func TestLoad_OverridesFromFile(t *testing.T) {
	path := writeConfigFile(t, `
data_dir = "/tmp/bp/data"
cache_dir = "/tmp/bp/cache"
runtime_dir = "/tmp/bp/run"
bridge_timeout_secs = 45

[default_restart_policy]
kind = "always"
backoff_ms = 1000

[[protocols]]
kind = "tangle-evm"
http_rpc = "http://localhost:8545"
ws_rpc = "ws://localhost:8546"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/bp/data", cfg.DataDir)
	assert.Equal(t, 45, cfg.BridgeTimeoutSecs)
	assert.Equal(t, "always", cfg.DefaultRestartPolicy.Kind)
	require.Len(t, cfg.Protocols, 1)
	assert.Equal(t, "tangle-evm", cfg.Protocols[0].Kind)
	assert.Equal(t, "http://localhost:8545", cfg.Protocols[0].HTTPRPC)
}

func TestLoad_RejectsUnknownProtocolKind(t *testing.T) {
	path := writeConfigFile(t, `
[[protocols]]
kind = "bogus-chain"
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsUnknownRestartPolicyKind(t *testing.T) {
	path := writeConfigFile(t, `
[default_restart_policy]
kind = "sometimes"
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestBridgeTimeoutAndReaperInterval(t *testing.T) {
	cfg := &Config{BridgeTimeoutSecs: 10, ReaperIntervalSecs: 20}
	assert.Equal(t, 10e9, float64(cfg.BridgeTimeout()))
	assert.Equal(t, 20e9, float64(cfg.ReaperInterval()))
}
