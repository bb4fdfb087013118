// ABOUTME: Tests for configuration loading and validation
// ABOUTME: Uses temp YAML files and a fake environment
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := load("", env(nil))
	require.NoError(t, err)
	assert.Equal(t, 8244, cfg.LeaderPort)
	assert.Equal(t, 8247, cfg.ClientPort)
	assert.Equal(t, 8245, cfg.DiscoveryPort)
	assert.Equal(t, 8246, cfg.TransferPort)
	assert.Equal(t, "RecSync-Secret-2024", cfg.Token)
	assert.Equal(t, 30, cfg.Sync.WindowSize)
	assert.Equal(t, 3*time.Second, cfg.Heartbeat.StaleAfter)
}

func TestYAMLOverlaysDefaults(t *testing.T) {
	path := writeYAML(t, `
name: stage-left
max_clients: 4
monitor_addr: ":9090"
sync:
  window_size: 20
  min_round_trip: 50us
heartbeat:
  stale_after: 5s
discovery:
  manual_leader: 192.168.1.10
  enable_mdns: false
`)

	cfg, err := load(path, env(nil))
	require.NoError(t, err)
	assert.Equal(t, "stage-left", cfg.Name)
	assert.Equal(t, 4, cfg.MaxClients)
	assert.Equal(t, ":9090", cfg.MonitorAddr)
	assert.Equal(t, 20, cfg.Sync.WindowSize)
	assert.Equal(t, 50*time.Microsecond, cfg.Sync.MinRoundTrip)
	assert.Equal(t, 30, cfg.Sync.BestPercent, "unset keys keep defaults")
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.StaleAfter)
	assert.Equal(t, "192.168.1.10", cfg.Discovery.ManualLeader)
	assert.False(t, cfg.Discovery.EnableMDNS)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeYAML(t, "leader_port: 9000\ntoken: from-file\n")

	cfg, err := load(path, env(map[string]string{
		EnvLeaderPort:    "9100",
		EnvClientPort:    "9101",
		EnvDiscoveryPort: "9102",
		EnvToken:         "from-env",
		EnvLogLevel:      "DEBUG",
	}))
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.LeaderPort)
	assert.Equal(t, 9101, cfg.ClientPort)
	assert.Equal(t, 9102, cfg.DiscoveryPort)
	assert.Equal(t, "from-env", cfg.Token)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestBadInputs(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "missing.yaml"), env(nil))
	assert.Error(t, err)

	_, err = load(writeYAML(t, "sync: [not, a, map]"), env(nil))
	assert.Error(t, err)

	_, err = load("", env(map[string]string{EnvLeaderPort: "eighty"}))
	assert.ErrorContains(t, err, EnvLeaderPort)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"equal ports", func(c *Config) { c.ClientPort = c.LeaderPort }, "must differ"},
		{"port range", func(c *Config) { c.DiscoveryPort = 70000 }, "discovery_port"},
		{"empty window", func(c *Config) { c.Sync.WindowSize = 0 }, "window_size"},
		{"best percent", func(c *Config) { c.Sync.BestPercent = 101 }, "best_percent"},
		{"stale too short", func(c *Config) { c.Heartbeat.StaleAfter = 1500 * time.Millisecond }, "stale_after"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"no token", func(c *Config) { c.Token = "" }, "token"},
		{"no clients", func(c *Config) { c.MaxClients = 0 }, "max_clients"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}

	cfg := Default()
	cfg.Heartbeat.StaleAfter = 2 * cfg.Heartbeat.SyncedInterval
	assert.NoError(t, cfg.Validate(), "exactly twice the interval is allowed")
}

func TestValidatePortErrorsInFixedOrder(t *testing.T) {
	cfg := Default()
	cfg.LeaderPort = 0
	cfg.ClientPort = -1
	cfg.DiscoveryPort = 70000
	cfg.TransferPort = 65536

	want := "leader_port must be 1-65535, got 0\n" +
		"client_port must be 1-65535, got -1\n" +
		"discovery_port must be 1-65535, got 70000\n" +
		"transfer_port must be 1-65535, got 65536"
	for i := 0; i < 20; i++ {
		err := cfg.Validate()
		require.Error(t, err)
		assert.Equal(t, want, err.Error())
	}
}
