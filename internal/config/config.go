// ABOUTME: Station configuration: defaults, optional YAML file, then environment overrides
// ABOUTME: Validate rejects settings that would break sync or admission
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/recsync/recsync-go/internal/protocol"
)

// Env variable names.
const (
	EnvToken         = "RECSYNC_TOKEN"
	EnvLeaderPort    = "RECSYNC_LEADER_PORT"
	EnvClientPort    = "RECSYNC_CLIENT_PORT"
	EnvDiscoveryPort = "RECSYNC_DISCOVERY_PORT"
	EnvLogLevel      = "RECSYNC_LOG_LEVEL"
)

// Sync tunes the offset estimator
type Sync struct {
	WindowSize   int           `yaml:"window_size"`
	BestPercent  int           `yaml:"best_percent"`
	MinRoundTrip time.Duration `yaml:"min_round_trip"`
	ResyncAfter  time.Duration `yaml:"resync_after"`
}

// Heartbeat tunes liveness
type Heartbeat struct {
	UnsyncedInterval time.Duration `yaml:"unsynced_interval"`
	SyncedInterval   time.Duration `yaml:"synced_interval"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	SweepPeriod      time.Duration `yaml:"sweep_period"`
}

// Discovery tunes how clients find the leader
type Discovery struct {
	Timeout      time.Duration `yaml:"timeout"`
	ManualLeader string        `yaml:"manual_leader"`
	EnableMDNS   bool          `yaml:"enable_mdns"`
	Interval     time.Duration `yaml:"announce_interval"`
}

// Recording holds the default take parameters
type Recording struct {
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	FPS         int           `yaml:"fps"`
	TriggerLead time.Duration `yaml:"trigger_lead"`
}

// Config is the full station configuration
type Config struct {
	Name          string `yaml:"name"`
	Token         string `yaml:"token"`
	LeaderPort    int    `yaml:"leader_port"`
	ClientPort    int    `yaml:"client_port"`
	DiscoveryPort int    `yaml:"discovery_port"`
	TransferPort  int    `yaml:"transfer_port"`
	MaxClients    int    `yaml:"max_clients"`
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`

	// MonitorAddr enables the HTTP status API, e.g. ":8080"
	MonitorAddr string `yaml:"monitor_addr"`

	Sync      Sync      `yaml:"sync"`
	Heartbeat Heartbeat `yaml:"heartbeat"`
	Discovery Discovery `yaml:"discovery"`
	Recording Recording `yaml:"recording"`
}

// Default returns the stock configuration
func Default() Config {
	return Config{
		Token:         protocol.DefaultToken,
		LeaderPort:    protocol.DefaultLeaderRPCPort,
		ClientPort:    protocol.DefaultClientRPCPort,
		DiscoveryPort: protocol.DefaultDiscoveryPort,
		TransferPort:  protocol.DefaultTransferPort,
		MaxClients:    protocol.DefaultMaxClients,
		LogLevel:      "info",
		Sync: Sync{
			WindowSize:   30,
			BestPercent:  30,
			MinRoundTrip: 100 * time.Microsecond,
			ResyncAfter:  10 * time.Minute,
		},
		Heartbeat: Heartbeat{
			UnsyncedInterval: 250 * time.Millisecond,
			SyncedInterval:   time.Second,
			StaleAfter:       3 * time.Second,
			SweepPeriod:      time.Second,
		},
		Discovery: Discovery{
			Timeout:    10 * time.Second,
			EnableMDNS: true,
			Interval:   time.Second,
		},
		Recording: Recording{
			Width:       1920,
			Height:      1080,
			FPS:         30,
			TriggerLead: 200 * time.Millisecond,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty) and the process environment, then validates it.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvToken); ok && v != "" {
		c.Token = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}

	ports := []struct {
		env string
		dst *int
	}{
		{EnvLeaderPort, &c.LeaderPort},
		{EnvClientPort, &c.ClientPort},
		{EnvDiscoveryPort, &c.DiscoveryPort},
	}
	for _, p := range ports {
		v, ok := lookup(p.env)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s must be a port number, got %q", p.env, v)
		}
		*p.dst = n
	}
	return nil
}

// Validate reports every invalid setting
func (c Config) Validate() error {
	var errs []error

	for _, p := range []struct {
		name string
		port int
	}{
		{"leader_port", c.LeaderPort},
		{"client_port", c.ClientPort},
		{"discovery_port", c.DiscoveryPort},
		{"transfer_port", c.TransferPort},
	} {
		if p.port <= 0 || p.port > 65535 {
			errs = append(errs, fmt.Errorf("%s must be 1-65535, got %d", p.name, p.port))
		}
	}
	if c.LeaderPort == c.ClientPort {
		errs = append(errs, fmt.Errorf("leader_port and client_port must differ, both are %d", c.LeaderPort))
	}
	if c.Token == "" {
		errs = append(errs, errors.New("token must not be empty"))
	}
	if c.MaxClients <= 0 {
		errs = append(errs, fmt.Errorf("max_clients must be positive, got %d", c.MaxClients))
	}
	if c.Sync.WindowSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.window_size must be positive, got %d", c.Sync.WindowSize))
	}
	if c.Sync.BestPercent <= 0 || c.Sync.BestPercent > 100 {
		errs = append(errs, fmt.Errorf("sync.best_percent must be 1-100, got %d", c.Sync.BestPercent))
	}
	if c.Sync.MinRoundTrip < 0 {
		errs = append(errs, fmt.Errorf("sync.min_round_trip must not be negative, got %s", c.Sync.MinRoundTrip))
	}
	if c.Heartbeat.UnsyncedInterval <= 0 || c.Heartbeat.SyncedInterval <= 0 {
		errs = append(errs, errors.New("heartbeat intervals must be positive"))
	}
	if c.Heartbeat.StaleAfter < 2*c.Heartbeat.SyncedInterval {
		errs = append(errs, fmt.Errorf("heartbeat.stale_after %s must be at least twice synced_interval %s",
			c.Heartbeat.StaleAfter, c.Heartbeat.SyncedInterval))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel))
	}

	return errors.Join(errs...)
}
