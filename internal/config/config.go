// Package config loads the bastion configuration file: defaults first,
// then the YAML file, then environment overrides, then validation. The
// same file carries both the hub and agent sections; each process reads
// the section it runs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// HubConfig is the hub daemon's section.
type HubConfig struct {
	// Bind is the agent-plane listen address.
	Bind string `yaml:"bind"`

	// DataDir holds the database, the master key, and run staging.
	DataDir string `yaml:"data_dir"`

	// InsecureHTTP permits serving without TLS termination in front.
	InsecureHTTP bool `yaml:"insecure_http"`

	// DebugErrors includes internal error detail in HTTP responses.
	DebugErrors bool `yaml:"debug_errors"`

	// HubTimezone is the zone jobs fire in when they name none.
	// Empty means the host's local zone.
	HubTimezone string `yaml:"hub_timezone"`

	// RunRetentionDays is how long successful runs keep their stored
	// artifacts. Zero disables retention deletion.
	RunRetentionDays int `yaml:"run_retention_days"`

	// IncompleteCleanupDays is how old a failed or stuck run must be
	// before its partial artifacts are queued for cleanup. Zero
	// disables the sweep.
	IncompleteCleanupDays int `yaml:"incomplete_cleanup_days"`

	// TrustedProxies lists CIDRs whose forwarded headers are believed.
	TrustedProxies []string `yaml:"trusted_proxies"`

	// ShutdownGrace is a Go duration string bounding graceful shutdown.
	ShutdownGrace string `yaml:"shutdown_grace"`

	// ZstdWorkers caps compression concurrency for local builds.
	ZstdWorkers int `yaml:"zstd_workers"`

	// EnrollToken authorizes agent enrollment. Empty disables it.
	EnrollToken string `yaml:"enroll_token"`

	LogLevel string `yaml:"log_level"`
}

// AgentConfig is the agent process's section.
type AgentConfig struct {
	// HubURL is the hub's http(s) base URL.
	HubURL string `yaml:"hub_url"`

	// AgentID and AgentKey come from enrollment.
	AgentID  string `yaml:"agent_id"`
	AgentKey string `yaml:"agent_key"`

	// DataDir holds snapshots, staging, and the offline run buffer.
	DataDir string `yaml:"data_dir"`

	// PingInterval is the heartbeat cadence, a Go duration string.
	PingInterval string `yaml:"ping_interval"`

	// PongTimeout closes the session when no Pong arrives for this
	// long. Must be at least the ping interval; the default is three.
	PongTimeout string `yaml:"pong_timeout"`

	// ZstdWorkers caps compression concurrency for agent builds.
	ZstdWorkers int `yaml:"zstd_workers"`

	LogLevel string `yaml:"log_level"`
}

// Config is the full file.
type Config struct {
	Hub   HubConfig   `yaml:"hub"`
	Agent AgentConfig `yaml:"agent"`
}

// Load reads the config at path. A missing file is not an error; the
// defaults plus environment overrides stand alone.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ShutdownGraceDuration parses the hub's shutdown grace.
func (c *HubConfig) ShutdownGraceDuration() time.Duration {
	d, err := time.ParseDuration(c.ShutdownGrace)
	if err != nil {
		return 0
	}
	return d
}

// Location resolves the hub timezone, falling back to the host zone.
func (c *HubConfig) Location() (*time.Location, error) {
	if c.HubTimezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.HubTimezone)
	if err != nil {
		return nil, fmt.Errorf("hub_timezone: %w", err)
	}
	return loc, nil
}

// PingIntervalDuration parses the agent heartbeat cadence.
func (c *AgentConfig) PingIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.PingInterval)
	if err != nil {
		return 0
	}
	return d
}

// PongTimeoutDuration parses the agent pong deadline.
func (c *AgentConfig) PongTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.PongTimeout)
	if err != nil {
		return 0
	}
	return d
}
