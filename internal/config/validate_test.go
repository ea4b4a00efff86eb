package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			"negative retention",
			func(c *Config) { c.Hub.RunRetentionDays = -1 },
			"hub.run_retention_days",
		},
		{
			"negative cleanup age",
			func(c *Config) { c.Hub.IncompleteCleanupDays = -1 },
			"hub.incomplete_cleanup_days",
		},
		{
			"zero zstd workers",
			func(c *Config) { c.Hub.ZstdWorkers = 0 },
			"hub.zstd_workers",
		},
		{
			"bad shutdown grace",
			func(c *Config) { c.Hub.ShutdownGrace = "soonish" },
			"hub.shutdown_grace",
		},
		{
			"bad timezone",
			func(c *Config) { c.Hub.HubTimezone = "Mars/Olympus" },
			"hub.hub_timezone",
		},
		{
			"bad proxy cidr",
			func(c *Config) { c.Hub.TrustedProxies = []string{"10.0.0.1"} },
			"hub.trusted_proxies",
		},
		{
			"zero ping interval",
			func(c *Config) { c.Agent.PingInterval = "0s" },
			"agent.ping_interval",
		},
		{
			"pong under ping",
			func(c *Config) { c.Agent.PingInterval = "20s"; c.Agent.PongTimeout = "10s" },
			"agent.pong_timeout",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := validateConfig(cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantSub)
		})
	}
}

func TestValidateCollectsAllFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hub.RunRetentionDays = -1
	cfg.Hub.ShutdownGrace = "bad"
	err := validateConfig(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "hub.run_retention_days")
	require.Contains(t, err.Error(), "hub.shutdown_grace")
}

func TestValidateDefaultsPass(t *testing.T) {
	require.NoError(t, validateConfig(DefaultConfig()))
}
