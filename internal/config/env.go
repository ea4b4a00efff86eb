package config

import "os"

// envOverrides maps environment variables to config field setters.
var envOverrides = []struct {
	envVar string
	apply  func(*Config, string)
}{
	{
		envVar: "BASTION_BIND",
		apply: func(c *Config, v string) {
			c.Hub.Bind = v
		},
	},
	{
		envVar: "BASTION_DATA_DIR",
		apply: func(c *Config, v string) {
			c.Hub.DataDir = v
		},
	},
	{
		envVar: "BASTION_ENROLL_TOKEN",
		apply: func(c *Config, v string) {
			c.Hub.EnrollToken = v
		},
	},
	{
		envVar: "BASTION_LOG_LEVEL",
		apply: func(c *Config, v string) {
			c.Hub.LogLevel = v
			c.Agent.LogLevel = v
		},
	},
	{
		envVar: "BASTION_HUB_URL",
		apply: func(c *Config, v string) {
			c.Agent.HubURL = v
		},
	},
	{
		envVar: "BASTION_AGENT_ID",
		apply: func(c *Config, v string) {
			c.Agent.AgentID = v
		},
	},
	{
		envVar: "BASTION_AGENT_KEY",
		apply: func(c *Config, v string) {
			c.Agent.AgentKey = v
		},
	},
	{
		envVar: "BASTION_AGENT_DATA_DIR",
		apply: func(c *Config, v string) {
			c.Agent.DataDir = v
		},
	},
}

// applyEnvOverrides modifies config in place with environment values.
func applyEnvOverrides(cfg *Config) {
	for _, override := range envOverrides {
		if val := os.Getenv(override.envVar); val != "" {
			override.apply(cfg, val)
		}
	}
}
