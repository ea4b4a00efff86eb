package config

import "runtime"

const (
	DefaultBind                  = "127.0.0.1:8440"
	DefaultHubDataDir            = "/var/lib/bastion"
	DefaultAgentDataDir          = "/var/lib/bastion-agent"
	DefaultRunRetentionDays      = 90
	DefaultIncompleteCleanupDays = 7
	DefaultShutdownGrace         = "30s"
	DefaultPingInterval          = "20s"
	DefaultPongTimeout           = "60s"
	DefaultLogLevel              = "info"
)

// DefaultZstdWorkers is the compression concurrency when the config
// names none: one worker per logical CPU, never less than one.
func DefaultZstdWorkers() int {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	return n
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Hub: HubConfig{
			Bind:                  DefaultBind,
			DataDir:               DefaultHubDataDir,
			RunRetentionDays:      DefaultRunRetentionDays,
			IncompleteCleanupDays: DefaultIncompleteCleanupDays,
			ShutdownGrace:         DefaultShutdownGrace,
			ZstdWorkers:           DefaultZstdWorkers(),
			LogLevel:              DefaultLogLevel,
		},
		Agent: AgentConfig{
			DataDir:      DefaultAgentDataDir,
			PingInterval: DefaultPingInterval,
			PongTimeout:  DefaultPongTimeout,
			ZstdWorkers:  DefaultZstdWorkers(),
			LogLevel:     DefaultLogLevel,
		},
	}
}
