package config

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ValidationError contains details about what failed validation.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config.%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// validateConfig checks every value that has a wrong shape rather than
// just a wrong taste. All failures are reported at once.
func validateConfig(cfg *Config) error {
	var errs []error

	if cfg.Hub.RunRetentionDays < 0 {
		errs = append(errs, &ValidationError{
			Field:   "hub.run_retention_days",
			Value:   cfg.Hub.RunRetentionDays,
			Message: "cannot be negative",
		})
	}
	if cfg.Hub.IncompleteCleanupDays < 0 {
		errs = append(errs, &ValidationError{
			Field:   "hub.incomplete_cleanup_days",
			Value:   cfg.Hub.IncompleteCleanupDays,
			Message: "cannot be negative",
		})
	}
	if cfg.Hub.ZstdWorkers < 1 {
		errs = append(errs, &ValidationError{
			Field:   "hub.zstd_workers",
			Value:   cfg.Hub.ZstdWorkers,
			Message: "must be at least 1",
		})
	}
	if _, err := time.ParseDuration(cfg.Hub.ShutdownGrace); err != nil {
		errs = append(errs, &ValidationError{
			Field:   "hub.shutdown_grace",
			Value:   cfg.Hub.ShutdownGrace,
			Message: "must be a valid duration (e.g. 30s)",
		})
	}
	if cfg.Hub.HubTimezone != "" {
		if _, err := time.LoadLocation(cfg.Hub.HubTimezone); err != nil {
			errs = append(errs, &ValidationError{
				Field:   "hub.hub_timezone",
				Value:   cfg.Hub.HubTimezone,
				Message: "unknown timezone",
			})
		}
	}
	for _, cidr := range cfg.Hub.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			errs = append(errs, &ValidationError{
				Field:   "hub.trusted_proxies",
				Value:   cidr,
				Message: "must be a CIDR (e.g. 10.0.0.0/8)",
			})
		}
	}

	ping, err := time.ParseDuration(cfg.Agent.PingInterval)
	if err != nil || ping <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "agent.ping_interval",
			Value:   cfg.Agent.PingInterval,
			Message: "must be a positive duration",
		})
	}
	pong, err := time.ParseDuration(cfg.Agent.PongTimeout)
	if err != nil {
		errs = append(errs, &ValidationError{
			Field:   "agent.pong_timeout",
			Value:   cfg.Agent.PongTimeout,
			Message: "must be a valid duration",
		})
	} else if ping > 0 && pong < ping {
		errs = append(errs, &ValidationError{
			Field:   "agent.pong_timeout",
			Value:   cfg.Agent.PongTimeout,
			Message: "must be at least the ping interval",
		})
	}
	if cfg.Agent.ZstdWorkers < 1 {
		errs = append(errs, &ValidationError{
			Field:   "agent.zstd_workers",
			Value:   cfg.Agent.ZstdWorkers,
			Message: "must be at least 1",
		})
	}

	return errors.Join(errs...)
}
