package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bastion-sh/bastion/internal/agent"
)

// NewAgentCmd creates the 'agent' command running the remote executor.
func NewAgentCmd(a *App) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the agent daemon",
		Long: `Run the agent: keep a session to the hub, execute dispatched
backups, and keep firing the persisted schedule while the hub is
unreachable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if name == "" {
				name, _ = os.Hostname()
			}

			logger := newLogger("bastion-agent", cfg.Agent.LogLevel)
			ag, err := agent.New(agent.Config{
				HubURL:      cfg.Agent.HubURL,
				AgentID:     cfg.Agent.AgentID,
				AgentKey:    cfg.Agent.AgentKey,
				Name:        name,
				DataDir:     cfg.Agent.DataDir,
				ZstdWorkers: cfg.Agent.ZstdWorkers,
				Heartbeat:   cfg.Agent.PingIntervalDuration(),
				PongTimeout: cfg.Agent.PongTimeoutDuration(),
			}, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := ag.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Agent display name (default: hostname)")
	return cmd
}
