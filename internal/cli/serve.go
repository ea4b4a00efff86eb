package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bastion-sh/bastion/internal/hub"
)

// NewServeCmd creates the 'serve' command running the hub daemon.
func NewServeCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub daemon",
		Long: `Run the hub: the scheduler, the run worker, the deferred queues,
and the agent plane. Stops cleanly on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			loc, err := cfg.Hub.Location()
			if err != nil {
				return err
			}

			logger := newLogger("bastion", cfg.Hub.LogLevel)
			h, err := hub.New(hub.Config{
				DataDir:               cfg.Hub.DataDir,
				Bind:                  cfg.Hub.Bind,
				EnrollToken:           cfg.Hub.EnrollToken,
				Location:              loc,
				RunRetentionDays:      cfg.Hub.RunRetentionDays,
				IncompleteCleanupDays: cfg.Hub.IncompleteCleanupDays,
				ZstdWorkers:           cfg.Hub.ZstdWorkers,
				ShutdownGrace:         cfg.Hub.ShutdownGraceDuration(),
			}, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
