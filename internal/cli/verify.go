package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bastion-sh/bastion/internal/restore"
	"github.com/bastion-sh/bastion/internal/store"
)

// NewVerifyCmd creates the 'verify' command.
func NewVerifyCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <run-id>",
		Short: "Verify a stored run's artifacts",
		Long: `Re-read every artifact of a stored run from its target and check
sizes and hashes against the manifest. Nothing is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			box, err := openBox(cfg)
			if err != nil {
				return err
			}

			run, err := st.GetRun(args[0])
			if err != nil {
				return err
			}
			mover, err := resolveRunTarget(st, box, run)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			echo := func(format string, args ...any) { fmt.Fprintf(out, format, args...) }
			op, sink, err := beginOperation(st, store.OpVerify, run.ID, echo)
			if err != nil {
				return err
			}

			rep, err := restore.Verify(cmd.Context(), restore.Options{
				Store:  mover,
				JobID:  run.JobID,
				RunID:  run.ID,
				Events: sink,
			})
			finishOperation(st, op, err)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "\nverified %d parts, %s of payload\n",
				rep.Parts, formatBytes(rep.PayloadBytes))
			return nil
		},
	}
}
