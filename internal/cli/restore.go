package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bastion-sh/bastion/internal/restore"
	"github.com/bastion-sh/bastion/internal/store"
)

// NewRestoreCmd creates the 'restore' command.
func NewRestoreCmd(a *App) *cobra.Command {
	var (
		dest         string
		identityFile string
	)

	cmd := &cobra.Command{
		Use:   "restore <run-id>",
		Short: "Restore a stored run into a directory",
		Long: `Verify a stored run's artifacts, then extract its payload under the
destination directory. Encrypted runs need the age identity, either
from a file or from the sealed key the job spec names.`,
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
			job, err := st.GetJob(run.JobID)
			if err != nil {
				return err
			}
			mover, err := resolveRunTarget(st, box, run)
			if err != nil {
				return err
			}
			identity, err := ageIdentityFor(st, box, job, identityFile)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			echo := func(format string, args ...any) { fmt.Fprintf(out, format, args...) }
			op, sink, err := beginOperation(st, store.OpRestore, run.ID, echo)
			if err != nil {
				return err
			}

			rep, err := restore.Restore(cmd.Context(), restore.RestoreOptions{
				Options: restore.Options{
					Store:  mover,
					JobID:  run.JobID,
					RunID:  run.ID,
					Events: sink,
				},
				Dest:        dest,
				AgeIdentity: identity,
			})
			finishOperation(st, op, err)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "\nrestored %s into %s\n", formatBytes(rep.Bytes), rep.Dest)
			fmt.Fprintf(out, "files %d, dirs %d, symlinks %d, hardlinks %d\n",
				rep.Files, rep.Dirs, rep.Symlinks, rep.Hardlinks)
			return nil
		},
	}

	cmd.Flags().StringVar(&dest, "dest", "", "Destination directory for the extracted tree")
	cmd.Flags().StringVar(&identityFile, "identity-file", "", "Age identity file for encrypted runs")
	_ = cmd.MarkFlagRequired("dest")
	return cmd
}
