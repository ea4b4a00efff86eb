package cli

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bastion-sh/bastion/internal/cli/tui"
	"github.com/bastion-sh/bastion/internal/events"
	"github.com/bastion-sh/bastion/internal/store"
)

// NewRunsCmd creates the 'runs' command group.
func NewRunsCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and trigger runs",
	}
	cmd.AddCommand(newRunsListCmd(a), newRunsTriggerCmd(a), newRunsEventsCmd(a), newRunsWatchCmd(a))
	return cmd
}

func newRunsListCmd(a *App) *cobra.Command {
	var (
		jobName string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
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

			var runs []*store.Run
			if jobName != "" {
				job, err := st.GetJobByName(jobName)
				if err != nil {
					return err
				}
				runs, err = st.ListRunsForJob(job.ID, limit)
				if err != nil {
					return err
				}
			} else {
				runs, err = st.ListRuns(limit)
				if err != nil {
					return err
				}
			}

			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "RUN\tJOB\tSTATUS\tSOURCE\tSTARTED\tENDED\tERROR")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					shortID(r.ID), shortID(r.JobID), r.Status, r.Source,
					formatTS(r.StartedAt), formatTS(r.EndedAt), orDash(r.Error))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&jobName, "job", "", "Limit to one job by name")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func newRunsTriggerCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <job-name>",
		Short: "Queue a manual run",
		Long: `Queue a manual run for a job, applying its overlap policy. The hub's
worker picks queued runs up within its idle poll interval.`,
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

			job, err := st.GetJobByName(args[0])
			if err != nil {
				return err
			}
			run := &store.Run{
				ID:        uuid.NewString(),
				JobID:     job.ID,
				Source:    "manual",
				StartedAt: time.Now().Unix(),
			}
			if err := st.EnqueueRun(run, job.OverlapPolicy); err != nil {
				return err
			}

			if run.Status == store.RunRejected {
				appendRunEvent(st, run.ID, events.LevelWarn, events.KindRunRejected,
					"overlapping run rejected", map[string]string{"job_id": job.ID})
				return fmt.Errorf("run %s rejected: job %s already has an active run", run.ID, job.Name)
			}
			appendRunEvent(st, run.ID, events.LevelInfo, events.KindRunQueued,
				"manual run queued", map[string]string{"job_id": job.ID})
			fmt.Fprintf(cmd.OutOrStdout(), "run %s queued for job %s\n", run.ID, job.Name)
			return nil
		},
	}
}

// appendRunEvent writes an event row directly. Operator commands run in
// their own process; the hub's bus republishes nothing for them, but
// watchers polling the store still see the row.
func appendRunEvent(st *store.Store, runID string, level events.Level, kind events.Kind, message string, fields any) {
	_, _ = st.AppendRunEvent(&store.RunEvent{
		RunID:      runID,
		TS:         time.Now().Unix(),
		Level:      string(level),
		Kind:       string(kind),
		Message:    message,
		FieldsJSON: events.MarshalFields(fields),
	})
}

func newRunsEventsCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print a run's event stream",
		Args:  cobra.ExactArgs(1),
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

			evs, err := st.ListRunEvents(args[0])
			if err != nil {
				return err
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "SEQ\tTIME\tLEVEL\tKIND\tMESSAGE")
			for _, ev := range evs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					ev.Seq, formatTS(ev.TS), ev.Level, ev.Kind, ev.Message)
			}
			return w.Flush()
		},
	}
}

func newRunsWatchCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow a run live",
		Long: `Follow a run's status, progress, and events in the terminal until it
reaches a terminal state. Quit with q.`,
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

			runID := args[0]
			if _, err := st.GetRun(runID); err != nil {
				return err
			}
			p := tea.NewProgram(tui.NewWatchModel(st, runID))
			_, err = p.Run()
			return err
		},
	}
}
