package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bastion-sh/bastion/internal/jobspec"
	"github.com/bastion-sh/bastion/internal/store"
)

// NewJobsCmd creates the 'jobs' command group.
func NewJobsCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage backup jobs",
	}
	cmd.AddCommand(newJobsAddCmd(a), newJobsListCmd(a), newJobsShowCmd(a), newJobsRmCmd(a))
	return cmd
}

func newJobsAddCmd(a *App) *cobra.Command {
	var (
		name     string
		specPath string
		agentID  string
		schedule string
		timezone string
		overlap  string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a job",
		Long: `Add a job from a spec file. The spec is validated before anything
is stored; a scheduled job also needs a valid cron expression.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			raw, err := os.ReadFile(specPath)
			if err != nil {
				return fmt.Errorf("read spec file: %w", err)
			}
			spec, err := jobspec.Parse(raw)
			if err != nil {
				return fmt.Errorf("invalid spec: %w", err)
			}

			if schedule != "" {
				schedule, err = jobspec.NormalizeSchedule(schedule)
				if err != nil {
					return fmt.Errorf("invalid schedule: %w", err)
				}
			}
			if timezone != "" {
				if _, err := time.LoadLocation(timezone); err != nil {
					return fmt.Errorf("invalid timezone: %w", err)
				}
			}
			policy := store.OverlapPolicy(overlap)
			if policy != store.OverlapQueue && policy != store.OverlapReject {
				return fmt.Errorf("invalid overlap policy %q (queue or reject)", overlap)
			}

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			// Store the canonicalized form, not the file bytes.
			canon, err := json.Marshal(spec)
			if err != nil {
				return err
			}
			now := time.Now().Unix()
			job := &store.Job{
				ID:               uuid.NewString(),
				Name:             name,
				AgentID:          agentID,
				Schedule:         schedule,
				ScheduleTimezone: timezone,
				OverlapPolicy:    policy,
				SpecJSON:         string(canon),
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := st.CreateJob(job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s created (%s)\n", job.Name, job.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Unique job name")
	cmd.Flags().StringVar(&specPath, "spec", "", "Path to the job spec JSON file")
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent id that executes the job (empty: hub)")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron expression (empty: manual only)")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone for the schedule (empty: hub zone)")
	cmd.Flags().StringVar(&overlap, "overlap", string(store.OverlapQueue), "Overlap policy: queue or reject")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}

func newJobsListCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs",
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

			jobs, err := st.ListJobs()
			if err != nil {
				return err
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "NAME\tID\tAGENT\tSCHEDULE\tOVERLAP\tUPDATED")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					j.Name, shortID(j.ID), orDash(shortID(j.AgentID)),
					orDash(j.Schedule), j.OverlapPolicy, formatAge(j.UpdatedAt))
			}
			return w.Flush()
		},
	}
}

func newJobsShowCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a job and its spec",
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

			job, err := st.GetJobByName(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printKV(out, "name", job.Name)
			printKV(out, "id", job.ID)
			printKV(out, "agent", orDash(job.AgentID))
			printKV(out, "schedule", orDash(job.Schedule))
			printKV(out, "timezone", orDash(job.ScheduleTimezone))
			printKV(out, "overlap", string(job.OverlapPolicy))
			printKV(out, "created", formatTS(job.CreatedAt))
			printKV(out, "updated", formatTS(job.UpdatedAt))

			var pretty json.RawMessage = []byte(job.SpecJSON)
			indented, err := json.MarshalIndent(pretty, "", "  ")
			if err == nil {
				fmt.Fprintf(out, "\n%s\n", indented)
			}
			return nil
		},
	}
}

func newJobsRmCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a job",
		Long: `Remove a job. Stored runs and their artifacts stay; retention keeps
working from each run's own target snapshot.`,
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
			if err := st.DeleteJob(job.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s removed\n", job.Name)
			return nil
		},
	}
}
