package cli

import (
	"fmt"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"github.com/bastion-sh/bastion/internal/store"
)

// NewTasksCmd creates the 'tasks' command group for the deferred
// delete and cleanup queues.
func NewTasksCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect the deferred delete and cleanup queues",
	}
	cmd.AddCommand(newTasksListCmd(a), newTasksRetryCmd(a), newTasksIgnoreCmd(a), newTasksEventsCmd(a))
	return cmd
}

func parseQueue(name string) (store.DeferredQueue, error) {
	switch store.DeferredQueue(name) {
	case store.QueueDelete:
		return store.QueueDelete, nil
	case store.QueueCleanup:
		return store.QueueCleanup, nil
	default:
		return "", fmt.Errorf("unknown queue %q (delete or cleanup)", name)
	}
}

func newTasksListCmd(a *App) *cobra.Command {
	var queueName string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in a queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := parseQueue(queueName)
			if err != nil {
				return err
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			tasks, err := st.ListTasks(queue)
			if err != nil {
				return err
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "RUN\tSTATUS\tATTEMPTS\tNEXT ATTEMPT\tLAST ERROR")
			for _, t := range tasks {
				next := "-"
				if t.Status == store.TaskQueued || t.Status == store.TaskRetrying {
					next = formatTS(t.NextAttemptAt)
				}
				lastErr := t.LastError
				if t.LastErrorKind != "" {
					lastErr = fmt.Sprintf("[%s] %s", t.LastErrorKind, t.LastError)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					shortID(t.RunID), t.Status, t.Attempts, next, orDash(lastErr))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&queueName, "queue", string(store.QueueDelete), "Queue: delete or cleanup")
	return cmd
}

func newTasksRetryCmd(a *App) *cobra.Command {
	var queueName string

	cmd := &cobra.Command{
		Use:   "retry <run-id>",
		Short: "Make a task due now",
		Long: `Reset a retrying, blocked, or abandoned task so the queue worker
picks it up on its next pass.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := parseQueue(queueName)
			if err != nil {
				return err
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.RetryTaskNow(queue, args[0], time.Now().Unix()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s queued for retry\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&queueName, "queue", string(store.QueueDelete), "Queue: delete or cleanup")
	return cmd
}

func newTasksIgnoreCmd(a *App) *cobra.Command {
	var (
		queueName string
		reason    string
	)

	cmd := &cobra.Command{
		Use:   "ignore <run-id>",
		Short: "Drop a task permanently",
		Long: `Mark a task ignored. The queue never touches it again; the reason
and who decided are kept on the row.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := parseQueue(queueName)
			if err != nil {
				return err
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			who := "operator"
			if u, err := user.Current(); err == nil && u.Username != "" {
				who = u.Username
			}
			if err := st.IgnoreTask(queue, args[0], who, reason, time.Now().Unix()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s ignored\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&queueName, "queue", string(store.QueueDelete), "Queue: delete or cleanup")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the task is being dropped")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newTasksEventsCmd(a *App) *cobra.Command {
	var queueName string

	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print a task's attempt history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := parseQueue(queueName)
			if err != nil {
				return err
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			evs, err := st.ListTaskEvents(queue, args[0])
			if err != nil {
				return err
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "TIME\tKIND\tMESSAGE")
			for _, ev := range evs {
				fmt.Fprintf(w, "%s\t%s\t%s\n", formatTS(ev.TS), ev.Kind, ev.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&queueName, "queue", string(store.QueueDelete), "Queue: delete or cleanup")
	return cmd
}
