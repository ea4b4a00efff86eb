package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bastion-sh/bastion/internal/events"
	"github.com/bastion-sh/bastion/internal/jobspec"
	"github.com/bastion-sh/bastion/internal/protocol"
	"github.com/bastion-sh/bastion/internal/store"
	"github.com/bastion-sh/bastion/internal/target"
)

// dispatch hands the run to its agent: persist the task row, push the
// Task frame, then wait for the result. Any failure before the agent
// acks requeues the run instead of failing it.
func (w *Worker) dispatch(ctx context.Context, run *store.Run, job *store.Job, spec *jobspec.Spec, creds target.Credentials, ageRecipient string) {
	if !w.agents.Connected(job.AgentID) {
		w.dispatchFailed(ctx, run, job, errors.New("agent not connected"))
		return
	}

	resolved := spec.Resolve(job.ID, job.Name, creds.URL, creds.Username, creds.Password, ageRecipient)

	now := w.now().Unix()
	task := &store.AgentTask{
		TaskID:      run.ID,
		AgentID:     job.AgentID,
		RunID:       run.ID,
		Status:      store.AgentTaskSent,
		PayloadJSON: taskPayload(run.ID, job.ID, resolved),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := w.st.UpsertAgentTask(task); err != nil {
		w.dispatchFailed(ctx, run, job, err)
		return
	}
	if err := w.agents.SendJSON(job.AgentID, protocol.NewTask(run.ID, job.ID, *resolved)); err != nil {
		w.dispatchFailed(ctx, run, job, err)
		return
	}

	w.logger.Info("run dispatched", "run_id", run.ID, "agent_id", job.AgentID)
	w.rec.Run(run.ID, events.LevelInfo, events.KindDispatched, "dispatched to agent "+job.AgentID,
		map[string]any{"agent_id": job.AgentID})

	w.await(ctx, run, spec)
}

// taskPayload renders the persisted agent_tasks payload. Credentials
// exist only in the websocket frame; the stored copy is scrubbed.
func taskPayload(runID, jobID string, resolved *jobspec.ResolvedV1) string {
	scrubbed := *resolved
	scrubbed.Target.Username = ""
	scrubbed.Target.Password = ""
	raw, err := json.Marshal(protocol.BackupRunTaskV1{RunID: runID, JobID: jobID, Spec: scrubbed})
	if err != nil {
		return ""
	}
	return string(raw)
}

// dispatchFailed requeues the run: the agent may be back by the next
// claim. The pause keeps a flapping agent from spinning the loop.
func (w *Worker) dispatchFailed(ctx context.Context, run *store.Run, job *store.Job, cause error) {
	w.logger.Warn("dispatch failed", "run_id", run.ID, "agent_id", job.AgentID, "error", cause)
	w.rec.Run(run.ID, events.LevelWarn, events.KindDispatchFailed,
		fmt.Sprintf("dispatch to agent %s failed: %s", job.AgentID, cause),
		map[string]any{"agent_id": job.AgentID})

	if err := w.st.RequeueRun(run.ID); err != nil {
		w.logger.Error("requeue run", "run_id", run.ID, "error", err)
	}
	if err := w.st.DeleteAgentTask(run.ID); err != nil {
		w.logger.Error("delete agent task", "run_id", run.ID, "error", err)
	}

	timer := time.NewTimer(w.cfg.DispatchBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// await polls the run row until the agent's result lands or the
// deadline passes. The agent session loop owns the terminal transition
// on the result path; the worker owns it on timeout, and CompleteRun's
// running-only guard keeps a late result from overwriting it.
func (w *Worker) await(ctx context.Context, run *store.Run, spec *jobspec.Spec) {
	deadline := w.now().Add(w.cfg.DispatchDeadline)
	ticker := time.NewTicker(w.cfg.DispatchPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cur, err := w.st.GetRun(run.ID)
		if err != nil {
			w.logger.Error("poll dispatched run", "run_id", run.ID, "error", err)
			continue
		}
		if cur.Status.Terminal() {
			return
		}
		if !w.now().Before(deadline) {
			w.fail(run, spec, CodeTimeout, "agent did not finish the run before the dispatch deadline", nil)
			if err := w.st.DeleteAgentTask(run.ID); err != nil {
				w.logger.Error("delete agent task", "run_id", run.ID, "error", err)
			}
			return
		}
	}
}
