package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bastion-sh/bastion/internal/events"
	"github.com/bastion-sh/bastion/internal/jobspec"
	"github.com/bastion-sh/bastion/internal/protocol"
	"github.com/bastion-sh/bastion/internal/secretbox"
	"github.com/bastion-sh/bastion/internal/store"
)

// scheduleLoop evaluates the persisted schedule once per calendar
// minute, exactly like the hub's scheduler.
func (a *Agent) scheduleLoop(ctx context.Context) error {
	for {
		boundary := time.Now().Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(time.Until(boundary))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			a.fireDue(boundary)
		}
	}
}

// fireDue fires jobs due in the minute containing t. While a session is
// live the hub owns scheduling and dispatches tasks instead, so the
// local schedule only runs disconnected.
func (a *Agent) fireDue(t time.Time) {
	if a.Connected() {
		return
	}
	snap := a.configSnapshot()
	if snap == nil {
		return
	}
	for _, job := range snap.Jobs {
		if job.Schedule == "" {
			continue
		}
		loc := time.Local
		if job.ScheduleTimezone != "" {
			jobLoc, err := time.LoadLocation(job.ScheduleTimezone)
			if err != nil {
				a.logger.Warn("bad job timezone, using local zone",
					"job", job.Name, "timezone", job.ScheduleTimezone, "error", err)
			} else {
				loc = jobLoc
			}
		}
		match, err := jobspec.MatchesMinute(job.Schedule, t, loc)
		if err != nil {
			a.logger.Error("evaluate schedule", "job", job.Name, "schedule", job.Schedule, "error", err)
			continue
		}
		if match {
			a.exec.fireOffline(job, t)
		}
	}
}

type offlineFire struct {
	job       protocol.AgentJobV1
	runID     string
	startedAt int64
}

// fireOffline applies the job's overlap policy against this agent's own
// queue and hands the run to the executor.
func (e *executor) fireOffline(job protocol.AgentJobV1, t time.Time) {
	e.mu.Lock()
	if e.active[job.ID] >= 1 && job.OverlapPolicy == string(store.OverlapReject) {
		e.mu.Unlock()
		e.agent.recordRejectedRun(job, t)
		return
	}
	e.active[job.ID]++
	e.mu.Unlock()

	fire := &offlineFire{job: job, runID: uuid.NewString(), startedAt: t.Unix()}
	select {
	case e.work <- workItem{fire: fire}:
		e.agent.logger.Info("offline run queued", "job", job.Name, "run_id", fire.runID)
	default:
		e.release(job.ID)
		e.agent.logger.Error("offline run queue full, dropping fire", "job", job.Name)
	}
}

// recordRejectedRun buffers a born-rejected run so the hub learns about
// the skipped fire on ingest.
func (a *Agent) recordRejectedRun(job protocol.AgentJobV1, t time.Time) {
	runID := uuid.NewString()
	rec, err := a.state.beginOfflineRun(runID, job.ID, t.Unix())
	if err != nil {
		a.logger.Error("buffer rejected run", "job", job.Name, "error", err)
		return
	}
	rec.Event(events.LevelWarn, events.KindRunRejected, "overlapping run rejected",
		map[string]any{"job_id": job.ID})
	if err := rec.Finalize(string(store.RunRejected), nil, store.ErrOverlapRejected, t.Unix()); err != nil {
		a.logger.Error("finalize rejected run", "job", job.Name, "error", err)
		return
	}
	a.logger.Warn("offline run rejected by overlap policy", "job", job.Name, "run_id", runID)
	a.wakeDrain()
}

// runOffline executes one disconnected fire against the on-disk buffer.
func (a *Agent) runOffline(ctx context.Context, f *offlineFire) {
	logger := a.logger.With("run_id", f.runID, "job_id", f.job.ID)
	rec, err := a.state.beginOfflineRun(f.runID, f.job.ID, f.startedAt)
	if err != nil {
		logger.Error("open offline run buffer", "error", err)
		return
	}
	logger.Info("offline run started", "job", f.job.Name)
	rec.Event(events.LevelInfo, events.KindRunStarted, "run started",
		map[string]any{"job_id": f.job.ID, "source": "agent"})

	var outcome runOutcome
	spec := f.job.Spec
	spec.Canonicalize()
	if err := spec.Validate(); err != nil {
		outcome = a.failRun(f.runID, rec, protocol.CodeInvalidSpec, err, nil)
	} else if resolved, err := a.resolveOffline(f.job, &spec); err != nil {
		outcome = a.failRun(f.runID, rec, protocol.CodeRunFailed, err, nil)
	} else {
		outcome = a.executeRun(ctx, f.runID, resolved, rec)
	}

	if err := rec.Finalize(outcome.status, outcome.summaryJSON(), outcome.errMsg, time.Now().Unix()); err != nil {
		logger.Error("finalize offline run", "error", err)
		return
	}
	logger.Info("offline run finished", "status", outcome.status)
	a.wakeDrain()
}

// resolveOffline inlines credentials from the persisted secrets
// snapshot, the disconnected counterpart of the hub's secret store
// lookup.
func (a *Agent) resolveOffline(job protocol.AgentJobV1, spec *jobspec.Spec) (*jobspec.ResolvedV1, error) {
	var url, user, pass string
	if spec.Target.Type == jobspec.TargetWebDAV {
		value, err := a.offlineSecret(store.SecretWebDAV, spec.Target.SecretName)
		if err != nil {
			return nil, err
		}
		v, err := secretbox.DecodeWebDAV([]byte(value))
		if err != nil {
			return nil, err
		}
		url, user, pass = v.URL, v.Username, v.Password
	}

	recipient := ""
	if spec.Pipeline.Encryption.Type == jobspec.EncryptionAgeX25519 {
		identity, err := a.offlineSecret(store.SecretAge, spec.Pipeline.Encryption.KeyName)
		if err != nil {
			return nil, err
		}
		if recipient, err = secretbox.RecipientForIdentity(identity); err != nil {
			return nil, err
		}
	}
	return spec.Resolve(job.ID, job.Name, url, user, pass, recipient), nil
}

func (a *Agent) offlineSecret(kind, name string) (string, error) {
	snap := a.secretsSnapshot()
	if snap == nil {
		return "", fmt.Errorf("secret %s/%s: no secrets snapshot", kind, name)
	}
	for _, sec := range snap.Secrets {
		if sec.Kind == kind && sec.Name == name {
			return sec.Value, nil
		}
	}
	return "", fmt.Errorf("secret %s/%s not in secrets snapshot", kind, name)
}
