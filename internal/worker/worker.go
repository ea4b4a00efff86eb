// Package worker drives queued runs to a terminal state. One logical
// worker per hub claims runs oldest-first and either executes them
// locally through the run builder or hands them to a connected agent
// and waits for the result. Parallelism across jobs is deliberately
// absent; operators who need it deploy agents.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/bastion-sh/bastion/internal/deferred"
	"github.com/bastion-sh/bastion/internal/events"
	"github.com/bastion-sh/bastion/internal/jobspec"
	"github.com/bastion-sh/bastion/internal/notify"
	"github.com/bastion-sh/bastion/internal/protocol"
	"github.com/bastion-sh/bastion/internal/secretbox"
	"github.com/bastion-sh/bastion/internal/store"
	"github.com/bastion-sh/bastion/internal/target"
)

// Failure codes stored on the run's error column, shared with the agent
// through the wire protocol.
const (
	CodeInvalidSpec = protocol.CodeInvalidSpec
	CodeTimeout     = protocol.CodeTimeout
	CodeRunFailed   = protocol.CodeRunFailed
	CodeCanceled    = protocol.CodeCanceled
)

const (
	// DefaultIdlePoll bounds how long the worker sleeps with nothing
	// queued and nobody waking it.
	DefaultIdlePoll = time.Minute

	// DefaultDispatchPoll is how often a dispatched run's row is
	// re-read while waiting on the agent.
	DefaultDispatchPoll = 5 * time.Second

	// DefaultDispatchDeadline is how long a dispatched run may stay
	// running before the hub fails it with code timeout.
	DefaultDispatchDeadline = 24 * time.Hour

	// DefaultDispatchBackoff is the pause after a failed dispatch so a
	// flapping agent cannot spin the claim loop.
	DefaultDispatchBackoff = 5 * time.Second
)

// AgentSender is the slice of the agent registry the worker uses.
type AgentSender interface {
	Connected(agentID string) bool
	SendJSON(agentID string, msg protocol.Message) error
}

// Config tunes the dispatcher. Zero durations take the defaults above.
type Config struct {
	// StageRoot holds the per-run staging directories for local builds.
	StageRoot string

	// ZstdWorkers caps compression concurrency; 0 uses the encoder
	// default.
	ZstdWorkers int

	// RunRetentionDays mirrors the scheduler's retention knob so a
	// successful run registers its artifact-delete task immediately,
	// due when the window closes. Zero disables registration.
	RunRetentionDays int

	IdlePoll         time.Duration
	DispatchPoll     time.Duration
	DispatchDeadline time.Duration
	DispatchBackoff  time.Duration
}

// Worker is the single run dispatcher.
type Worker struct {
	st     *store.Store
	rec    *events.Recorder
	agents AgentSender
	box    *secretbox.Box
	cfg    Config
	logger hclog.Logger

	// WakeNotify pokes the notification worker after an enqueue. Nil
	// is fine.
	WakeNotify func()

	wake chan struct{}
	now  func() time.Time
}

// New builds a worker around the store, the event recorder, the agent
// registry, and the master-key box used to resolve secrets.
func New(st *store.Store, rec *events.Recorder, agents AgentSender, box *secretbox.Box, cfg Config, logger hclog.Logger) *Worker {
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = DefaultIdlePoll
	}
	if cfg.DispatchPoll <= 0 {
		cfg.DispatchPoll = DefaultDispatchPoll
	}
	if cfg.DispatchDeadline <= 0 {
		cfg.DispatchDeadline = DefaultDispatchDeadline
	}
	if cfg.DispatchBackoff <= 0 {
		cfg.DispatchBackoff = DefaultDispatchBackoff
	}
	return &Worker{
		st:     st,
		rec:    rec,
		agents: agents,
		box:    box,
		cfg:    cfg,
		logger: logger,
		wake:   make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Wake nudges the claim loop. Wakes coalesce: one pending wake is
// enough to trigger a full drain.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run claims and processes queued runs until the context ends.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("run worker started")
	for {
		w.drain(ctx)

		timer := time.NewTimer(w.cfg.IdlePoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-w.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		run, err := w.st.ClaimNextQueuedRun()
		if err != nil {
			w.logger.Error("claim queued run", "error", err)
			return
		}
		if run == nil {
			return
		}
		w.process(ctx, run)
	}
}

// process drives one claimed run: load and validate the job, pin the
// target snapshot, then dispatch to the agent or execute locally.
func (w *Worker) process(ctx context.Context, run *store.Run) {
	w.rec.Run(run.ID, events.LevelInfo, events.KindRunStarted, "run started",
		map[string]any{"job_id": run.JobID, "source": run.Source})

	job, err := w.st.GetJob(run.JobID)
	if err != nil {
		w.fail(run, nil, CodeInvalidSpec, fmt.Sprintf("load job %s: %s", run.JobID, err), nil)
		return
	}
	spec, err := jobspec.Parse([]byte(job.SpecJSON))
	if err != nil {
		w.fail(run, nil, CodeInvalidSpec, err.Error(), nil)
		return
	}

	// The executing node owns the secrets the spec references and is
	// the node recorded on the target snapshot.
	nodeID := store.NodeHub
	if job.AgentID != "" {
		nodeID = job.AgentID
	}

	var creds target.Credentials
	if spec.Target.Type == jobspec.TargetWebDAV {
		creds, err = deferred.WebDAVCredentials(w.st, w.box, nodeID, spec.Target.SecretName)
		if err != nil {
			w.fail(run, spec, CodeRunFailed, err.Error(), nil)
			return
		}
	}

	ageRecipient := ""
	if spec.Pipeline.Encryption.Type == jobspec.EncryptionAgeX25519 {
		ageRecipient, err = w.ageRecipient(nodeID, spec.Pipeline.Encryption.KeyName)
		if err != nil {
			w.fail(run, spec, CodeRunFailed, err.Error(), nil)
			return
		}
	}

	// Pin the snapshot before any artifact can reach the target:
	// deferred deletion trusts the snapshot, not the job row.
	snap := jobspec.SnapshotForTarget(spec.Target, nodeID, creds.URL)
	snapJSON, err := snap.Encode()
	if err != nil {
		w.fail(run, spec, CodeRunFailed, err.Error(), nil)
		return
	}
	if err := w.st.SetRunTargetSnapshot(run.ID, snapJSON); err != nil {
		w.fail(run, spec, CodeRunFailed, err.Error(), nil)
		return
	}
	run.TargetSnapshotJSON = snapJSON

	if job.AgentID != "" {
		w.dispatch(ctx, run, job, spec, creds, ageRecipient)
		return
	}
	w.executeLocal(ctx, run, job, spec, &snap, creds, ageRecipient)
}

// ageRecipient resolves the named age identity and derives its public
// recipient. Only the recipient leaves this function.
func (w *Worker) ageRecipient(nodeID, keyName string) (string, error) {
	row, err := w.st.GetSecret(nodeID, store.SecretAge, keyName)
	if err != nil {
		return "", fmt.Errorf("resolve age key %q: %w", keyName, err)
	}
	identity, err := w.box.OpenSecret(row.KID, row.Nonce, row.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("open age key %q: %w", keyName, err)
	}
	recipient, err := secretbox.RecipientForIdentity(string(identity))
	if err != nil {
		return "", fmt.Errorf("derive age recipient %q: %w", keyName, err)
	}
	return recipient, nil
}

// fail moves the run to failed with a stable code, records the event,
// and enqueues notifications when the spec names routes. A run someone
// else already finished is left alone.
func (w *Worker) fail(run *store.Run, spec *jobspec.Spec, code, msg string, summary map[string]any) {
	ok, err := w.st.CompleteRun(run.ID, store.RunFailed, events.MarshalFields(summary), code, w.now().Unix())
	if err != nil {
		w.logger.Error("complete run", "run_id", run.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	w.logger.Warn("run failed", "run_id", run.ID, "job_id", run.JobID, "code", code, "error", msg)
	w.rec.Run(run.ID, events.LevelError, events.KindRunFailed, msg, map[string]any{"code": code})
	if spec != nil {
		w.enqueueNotifications(run.ID, spec.Notify)
	}
}

// succeed moves the run to success with its summary and registers the
// deferred delete that will reclaim its artifacts once retention
// expires. The hourly sweep stays as the catch-up path for runs that
// settled under an older hub or while retention was off.
func (w *Worker) succeed(run *store.Run, spec *jobspec.Spec, summary map[string]any) {
	now := w.now()
	ok, err := w.st.CompleteRun(run.ID, store.RunSuccess, events.MarshalFields(summary), "", now.Unix())
	if err != nil {
		w.logger.Error("complete run", "run_id", run.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	run.EndedAt = now.Unix()
	if _, err := deferred.EnqueueRetentionDelete(w.st, run, w.cfg.RunRetentionDays, now); err != nil {
		w.logger.Error("register artifact delete", "run_id", run.ID, "error", err)
	}
	w.logger.Info("run complete", "run_id", run.ID, "job_id", run.JobID)
	w.rec.Run(run.ID, events.LevelInfo, events.KindRunComplete, "run complete", summary)
	w.enqueueNotifications(run.ID, spec.Notify)
}

func (w *Worker) enqueueNotifications(runID string, routes []jobspec.Route) {
	if len(routes) == 0 {
		return
	}
	if err := notify.Enqueue(w.st, runID, routes, w.now()); err != nil {
		w.logger.Error("enqueue notifications", "run_id", runID, "error", err)
		return
	}
	if w.WakeNotify != nil {
		w.WakeNotify()
	}
}
