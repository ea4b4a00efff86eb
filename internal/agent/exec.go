package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bastion-sh/bastion/internal/builder"
	"github.com/bastion-sh/bastion/internal/events"
	"github.com/bastion-sh/bastion/internal/jobspec"
	"github.com/bastion-sh/bastion/internal/protocol"
	"github.com/bastion-sh/bastion/internal/target"
)

// executor runs one backup at a time, the same serialization the hub's
// worker applies, for both dispatched tasks and offline fires.
type executor struct {
	agent *Agent
	work  chan workItem

	mu     sync.Mutex
	seen   map[string]struct{} // task ids already accepted
	active map[string]int      // job id -> offline runs queued or executing
}

type workItem struct {
	// Exactly one of task or fire is set.
	task    *protocol.BackupRunTaskV1
	session *session
	fire    *offlineFire
}

func newExecutor(a *Agent) *executor {
	return &executor{
		agent:  a,
		work:   make(chan workItem, 16),
		seen:   make(map[string]struct{}),
		active: make(map[string]int),
	}
}

func (e *executor) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-e.work:
			if item.task != nil {
				e.agent.runTask(ctx, item.session, item.task)
				continue
			}
			e.agent.runOffline(ctx, item.fire)
			e.release(item.fire.job.ID)
		}
	}
}

// accept registers a task id, reporting whether it is new. A re-sent
// Task for a known id is a duplicate and must not run or ack again.
func (e *executor) accept(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.seen[taskID]; dup {
		return false
	}
	e.seen[taskID] = struct{}{}
	return true
}

func (e *executor) forget(taskID string) {
	e.mu.Lock()
	delete(e.seen, taskID)
	e.mu.Unlock()
}

func (e *executor) release(jobID string) {
	e.mu.Lock()
	if e.active[jobID] > 0 {
		e.active[jobID]--
	}
	e.mu.Unlock()
}

// handleTask accepts a dispatched task from the session read loop. The
// ack goes out only once the task is actually queued; a task the agent
// cannot take stays unacked and the hub's deadline recovers it.
func (a *Agent) handleTask(s *session, t *protocol.Task) {
	if !a.exec.accept(t.TaskID) {
		a.logger.Warn("duplicate task ignored", "task_id", t.TaskID)
		return
	}

	task := t.Task
	select {
	case a.exec.work <- workItem{task: &task, session: s}:
	default:
		a.exec.forget(t.TaskID)
		a.logger.Error("task queue full, dropping dispatch", "task_id", t.TaskID)
		return
	}

	if err := s.send(protocol.NewAck(t.TaskID)); err != nil {
		a.logger.Error("send ack", "task_id", t.TaskID, "error", err)
	}
}

// runOutcome is a finished run as the hub wants to hear about it.
type runOutcome struct {
	status  string // success | failed
	errMsg  string // stable failure code when failed
	summary map[string]any
}

func (o runOutcome) summaryJSON() json.RawMessage {
	if o.summary == nil {
		return nil
	}
	raw, err := json.Marshal(o.summary)
	if err != nil {
		return nil
	}
	return raw
}

func (a *Agent) runTask(ctx context.Context, s *session, task *protocol.BackupRunTaskV1) {
	logger := a.logger.With("run_id", task.RunID, "job_id", task.JobID)
	logger.Info("task started")

	sink := sessionSink{s: s, runID: task.RunID}
	outcome := a.executeRun(ctx, task.RunID, &task.Spec, sink)

	result := protocol.NewTaskResult(task.RunID, task.RunID, outcome.status, outcome.summaryJSON(), outcome.errMsg)
	if err := s.send(result); err != nil {
		// The hub's dispatch deadline settles the run when the result
		// cannot be delivered.
		logger.Error("send task result", "error", err)
		return
	}
	logger.Info("task finished", "status", outcome.status)
}

// executeRun builds a run from its resolved order and stores it at the
// target. The terminal lifecycle event goes through the sink: relayed
// live for dispatched tasks, buffered for offline runs.
func (a *Agent) executeRun(ctx context.Context, runID string, resolved *jobspec.ResolvedV1, sink events.Sink) runOutcome {
	mover, err := moverFor(resolved.Target)
	if err != nil {
		return a.failRun(runID, sink, protocol.CodeRunFailed, err, nil)
	}

	stageDir := a.state.stageDir(runID)
	defer os.RemoveAll(stageDir)

	req := builder.Request{
		RunID:        runID,
		JobID:        resolved.JobID,
		Spec:         resolved.Spec(),
		StageDir:     stageDir,
		AgeRecipient: resolved.AgeRecipient,
		ZstdWorkers:  a.cfg.ZstdWorkers,
		Events:       sink,
	}

	// Rolling mode mirrors the hub's local executor: the uploader runs
	// in a group whose context cancels the build if the uploader dies,
	// so the part handoff can never wedge.
	buildCtx := ctx
	var uploads *errgroup.Group
	if resolved.Target.Mode == jobspec.ModeArchiveV1 {
		g, gctx := errgroup.WithContext(ctx)
		parts := make(chan target.Part, 1)
		g.Go(func() error {
			return mover.StoreRunPartsRolling(gctx, resolved.JobID, runID, parts)
		})
		req.Rolling = &builder.Rolling{Parts: parts, Wait: g.Wait}
		uploads = g
		buildCtx = gctx
	}

	arts, err := builder.Build(buildCtx, req)
	if err != nil {
		if uploads != nil {
			if uerr := uploads.Wait(); uerr != nil && errors.Is(err, context.Canceled) && ctx.Err() == nil {
				err = uerr
			}
		}
		code := protocol.CodeRunFailed
		var summary map[string]any
		var runErr *builder.RunError
		switch {
		case errors.As(err, &runErr):
			code = runErr.Code
			summary = runErr.Summary
		case errors.Is(err, context.Canceled):
			code = protocol.CodeCanceled
		}
		return a.failRun(runID, sink, code, err, summary)
	}

	up := target.RunUpload{JobID: resolved.JobID, RunID: runID, Dir: stageDir, EntriesIndex: target.EntriesIndexName}
	if resolved.Target.Mode != jobspec.ModeArchiveV1 {
		for _, p := range arts.Parts {
			up.Parts = append(up.Parts, p.Name)
		}
	}

	sink.Event(events.LevelInfo, events.KindUploadStarted, "storing run",
		map[string]any{"target": string(resolved.Target.Type)})
	location, err := mover.StoreRun(ctx, up)
	if err != nil {
		return a.failRun(runID, sink, protocol.CodeRunFailed, err, nil)
	}
	sink.Event(events.LevelInfo, events.KindUploadComplete, "run stored at "+location, nil)

	summary := runSummary(arts, location)
	sink.Event(events.LevelInfo, events.KindRunComplete, "run complete", summary)
	return runOutcome{status: "success", summary: summary}
}

func (a *Agent) failRun(runID string, sink events.Sink, code string, cause error, summary map[string]any) runOutcome {
	a.logger.Warn("run failed", "run_id", runID, "code", code, "error", cause)
	sink.Event(events.LevelError, events.KindRunFailed, cause.Error(), map[string]any{"code": code})
	return runOutcome{status: "failed", errMsg: code, summary: summary}
}

// moverFor builds the byte mover for a resolved target.
func moverFor(t jobspec.ResolvedTargetV1) (target.Store, error) {
	switch t.Type {
	case jobspec.TargetWebDAV:
		if t.URL == "" {
			return nil, fmt.Errorf("resolved webdav target has no url")
		}
		return target.NewWebDAV(t.URL, t.Username, t.Password), nil
	case jobspec.TargetLocalDir:
		if t.BaseDir == "" {
			return nil, fmt.Errorf("resolved local target has no base_dir")
		}
		return target.NewLocalDir(t.BaseDir), nil
	default:
		return nil, fmt.Errorf("unknown target type %q", t.Type)
	}
}

func runSummary(arts *builder.LocalRunArtifacts, location string) map[string]any {
	var partBytes int64
	for _, p := range arts.Parts {
		partBytes += p.Size
	}
	return map[string]any{
		"files":      arts.Counts.Files,
		"dirs":       arts.Counts.Dirs,
		"symlinks":   arts.Counts.Symlinks,
		"hardlinks":  arts.Counts.Hardlinks,
		"bytes":      arts.Counts.Bytes,
		"warnings":   arts.Counts.Warnings,
		"parts":      len(arts.Parts),
		"part_bytes": partBytes,
		"entries":    arts.EntriesCount,
		"location":   location,
	}
}
