package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/bastion-sh/bastion/internal/builder"
	"github.com/bastion-sh/bastion/internal/events"
	"github.com/bastion-sh/bastion/internal/jobspec"
	"github.com/bastion-sh/bastion/internal/store"
	"github.com/bastion-sh/bastion/internal/target"
)

// executeLocal builds the run on the hub and stores it at the target.
// The stage directory is removed when the run ends either way; what a
// failed run left AT the target is the incomplete-cleanup queue's job.
func (w *Worker) executeLocal(ctx context.Context, run *store.Run, job *store.Job, spec *jobspec.Spec, snap *jobspec.TargetSnapshotV1, creds target.Credentials, ageRecipient string) {
	mover, err := target.FromSnapshot(snap, creds)
	if err != nil {
		w.fail(run, spec, CodeRunFailed, err.Error(), nil)
		return
	}

	stageDir := filepath.Join(w.cfg.StageRoot, run.ID)
	defer os.RemoveAll(stageDir)

	req := builder.Request{
		RunID:        run.ID,
		JobID:        job.ID,
		Spec:         spec,
		StageDir:     stageDir,
		AgeRecipient: ageRecipient,
		ZstdWorkers:  w.cfg.ZstdWorkers,
		Events:       events.RunSink{Rec: w.rec, RunID: run.ID},
	}

	// Rolling mode runs the uploader alongside the build. The derived
	// context lets an uploader failure cancel the build, which would
	// otherwise block forever handing parts to a dead consumer.
	buildCtx := ctx
	var uploads *errgroup.Group
	if spec.Target.Mode == jobspec.ModeArchiveV1 {
		g, gctx := errgroup.WithContext(ctx)
		parts := make(chan target.Part, 1)
		g.Go(func() error {
			return mover.StoreRunPartsRolling(gctx, job.ID, run.ID, parts)
		})
		req.Rolling = &builder.Rolling{Parts: parts, Wait: g.Wait}
		uploads = g
		buildCtx = gctx
	}

	arts, err := builder.Build(buildCtx, req)
	if err != nil {
		if uploads != nil {
			// When the uploader died first, its failure is the real
			// cause; the build only saw the canceled context.
			if uerr := uploads.Wait(); uerr != nil && errors.Is(err, context.Canceled) && ctx.Err() == nil {
				err = uerr
			}
		}
		w.failLocal(run, spec, err)
		return
	}

	up := target.RunUpload{JobID: job.ID, RunID: run.ID, Dir: stageDir, EntriesIndex: target.EntriesIndexName}
	if spec.Target.Mode != jobspec.ModeArchiveV1 {
		for _, p := range arts.Parts {
			up.Parts = append(up.Parts, p.Name)
		}
	}

	w.rec.Run(run.ID, events.LevelInfo, events.KindUploadStarted, "storing run",
		map[string]any{"target": string(spec.Target.Type)})
	location, err := mover.StoreRun(ctx, up)
	if err != nil {
		w.failLocal(run, spec, err)
		return
	}
	w.rec.Run(run.ID, events.LevelInfo, events.KindUploadComplete, "run stored at "+location, nil)

	w.succeed(run, spec, localSummary(arts, location))
}

// failLocal maps a build or store failure onto the run row: a RunError
// supplies its code and summary, cancellation maps to code canceled,
// anything else is run_failed.
func (w *Worker) failLocal(run *store.Run, spec *jobspec.Spec, cause error) {
	code := CodeRunFailed
	var summary map[string]any
	var runErr *builder.RunError
	switch {
	case errors.As(cause, &runErr):
		code = runErr.Code
		summary = runErr.Summary
	case errors.Is(cause, context.Canceled):
		code = CodeCanceled
	}
	w.fail(run, spec, code, cause.Error(), summary)
}

// localSummary is the run summary persisted for a locally executed run.
func localSummary(arts *builder.LocalRunArtifacts, location string) map[string]any {
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
