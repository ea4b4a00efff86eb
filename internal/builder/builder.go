// Package builder turns a job spec into a stored-run payload: a tar
// stream, optionally age-encrypted, zstd-compressed, split into
// numbered parts, each hashed with blake3, plus a per-entry index, a
// manifest, and the completion marker. One variant exists per source
// kind; all of them drive the same pipeline and produce the same
// artifact shape.
package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bastion-sh/bastion/internal/events"
	"github.com/bastion-sh/bastion/internal/jobspec"
	"github.com/bastion-sh/bastion/internal/target"
)

// RunError is a run failure carrying a stable code and an optional
// structured summary for the run row.
type RunError struct {
	Code    string
	Message string
	Summary map[string]any
	Err     error
}

func (e *RunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err)
	}
	return e.Message
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// LocalArtifact is one finalized payload part on disk.
type LocalArtifact struct {
	Name    string
	Path    string
	Size    int64
	HashAlg string
	Hash    string
}

// BuildCounts tallies what the build visited and produced.
type BuildCounts struct {
	Files     int64
	Dirs      int64
	Symlinks  int64
	Hardlinks int64
	Bytes     int64
	Warnings  int64
}

// summary renders the counts for a run summary field. A failed build
// reports what it got through before stopping.
func (c BuildCounts) summary() map[string]any {
	return map[string]any{
		"files":     c.Files,
		"dirs":      c.Dirs,
		"symlinks":  c.Symlinks,
		"hardlinks": c.Hardlinks,
		"bytes":     c.Bytes,
		"warnings":  c.Warnings,
	}
}

// LocalRunArtifacts is the on-disk result of a successful build.
type LocalRunArtifacts struct {
	RunDir           string
	Parts            []LocalArtifact
	EntriesIndexPath string
	EntriesCount     int
	ManifestPath     string
	CompletePath     string
	Counts           BuildCounts
}

// Observer sees build milestones. Tests use it to pin the per-entry
// ordering: open-file, tar-header, stream-bytes, close-entry.
type Observer interface {
	FileOpened(path string)
	FileClosed(path string)
	PartFinalized(name string, size int64)
}

type nopObserver struct{}

func (nopObserver) FileOpened(string)           {}
func (nopObserver) FileClosed(string)           {}
func (nopObserver) PartFinalized(string, int64) {}

// Rolling connects the part writer to a background uploader. The
// builder sends each finalized part, closes Parts after the last one,
// and calls Wait before writing the manifest so parts are stored
// before the manifest can appear at the target.
type Rolling struct {
	Parts chan<- target.Part
	Wait  func() error
}

// Request carries everything one build needs.
type Request struct {
	RunID string
	JobID string

	// Spec must be canonicalized and validated.
	Spec *jobspec.Spec

	// StageDir is where artifacts are written. The builder owns it
	// exclusively for the duration of the build.
	StageDir string

	// AgeRecipient is the resolved public key when the pipeline
	// encrypts, empty otherwise.
	AgeRecipient string

	// ZstdWorkers caps compression concurrency; 0 uses the encoder
	// default.
	ZstdWorkers int

	// Rolling streams finalized parts to an uploader; nil builds fully
	// staged.
	Rolling *Rolling

	// Events receives stage, warning, and progress events; nil drops
	// them.
	Events events.Sink

	// Observer sees build milestones; nil installs a no-op.
	Observer Observer
}

// Build produces a run from the spec's source. On success every
// artifact is in place under StageDir with complete.json written last.
// A canceled context finishes the current part and returns with no
// *.partial files left behind and no manifest written.
func Build(ctx context.Context, req Request) (*LocalRunArtifacts, error) {
	if req.Spec == nil {
		return nil, errors.New("build: nil spec")
	}
	if req.Observer == nil {
		req.Observer = nopObserver{}
	}
	if req.Events == nil {
		req.Events = events.NopSink{}
	}
	if err := os.MkdirAll(req.StageDir, 0o755); err != nil {
		closeRollingParts(req)
		return nil, fmt.Errorf("create stage dir: %w", err)
	}

	b, err := newBuild(ctx, req)
	if err != nil {
		closeRollingParts(req)
		return nil, err
	}

	var buildErr error
	switch req.Spec.Source.Type {
	case jobspec.SourceFilesystem:
		buildErr = b.buildFilesystem(ctx)
	case jobspec.SourceSqlite:
		buildErr = b.buildSqlite(ctx)
	case jobspec.SourceVaultwarden:
		buildErr = b.buildVaultwarden(ctx)
	default:
		buildErr = fmt.Errorf("unknown source type %q", req.Spec.Source.Type)
	}

	return b.finish(ctx, buildErr)
}

// closeRollingParts unblocks a pending uploader when the build fails
// before the pipeline exists. Later failures go through finish, which
// owns the close from then on.
func closeRollingParts(req Request) {
	if req.Rolling != nil {
		close(req.Rolling.Parts)
	}
}

// build carries the shared pipeline state across one run.
type build struct {
	req    Request
	arch   *archiveWriter
	index  *indexWriter
	obs    Observer
	prog   *events.ProgressEmitter
	counts BuildCounts
	start  time.Time
}

func newBuild(ctx context.Context, req Request) (*build, error) {
	b := &build{
		req:   req,
		obs:   req.Observer,
		prog:  events.NewSinkProgressEmitter(req.Events, "backup"),
		start: time.Now(),
	}

	onFinalize := func(a LocalArtifact) error {
		b.obs.PartFinalized(a.Name, a.Size)
		b.req.Events.Event(events.LevelInfo, events.KindPartFinalized, "finalized "+a.Name,
			map[string]any{"name": a.Name, "size": a.Size, "hash": a.Hash})
		if req.Rolling == nil {
			return nil
		}
		select {
		case req.Rolling.Parts <- target.Part{Name: a.Name, Path: a.Path, Size: a.Size}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	arch, err := newArchiveWriter(archiveConfig{
		Dir:          req.StageDir,
		PartSize:     req.Spec.Target.PartSizeBytes,
		Workers:      req.ZstdWorkers,
		AgeRecipient: req.AgeRecipient,
		OnFinalize:   onFinalize,
	})
	if err != nil {
		return nil, err
	}
	b.arch = arch

	index, err := newIndexWriter(req.StageDir)
	if err != nil {
		arch.abort()
		return nil, err
	}
	b.index = index
	return b, nil
}

// finish closes the pipeline and, when the build succeeded, writes the
// manifest and completion marker. Cancellation flushes what was built
// so far but commits nothing.
func (b *build) finish(ctx context.Context, buildErr error) (*LocalRunArtifacts, error) {
	if buildErr != nil && !errors.Is(buildErr, context.Canceled) {
		// A hard failure mid-stream: the current part may hold a
		// truncated tar stream, so drop it rather than finalize it.
		b.arch.abort()
		b.index.abort()
		b.closeRolling()
		return nil, &RunError{
			Code:    "run_failed",
			Message: "build failed",
			Summary: b.counts.summary(),
			Err:     buildErr,
		}
	}

	// Success or cooperative cancel: flush the stream, finalize the
	// current part, no *.partial left behind.
	if err := b.arch.Close(); err != nil {
		b.index.abort()
		b.closeRolling()
		return nil, fmt.Errorf("close archive: %w", err)
	}
	if err := b.index.Close(); err != nil {
		b.closeRolling()
		return nil, fmt.Errorf("close entries index: %w", err)
	}
	if buildErr != nil {
		b.closeRolling()
		return nil, buildErr
	}

	if b.req.Rolling != nil {
		close(b.req.Rolling.Parts)
		if err := b.req.Rolling.Wait(); err != nil {
			return nil, fmt.Errorf("rolling upload: %w", err)
		}
	}

	manifestPath, manifestHash, err := writeManifest(b.req, b.arch.parts(), b.index)
	if err != nil {
		return nil, err
	}
	completePath, err := writeComplete(b.req.StageDir, manifestHash)
	if err != nil {
		return nil, err
	}

	b.prog.Flush(events.ProgressSnapshot{
		Stage: "finalize",
		Done:  events.ProgressCounts{Files: b.counts.Files, Dirs: b.counts.Dirs, Bytes: b.counts.Bytes},
	})

	return &LocalRunArtifacts{
		RunDir:           b.req.StageDir,
		Parts:            b.arch.parts(),
		EntriesIndexPath: b.index.path,
		EntriesCount:     b.index.count,
		ManifestPath:     manifestPath,
		CompletePath:     completePath,
		Counts:           b.counts,
	}, nil
}

// closeRolling unblocks a pending uploader on the failure paths. The
// caller that owns the uploader observes the closed channel and stops.
func (b *build) closeRolling() {
	if b.req.Rolling != nil {
		close(b.req.Rolling.Parts)
	}
}

// emitProgress pushes a cadence-gated snapshot of the current counts.
func (b *build) emitProgress(stage string) {
	b.prog.Emit(events.ProgressSnapshot{
		Stage: stage,
		Done:  events.ProgressCounts{Files: b.counts.Files, Dirs: b.counts.Dirs, Bytes: b.counts.Bytes},
	})
}

// warn records a per-entry problem the error policy allowed past.
func (b *build) warn(path string, err error) {
	b.counts.Warnings++
	b.req.Events.Event(events.LevelWarn, events.KindWalkWarning, "skipping "+path,
		map[string]any{"path": path, "error": err.Error()})
}

func (b *build) stageEvent(stage, msg string) {
	b.req.Events.Event(events.LevelInfo, events.KindStage, msg, map[string]any{"stage": stage})
}
