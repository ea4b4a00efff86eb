// Package target moves run artifacts between the hub's staging area and
// the place they live long-term: a directory on the local filesystem or
// a WebDAV collection. The movers share the canonical run layout, the
// upload ordering rules (parts, then the entries index, then the
// manifest, then the completion marker), and a typed error kind the
// deferred queues translate into state transitions.
package target

import (
	"context"
	"fmt"
	"io"

	"github.com/bastion-sh/bastion/internal/jobspec"
)

// Canonical names inside a run directory. Every mover and reader agrees
// on these; a directory is a committed run iff CompleteName is present.
const (
	EntriesIndexName = "entries.jsonl.zst"
	ManifestName     = "manifest.json"
	CompleteName     = "complete.json"

	// PartialSuffix marks an in-progress file that must never be read
	// as an artifact.
	PartialSuffix = ".partial"
)

// PartName is the canonical name of the nth payload part.
func PartName(n int) string {
	return fmt.Sprintf("payload.part.%05d", n)
}

// Part is one finalized payload part handed to a rolling uploader.
type Part struct {
	Name string
	Path string
	Size int64
}

// RunUpload names the staged artifacts one StoreRun call moves. Parts
// is empty in rolling mode, where the payload already traveled through
// StoreRunPartsRolling; the index, manifest, and marker always travel
// here, marker last.
type RunUpload struct {
	JobID string
	RunID string

	// Dir is the staging directory holding every named artifact.
	Dir string

	Parts        []string
	EntriesIndex string
}

// Credentials authenticate against a WebDAV target. Local directories
// ignore them.
type Credentials struct {
	URL      string
	Username string
	Password string
}

// Store is a byte mover for one configured target. Implementations are
// safe for use by one run at a time; the single-worker model guarantees
// no two writers share a run directory.
type Store interface {
	// StoreRun uploads the staged artifacts in the canonical order and
	// returns the run's location (a path or URL).
	StoreRun(ctx context.Context, up RunUpload) (string, error)

	// StoreRunPartsRolling consumes finalized parts until the channel
	// closes, storing each and removing its local copy.
	StoreRunPartsRolling(ctx context.Context, jobID, runID string, parts <-chan Part) error

	// HeadSize reports the stored size of an artifact, with ok=false
	// when it does not exist.
	HeadSize(ctx context.Context, jobID, runID, name string) (int64, bool, error)

	// PutFileWithRetries stores one local file under the run directory,
	// retrying transient failures.
	PutFileWithRetries(ctx context.Context, jobID, runID, name, localPath string) error

	// FetchFile opens a stored artifact for reading. A missing artifact
	// reports fs.ErrNotExist.
	FetchFile(ctx context.Context, jobID, runID, name string) (io.ReadCloser, error)

	// DeleteRun removes the run directory. Deleting a run that is
	// already gone succeeds.
	DeleteRun(ctx context.Context, jobID, runID string) error

	// RunLocation is where the run lives at this target.
	RunLocation(jobID, runID string) string
}

// FromSnapshot builds the mover a persisted target snapshot describes.
// WebDAV movers use the snapshot's pinned URL, not the credential's:
// the snapshot records where the artifacts actually went.
func FromSnapshot(snap *jobspec.TargetSnapshotV1, creds Credentials) (Store, error) {
	switch snap.Type {
	case jobspec.TargetLocalDir:
		return NewLocalDir(snap.BaseDir), nil
	case jobspec.TargetWebDAV:
		return NewWebDAV(snap.URL, creds.Username, creds.Password), nil
	default:
		return nil, &Error{Kind: KindConfig, Op: "resolve target",
			Err: fmt.Errorf("unknown target type %q", snap.Type)}
	}
}
