package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/studio-b12/gowebdav"
)

// putRetries is how many transient retries a single upload gets after
// its first attempt.
const putRetries = 3

// WebDAV stores runs as job_id/run_id collections under a WebDAV base
// URL. Uploads resume by size: a part already stored at its expected
// size is skipped, while the manifest and completion marker are always
// rewritten so the marker can never predate the manifest it names.
type WebDAV struct {
	base   string
	client *gowebdav.Client

	// newBackOff builds the retry policy for one upload. Tests install
	// a zero-wait policy here.
	newBackOff func() backoff.BackOff
}

// NewWebDAV builds a mover for the collection at baseURL.
func NewWebDAV(baseURL, username, password string) *WebDAV {
	return &WebDAV{
		base:       strings.TrimRight(baseURL, "/"),
		client:     gowebdav.NewClient(baseURL, username, password),
		newBackOff: defaultPutBackOff,
	}
}

func defaultPutBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, putRetries)
}

// RunLocation is the run collection URL.
func (w *WebDAV) RunLocation(jobID, runID string) string {
	return w.base + "/" + jobID + "/" + runID
}

func remotePath(jobID, runID, name string) string {
	return "/" + path.Join(jobID, runID, name)
}

// StoreRun uploads the staged artifacts: parts and the entries index
// resume by size, the manifest and completion marker always overwrite,
// marker last.
func (w *WebDAV) StoreRun(ctx context.Context, up RunUpload) (string, error) {
	if err := w.ensureRunDirs(ctx, up.JobID, up.RunID); err != nil {
		return "", err
	}

	resumable := append([]string{}, up.Parts...)
	if up.EntriesIndex != "" {
		resumable = append(resumable, up.EntriesIndex)
	}
	for _, name := range resumable {
		if err := w.putResumable(ctx, up, name); err != nil {
			return "", err
		}
	}
	for _, name := range []string{ManifestName, CompleteName} {
		if err := w.PutFileWithRetries(ctx, up.JobID, up.RunID, name, filepath.Join(up.Dir, name)); err != nil {
			return "", err
		}
	}
	return w.RunLocation(up.JobID, up.RunID), nil
}

// StoreRunPartsRolling uploads each finalized part as it arrives and
// removes the local copy once it is stored.
func (w *WebDAV) StoreRunPartsRolling(ctx context.Context, jobID, runID string, parts <-chan Part) error {
	if err := w.ensureRunDirs(ctx, jobID, runID); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-parts:
			if !ok {
				return nil
			}
			if err := w.PutFileWithRetries(ctx, jobID, runID, p.Name, p.Path); err != nil {
				return err
			}
			if err := os.Remove(p.Path); err != nil {
				return fmt.Errorf("remove uploaded %s: %w", p.Name, err)
			}
		}
	}
}

// putResumable skips an artifact the target already holds at the
// staged size; anything else is (re)uploaded.
func (w *WebDAV) putResumable(ctx context.Context, up RunUpload, name string) error {
	local := filepath.Join(up.Dir, name)
	fi, err := os.Stat(local)
	if err != nil {
		return fmt.Errorf("stat staged %s: %w", name, err)
	}
	stored, ok, err := w.HeadSize(ctx, up.JobID, up.RunID, name)
	if err != nil {
		return err
	}
	if ok && stored == fi.Size() {
		return nil
	}
	return w.PutFileWithRetries(ctx, up.JobID, up.RunID, name, local)
}

// HeadSize probes a stored artifact with PROPFIND.
func (w *WebDAV) HeadSize(ctx context.Context, jobID, runID, name string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	fi, err := w.client.Stat(remotePath(jobID, runID, name))
	if gowebdav.IsErrNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, w.classify("stat "+name, err)
	}
	return fi.Size(), true, nil
}

// PutFileWithRetries uploads one file, retrying transient failures with
// exponential backoff. Auth and config failures fail fast; no retry can
// fix a rejected credential or a missing collection.
func (w *WebDAV) PutFileWithRetries(ctx context.Context, jobID, runID, name, localPath string) error {
	remote := remotePath(jobID, runID, name)
	attempt := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		f, err := os.Open(localPath)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("open staged %s: %w", name, err))
		}
		defer f.Close()

		if err := w.client.WriteStream(remote, f, 0o644); err != nil {
			cerr := w.classify("put "+name, err)
			if Classify(cerr) == KindNetwork {
				return cerr
			}
			return backoff.Permanent(cerr)
		}
		return nil
	}
	return backoff.Retry(attempt, w.newBackOff())
}

// FetchFile streams a stored artifact. A missing artifact reports
// fs.ErrNotExist so callers can tell absence from transport failure.
func (w *WebDAV) FetchFile(ctx context.Context, jobID, runID, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rc, err := w.client.ReadStream(remotePath(jobID, runID, name))
	if gowebdav.IsErrNotFound(err) {
		return nil, fmt.Errorf("%s/%s/%s: %w", jobID, runID, name, fs.ErrNotExist)
	}
	if err != nil {
		return nil, w.classify("fetch "+name, err)
	}
	return rc, nil
}

// DeleteRun removes the run collection. The client already treats a
// DELETE of a missing collection as success; the explicit guard keeps
// that idempotency local rather than inherited.
func (w *WebDAV) DeleteRun(ctx context.Context, jobID, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := w.client.RemoveAll("/" + path.Join(jobID, runID))
	if err == nil || gowebdav.IsErrNotFound(err) {
		return nil
	}
	return w.classify("delete run", err)
}

// ensureRunDirs creates the job and run collections. The client maps
// MKCOL 405 (already exists) to success.
func (w *WebDAV) ensureRunDirs(ctx context.Context, jobID, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.client.Mkdir("/"+jobID, 0o755); err != nil {
		return w.classify("create job collection", err)
	}
	if err := w.client.Mkdir("/"+path.Join(jobID, runID), 0o755); err != nil {
		return w.classify("create run collection", err)
	}
	return nil
}

// classify maps a client error onto the queue-visible kinds: 401/403
// are auth, 408/429 and every 5xx or transport failure are network,
// the remaining 4xx are config.
func (w *WebDAV) classify(op string, err error) error {
	var se gowebdav.StatusError
	if errors.As(err, &se) {
		kind := KindNetwork
		switch {
		case se.Status == 401 || se.Status == 403:
			kind = KindAuth
		case se.Status == 408 || se.Status == 429:
			kind = KindNetwork
		case se.Status >= 400 && se.Status < 500:
			kind = KindConfig
		}
		return &Error{Kind: kind, Op: op, Err: err}
	}
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}
