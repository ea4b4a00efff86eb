package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalDir stores runs under base/job_id/run_id on a filesystem the hub
// (or an agent) can reach directly.
type LocalDir struct {
	base string
}

// NewLocalDir builds a mover rooted at base.
func NewLocalDir(base string) *LocalDir {
	return &LocalDir{base: base}
}

// RunLocation is the run directory path.
func (l *LocalDir) RunLocation(jobID, runID string) string {
	return filepath.Join(l.base, jobID, runID)
}

// StoreRun moves the staged artifacts into the run directory: parts,
// then the entries index, then the manifest, then the completion
// marker. The marker lands last, so a crash mid-store never leaves a
// directory that looks committed.
func (l *LocalDir) StoreRun(ctx context.Context, up RunUpload) (string, error) {
	dir := l.RunLocation(up.JobID, up.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}

	names := append([]string{}, up.Parts...)
	if up.EntriesIndex != "" {
		names = append(names, up.EntriesIndex)
	}
	names = append(names, ManifestName, CompleteName)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := moveFile(filepath.Join(up.Dir, name), filepath.Join(dir, name)); err != nil {
			return "", fmt.Errorf("store %s: %w", name, err)
		}
	}
	return dir, nil
}

// StoreRunPartsRolling moves each finalized part as it arrives.
func (l *LocalDir) StoreRunPartsRolling(ctx context.Context, jobID, runID string, parts <-chan Part) error {
	dir := l.RunLocation(jobID, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-parts:
			if !ok {
				return nil
			}
			if err := moveFile(p.Path, filepath.Join(dir, p.Name)); err != nil {
				return fmt.Errorf("store %s: %w", p.Name, err)
			}
		}
	}
}

// HeadSize stats a stored artifact.
func (l *LocalDir) HeadSize(_ context.Context, jobID, runID, name string) (int64, bool, error) {
	fi, err := os.Stat(filepath.Join(l.RunLocation(jobID, runID), name))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return fi.Size(), true, nil
}

// PutFileWithRetries copies one file into the run directory. Local
// writes either work or they don't; there is nothing worth retrying.
func (l *LocalDir) PutFileWithRetries(ctx context.Context, jobID, runID, name, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := l.RunLocation(jobID, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	if err := copySwap(localPath, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	return nil
}

// FetchFile opens a stored artifact.
func (l *LocalDir) FetchFile(_ context.Context, jobID, runID, name string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(l.RunLocation(jobID, runID), name))
}

// DeleteRun removes the run directory. A directory holding content this
// system never wrote is refused as a config error: a mistyped base_dir
// must not delete unrelated data. An empty or missing directory deletes
// cleanly.
func (l *LocalDir) DeleteRun(_ context.Context, jobID, runID string) error {
	dir := l.RunLocation(jobID, runID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &Error{Kind: KindUnknown, Op: "read run dir", Err: err}
	}
	if len(entries) > 0 && !looksLikeRun(entries) {
		return &Error{Kind: KindConfig, Op: "delete run",
			Err: fmt.Errorf("%s holds no run artifacts, refusing to delete", dir)}
	}
	if err := os.RemoveAll(dir); err != nil {
		return &Error{Kind: KindUnknown, Op: "delete run", Err: err}
	}
	return nil
}

// looksLikeRun reports whether a directory listing carries at least one
// artifact name this system writes.
func looksLikeRun(entries []os.DirEntry) bool {
	for _, e := range entries {
		name := e.Name()
		switch name {
		case CompleteName, ManifestName, EntriesIndexName:
			return true
		}
		if strings.HasPrefix(name, "payload.part") || strings.HasSuffix(name, PartialSuffix) {
			return true
		}
	}
	return false
}

// moveFile renames src into place, falling back to a copy-and-swap when
// the rename crosses filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copySwap(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// copySwap copies src to dst.partial and renames it into place, so dst
// never holds a half-written file under its final name.
func copySwap(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	partial := dst + PartialSuffix
	out, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(partial)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(partial)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(partial)
		return err
	}
	return os.Rename(partial, dst)
}
