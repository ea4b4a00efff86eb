package restore

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"

	"github.com/bastion-sh/bastion/internal/events"
	"github.com/bastion-sh/bastion/internal/jobspec"
	"github.com/bastion-sh/bastion/internal/secretbox"
)

// RestoreOptions extend Options with the destination and, for
// encrypted runs, the age identity that can open them.
type RestoreOptions struct {
	Options

	// Dest receives the extracted tree. Created if missing; existing
	// files are overwritten, never deleted.
	Dest string

	// AgeIdentity decrypts the payload when the manifest says the run
	// is encrypted.
	AgeIdentity string
}

// RestoreReport summarizes a successful extraction.
type RestoreReport struct {
	Dest      string
	Files     int64
	Dirs      int64
	Symlinks  int64
	Hardlinks int64
	Bytes     int64
}

// Restore verifies the run, then streams the payload parts in manifest
// order through the decode pipeline and extracts them under Dest,
// restoring mode, mtime, symlink targets, and hardlinks.
func Restore(ctx context.Context, opts RestoreOptions) (*RestoreReport, error) {
	if opts.Events == nil {
		opts.Events = events.NopSink{}
	}
	opts.Events.Event(events.LevelInfo, events.KindRestoreStarted, "restore starting",
		map[string]any{"job_id": opts.JobID, "run_id": opts.RunID, "dest": opts.Dest})

	rep, err := restoreRun(ctx, opts)
	if err != nil {
		opts.Events.Event(events.LevelError, events.KindRestoreFailed, err.Error(), nil)
		return nil, err
	}
	opts.Events.Event(events.LevelInfo, events.KindRestoreComplete, "restore complete",
		map[string]any{"dest": rep.Dest, "files": rep.Files, "dirs": rep.Dirs, "bytes": rep.Bytes})
	return rep, nil
}

func restoreRun(ctx context.Context, opts RestoreOptions) (*RestoreReport, error) {
	vrep, err := verifyRun(ctx, opts.Options)
	if err != nil {
		return nil, err
	}
	m := vrep.Manifest

	var identity age.Identity
	if m.Pipeline.Encryption.Type != jobspec.EncryptionNone {
		if opts.AgeIdentity == "" {
			return nil, fmt.Errorf("run is encrypted with key %q and no identity was provided", m.Pipeline.Encryption.KeyName)
		}
		identity, err = secretbox.ParseAgeIdentity(opts.AgeIdentity)
		if err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(opts.Dest, 0o755); err != nil {
		return nil, fmt.Errorf("create destination: %w", err)
	}

	names := make([]string, 0, len(m.Artifacts))
	for _, a := range m.Artifacts {
		names = append(names, a.Name)
	}
	parts := &partReader{ctx: ctx, opts: opts.Options, names: names}
	defer parts.Close()

	zr, err := zstd.NewReader(parts)
	if err != nil {
		return nil, fmt.Errorf("open zstd stream: %w", err)
	}
	defer zr.Close()

	var payload io.Reader = zr
	if identity != nil {
		payload, err = age.Decrypt(zr, identity)
		if err != nil {
			return nil, fmt.Errorf("open age stream: %w", err)
		}
	}

	ex := &extractor{
		dest: opts.Dest,
		prog: events.NewSinkProgressEmitter(opts.Events, "restore"),
	}
	if err := ex.run(ctx, tar.NewReader(payload)); err != nil {
		return nil, err
	}
	ex.rep.Dest = opts.Dest
	return &ex.rep, nil
}

// partReader concatenates the stored payload parts, fetching each one
// only when the previous is exhausted.
type partReader struct {
	ctx   context.Context
	opts  Options
	names []string
	cur   io.ReadCloser
}

func (r *partReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if len(r.names) == 0 {
				return 0, io.EOF
			}
			rc, err := r.opts.Store.FetchFile(r.ctx, r.opts.JobID, r.opts.RunID, r.names[0])
			if err != nil {
				return 0, fmt.Errorf("fetch %s: %w", r.names[0], err)
			}
			r.names = r.names[1:]
			r.cur = rc
		}
		n, err := r.cur.Read(p)
		if errors.Is(err, io.EOF) {
			r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *partReader) Close() error {
	if r.cur != nil {
		return r.cur.Close()
	}
	return nil
}

type dirFixup struct {
	path  string
	mtime time.Time
}

type extractor struct {
	dest string
	prog *events.ProgressEmitter
	rep  RestoreReport
	dirs []dirFixup
}

func (ex *extractor) run(ctx context.Context, tr *tar.Reader) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read payload stream: %w", err)
		}
		if err := ex.entry(hdr, tr); err != nil {
			return err
		}
		ex.emit()
	}

	// Directory times last: creating children touched the parents.
	for _, d := range ex.dirs {
		if err := os.Chtimes(d.path, d.mtime, d.mtime); err != nil {
			return fmt.Errorf("restore dir mtime: %w", err)
		}
	}
	ex.prog.Flush(events.ProgressSnapshot{
		Stage: "finalize",
		Done:  events.ProgressCounts{Files: ex.rep.Files, Dirs: ex.rep.Dirs, Bytes: ex.rep.Bytes},
	})
	return nil
}

func (ex *extractor) entry(hdr *tar.Header, tr *tar.Reader) error {
	name := filepath.Clean(filepath.FromSlash(hdr.Name))
	if name != "." && !filepath.IsLocal(name) {
		return fmt.Errorf("refusing entry outside destination: %q", hdr.Name)
	}
	path := filepath.Join(ex.dest, name)
	mode := hdr.FileInfo().Mode()

	switch hdr.Typeflag {
	case tar.TypeDir:
		// A non-directory in the way gets replaced, like tar does.
		if info, err := os.Lstat(path); err == nil && !info.IsDir() {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("clear %s: %w", hdr.Name, err)
			}
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", hdr.Name, err)
		}
		if err := os.Chmod(path, mode.Perm()); err != nil {
			return fmt.Errorf("restore mode on %s: %w", hdr.Name, err)
		}
		ex.dirs = append(ex.dirs, dirFixup{path: path, mtime: hdr.ModTime})
		ex.rep.Dirs++

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create parent of %s: %w", hdr.Name, err)
		}
		// Replace a symlink in the way instead of writing through it.
		if info, err := os.Lstat(path); err == nil && info.Mode()&fs.ModeSymlink != 0 {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("clear %s: %w", hdr.Name, err)
			}
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
		if err != nil {
			return fmt.Errorf("create %s: %w", hdr.Name, err)
		}
		n, err := io.Copy(f, tr)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", hdr.Name, err)
		}
		// Creation honors the umask; chmod sets the archived bits.
		if err := os.Chmod(path, mode.Perm()); err != nil {
			return fmt.Errorf("restore mode on %s: %w", hdr.Name, err)
		}
		if err := os.Chtimes(path, hdr.ModTime, hdr.ModTime); err != nil {
			return fmt.Errorf("restore mtime on %s: %w", hdr.Name, err)
		}
		ex.rep.Files++
		ex.rep.Bytes += n

	case tar.TypeSymlink:
		if err := replaceLink(path, func() error { return os.Symlink(hdr.Linkname, path) }); err != nil {
			return fmt.Errorf("restore symlink %s: %w", hdr.Name, err)
		}
		ex.rep.Symlinks++

	case tar.TypeLink:
		linkRel := filepath.Clean(filepath.FromSlash(hdr.Linkname))
		if !filepath.IsLocal(linkRel) {
			return fmt.Errorf("refusing hardlink outside destination: %q", hdr.Linkname)
		}
		src := filepath.Join(ex.dest, linkRel)
		if err := replaceLink(path, func() error { return os.Link(src, path) }); err != nil {
			return fmt.Errorf("restore hardlink %s: %w", hdr.Name, err)
		}
		ex.rep.Hardlinks++

	default:
		// Nothing else is produced by the builder; tolerate and skip.
	}
	return nil
}

// replaceLink creates a link, clearing a previous entry at the path if
// one is in the way.
func replaceLink(path string, create func() error) error {
	err := create()
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return err
	}
	if err := os.Remove(path); err != nil {
		return err
	}
	return create()
}

func (ex *extractor) emit() {
	ex.prog.Emit(events.ProgressSnapshot{
		Stage: "extract",
		Done:  events.ProgressCounts{Files: ex.rep.Files, Dirs: ex.rep.Dirs, Bytes: ex.rep.Bytes},
	})
}
