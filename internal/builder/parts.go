package builder

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bastion-sh/bastion/internal/target"
	"lukechampine.com/blake3"
)

// partWriter is the payload sink at the bottom of the pipeline. It
// rotates output files at the configured cap, writing each as
// name.partial and renaming on finalize so a crash never leaves a
// half-written part under its final name. Every part is hashed as it
// is written.
type partWriter struct {
	dir        string
	maxSize    int64
	onFinalize func(LocalArtifact) error

	n         int
	f         *os.File
	written   int64
	hasher    *blake3.Hasher
	finalized []LocalArtifact
}

func newPartWriter(dir string, maxSize int64, onFinalize func(LocalArtifact) error) *partWriter {
	return &partWriter{dir: dir, maxSize: maxSize, onFinalize: onFinalize}
}

func (pw *partWriter) openNext() error {
	name := target.PartName(pw.n)
	f, err := os.OpenFile(filepath.Join(pw.dir, name+target.PartialSuffix), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open part %s: %w", name, err)
	}
	pw.f = f
	pw.written = 0
	pw.hasher = blake3.New(32, nil)
	return nil
}

// Write splits the byte stream across part boundaries, rotating
// whenever the current part reaches the cap.
func (pw *partWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if pw.f == nil {
			if err := pw.openNext(); err != nil {
				return total, err
			}
		}
		chunk := int64(len(p))
		if room := pw.maxSize - pw.written; chunk > room {
			chunk = room
		}
		n, err := pw.f.Write(p[:chunk])
		pw.hasher.Write(p[:n])
		pw.written += int64(n)
		total += n
		if err != nil {
			return total, fmt.Errorf("write part %s: %w", target.PartName(pw.n), err)
		}
		p = p[chunk:]
		if pw.written >= pw.maxSize {
			if err := pw.finalizeCurrent(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// finalizeCurrent flushes, renames the partial to its final name, and
// records the artifact. No-op when nothing is open.
func (pw *partWriter) finalizeCurrent() error {
	if pw.f == nil {
		return nil
	}
	name := target.PartName(pw.n)
	partial := pw.f.Name()
	final := filepath.Join(pw.dir, name)

	if err := pw.f.Sync(); err != nil {
		pw.f.Close()
		return fmt.Errorf("sync part %s: %w", name, err)
	}
	if err := pw.f.Close(); err != nil {
		return fmt.Errorf("close part %s: %w", name, err)
	}
	if err := os.Rename(partial, final); err != nil {
		return fmt.Errorf("finalize part %s: %w", name, err)
	}

	art := LocalArtifact{
		Name:    name,
		Path:    final,
		Size:    pw.written,
		HashAlg: "blake3",
		Hash:    hex.EncodeToString(pw.hasher.Sum(nil)),
	}
	pw.finalized = append(pw.finalized, art)
	pw.f = nil
	pw.n++

	if pw.onFinalize != nil {
		if err := pw.onFinalize(art); err != nil {
			return err
		}
	}
	return nil
}

// Close finalizes the in-progress part, if any.
func (pw *partWriter) Close() error {
	return pw.finalizeCurrent()
}

// abort drops the in-progress partial file. Already finalized parts
// stay; they are valid and the cleanup queue will collect them.
func (pw *partWriter) abort() {
	if pw.f == nil {
		return
	}
	partial := pw.f.Name()
	pw.f.Close()
	os.Remove(partial)
	pw.f = nil
}
