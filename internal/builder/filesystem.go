package builder

import (
	"archive/tar"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"lukechampine.com/blake3"

	"github.com/bastion-sh/bastion/internal/jobspec"
)

// buildFilesystem archives a directory tree under the source's
// include/exclude filters and link policies.
func (b *build) buildFilesystem(ctx context.Context) error {
	src := b.req.Spec.Source
	b.stageEvent("archive", "archiving "+src.Root)
	return newWalker(src, b.warn).Walk(ctx, b.addEntry)
}

// addEntry routes one walked entry into the tar stream and the entries
// index. Cancellation lands between entries, so the stream is never
// truncated mid-entry and the current part can always be finalized.
func (b *build) addEntry(v visit) error {
	switch v.Kind {
	case EntryKindDir:
		return b.addDir(v)
	case EntryKindFile:
		return b.addFile(v)
	case EntryKindSymlink:
		return b.addSymlink(v)
	case EntryKindHardlink:
		return b.addHardlink(v)
	default:
		return fmt.Errorf("%s: unknown entry kind %q", v.Rel, v.Kind)
	}
}

func (b *build) addDir(v visit) error {
	hdr, err := entryHeader(v)
	if err != nil {
		return err
	}
	if err := b.arch.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("%s: write header: %w", v.Rel, err)
	}
	if err := b.index.Add(b.entryRecord(v, EntryKindDir)); err != nil {
		return err
	}
	b.counts.Dirs++
	b.emitProgress("archive")
	return nil
}

func (b *build) addFile(v visit) error {
	f, err := os.Open(v.Abs)
	if err != nil {
		return b.fileErr(v.Rel, err)
	}
	defer f.Close()
	b.obs.FileOpened(v.Rel)
	defer b.obs.FileClosed(v.Rel)

	// Stat the open handle so the header size matches the bytes we
	// are about to stream.
	info, err := f.Stat()
	if err != nil {
		return b.fileErr(v.Rel, err)
	}
	v.Info = info

	hdr, err := entryHeader(v)
	if err != nil {
		return err
	}
	if err := b.arch.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("%s: write header: %w", v.Rel, err)
	}

	h := blake3.New(32, nil)
	n, err := io.Copy(b.arch.tw, &progressReader{r: io.TeeReader(f, h), b: b})
	if err != nil {
		return fmt.Errorf("%s: stream: %w", v.Rel, err)
	}
	if n != hdr.Size {
		return fmt.Errorf("%s: size changed during read: header %d, streamed %d", v.Rel, hdr.Size, n)
	}

	e := b.entryRecord(v, EntryKindFile)
	e.Size = n
	e.HashAlg = "blake3"
	e.Hash = hex.EncodeToString(h.Sum(nil))
	if v.Group > 0 {
		e.HardlinkGroup = v.Group
	}
	if err := b.index.Add(e); err != nil {
		return err
	}
	b.counts.Files++
	return nil
}

func (b *build) addSymlink(v visit) error {
	hdr, err := entryHeader(v)
	if err != nil {
		return err
	}
	if err := b.arch.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("%s: write header: %w", v.Rel, err)
	}
	e := b.entryRecord(v, EntryKindSymlink)
	e.SymlinkTarget = v.SymlinkTarget
	if err := b.index.Add(e); err != nil {
		return err
	}
	b.counts.Symlinks++
	b.emitProgress("archive")
	return nil
}

func (b *build) addHardlink(v visit) error {
	hdr, err := entryHeader(v)
	if err != nil {
		return err
	}
	hdr.Typeflag = tar.TypeLink
	hdr.Linkname = v.LinkTo
	hdr.Size = 0
	if err := b.arch.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("%s: write header: %w", v.Rel, err)
	}
	e := b.entryRecord(v, EntryKindHardlink)
	e.HardlinkGroup = v.Group
	if err := b.index.Add(e); err != nil {
		return err
	}
	b.counts.Hardlinks++
	b.emitProgress("archive")
	return nil
}

// fileErr applies the error policy to a per-file open or stat failure.
// Errors past this point abort the run regardless of policy: the tar
// header is already committed and the stream cannot skip the entry.
func (b *build) fileErr(rel string, err error) error {
	if b.req.Spec.Source.ErrorPolicy == jobspec.ErrorContinue {
		b.warn(rel, err)
		return nil
	}
	return fmt.Errorf("%s: %w", rel, err)
}

func entryHeader(v visit) (*tar.Header, error) {
	hdr, err := tar.FileInfoHeader(v.Info, v.SymlinkTarget)
	if err != nil {
		return nil, fmt.Errorf("%s: header: %w", v.Rel, err)
	}
	hdr.Name = v.Rel
	if v.Info.IsDir() {
		hdr.Name += "/"
	}
	if v.UID != nil {
		hdr.Uid = *v.UID
	}
	if v.GID != nil {
		hdr.Gid = *v.GID
	}
	return hdr, nil
}

func (b *build) entryRecord(v visit, kind string) Entry {
	return Entry{
		Path:  v.Rel,
		Kind:  kind,
		Mtime: v.Info.ModTime().UTC().Format(time.RFC3339),
		Mode:  uint32(v.Info.Mode().Perm()),
		UID:   v.UID,
		GID:   v.GID,
	}
}

// progressReader counts streamed bytes into the build totals and lets
// the cadence-gated emitter thin them into progress events.
type progressReader struct {
	r io.Reader
	b *build
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.b.counts.Bytes += int64(n)
		pr.b.emitProgress("archive")
	}
	return n, err
}
