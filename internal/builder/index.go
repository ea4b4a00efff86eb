package builder

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"

	"github.com/bastion-sh/bastion/internal/target"
)

// Entry kinds in the entries index.
const (
	EntryKindFile     = "file"
	EntryKindDir      = "dir"
	EntryKindSymlink  = "symlink"
	EntryKindHardlink = "hardlink"
)

// Entry is one record in entries.jsonl.zst. Optional fields are
// omitted when empty, never written as null.
type Entry struct {
	Path          string            `json:"path"`
	Kind          string            `json:"kind"`
	Size          int64             `json:"size"`
	HashAlg       string            `json:"hash_alg,omitempty"`
	Hash          string            `json:"hash,omitempty"`
	Mtime         string            `json:"mtime,omitempty"`
	Mode          uint32            `json:"mode,omitempty"`
	UID           *int              `json:"uid,omitempty"`
	GID           *int              `json:"gid,omitempty"`
	Xattrs        map[string]string `json:"xattrs,omitempty"`
	SymlinkTarget string            `json:"symlink_target,omitempty"`
	HardlinkGroup int               `json:"hardlink_group,omitempty"`
}

// indexWriter streams entry records through zstd into the entries
// index file, hashing the compressed bytes as they land.
type indexWriter struct {
	path   string
	f      *os.File
	zw     *zstd.Encoder
	enc    *json.Encoder
	hasher *blake3.Hasher
	size   int64
	count  int
	closed bool
}

func newIndexWriter(dir string) (*indexWriter, error) {
	p := filepath.Join(dir, target.EntriesIndexName)
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open entries index: %w", err)
	}
	iw := &indexWriter{path: p, f: f, hasher: blake3.New(32, nil)}

	// Tee the compressed stream into the hasher so the manifest can
	// carry the on-disk hash without a second read.
	zw, err := zstd.NewWriter(io.MultiWriter(&countingWriter{w: f, n: &iw.size}, iw.hasher))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create index encoder: %w", err)
	}
	iw.zw = zw
	iw.enc = json.NewEncoder(zw)
	iw.enc.SetEscapeHTML(false)
	return iw, nil
}

// Add appends one record.
func (iw *indexWriter) Add(e Entry) error {
	if err := iw.enc.Encode(e); err != nil {
		return fmt.Errorf("write index entry for %s: %w", e.Path, err)
	}
	iw.count++
	return nil
}

// Close flushes the compressed stream and the file.
func (iw *indexWriter) Close() error {
	if iw.closed {
		return nil
	}
	iw.closed = true
	if err := iw.zw.Close(); err != nil {
		iw.f.Close()
		return fmt.Errorf("close index encoder: %w", err)
	}
	if err := iw.f.Sync(); err != nil {
		iw.f.Close()
		return fmt.Errorf("sync entries index: %w", err)
	}
	return iw.f.Close()
}

// abort closes without flushing guarantees; the partial index stays on
// disk for the cleanup queue to collect with the rest of the stage.
func (iw *indexWriter) abort() {
	if iw.closed {
		return
	}
	iw.closed = true
	iw.zw.Close()
	iw.f.Close()
}

// Hash returns the hex blake3 of the compressed index bytes. Valid
// after Close.
func (iw *indexWriter) Hash() string {
	return hex.EncodeToString(iw.hasher.Sum(nil))
}

// countingWriter tracks bytes written through it.
type countingWriter struct {
	w io.Writer
	n *int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	*cw.n += int64(n)
	return n, err
}
