package builder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/bastion-sh/bastion/internal/jobspec"
)

// visit is one entry the walker surfaced, with everything the archive
// step needs to handle it.
type visit struct {
	// Rel is the slash-separated archive path; the walk root is ".".
	Rel string

	// Abs is the on-disk path of the data. For followed symlinks this
	// is the link path (opening it reads the target).
	Abs string

	// Info is lstat of the entry, except in follow mode where it
	// describes the resolved target.
	Info fs.FileInfo

	Kind          string
	SymlinkTarget string
	// LinkTo is the archive path of the first group member, set for
	// hardlink entries.
	LinkTo string
	// Group is the hardlink group id, set on every member including
	// the first.
	Group int

	UID, GID *int
}

type visitFunc func(v visit) error

type linkKey struct {
	dev, ino uint64
}

type groupRef struct {
	id  int
	rel string
}

// walker traverses one source root applying the spec's include and
// exclude globs and its symlink, hardlink, and error policies. Entries
// come out in lexical order, directories before their contents.
type walker struct {
	root string
	// base prefixes emitted paths; "" walks the root as ".".
	base string

	include        []string
	exclude        []string
	symlinkPolicy  jobspec.SymlinkPolicy
	hardlinkPolicy jobspec.HardlinkPolicy
	errorPolicy    jobspec.ErrorPolicy
	warn           func(rel string, err error)

	groups    map[linkKey]groupRef
	nextGroup int
	seenDirs  map[string]bool
}

func newWalker(src jobspec.Source, warn func(string, error)) *walker {
	return &walker{
		root:           src.Root,
		include:        src.Include,
		exclude:        src.Exclude,
		symlinkPolicy:  src.SymlinkPolicy,
		hardlinkPolicy: src.HardlinkPolicy,
		errorPolicy:    src.ErrorPolicy,
		warn:           warn,
		groups:         make(map[linkKey]groupRef),
		seenDirs:       make(map[string]bool),
	}
}

// newSubWalker traverses a directory that is archived under a path
// prefix, with the conservative default policies.
func newSubWalker(root, base string, warn func(string, error)) *walker {
	return &walker{
		root:           root,
		base:           base,
		symlinkPolicy:  jobspec.SymlinkRecord,
		hardlinkPolicy: jobspec.HardlinkDetect,
		errorPolicy:    jobspec.ErrorAbort,
		warn:           warn,
		groups:         make(map[linkKey]groupRef),
		seenDirs:       make(map[string]bool),
	}
}

// Walk traverses the root, calling fn for every entry that survives
// the filters. The root directory itself is the first entry.
func (w *walker) Walk(ctx context.Context, fn visitFunc) error {
	info, err := os.Lstat(w.root)
	if err != nil {
		return fmt.Errorf("source root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source root %s is not a directory", w.root)
	}
	if canon, err := filepath.EvalSymlinks(w.root); err == nil {
		w.seenDirs[canon] = true
	}

	rel := "."
	if w.base != "" {
		rel = w.base
	}
	if err := fn(w.dirVisit(rel, w.root, info)); err != nil {
		return err
	}
	return w.walkDir(ctx, w.root, rel, fn)
}

func (w *walker) walkDir(ctx context.Context, dir, rel string, fn visitFunc) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return w.entryErr(rel, err)
	}
	for _, d := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		childRel := joinRel(rel, d.Name())
		childAbs := filepath.Join(dir, d.Name())

		info, err := d.Info()
		if err != nil {
			if err := w.entryErr(childRel, err); err != nil {
				return err
			}
			continue
		}

		mode := info.Mode()
		switch {
		case mode&fs.ModeSymlink != 0:
			if err := w.visitSymlink(ctx, childAbs, childRel, info, fn); err != nil {
				return err
			}
		case mode.IsDir():
			if w.excluded(childRel) {
				continue
			}
			if err := fn(w.dirVisit(childRel, childAbs, info)); err != nil {
				return err
			}
			if err := w.walkDir(ctx, childAbs, childRel, fn); err != nil {
				return err
			}
		case mode.IsRegular():
			if err := w.visitFile(childAbs, childRel, info, fn); err != nil {
				return err
			}
		default:
			// Sockets, fifos, devices: nothing restorable to archive.
			w.warnf(childRel, fmt.Errorf("unsupported file type %v", mode.Type()))
		}
	}
	return nil
}

func (w *walker) visitFile(abs, rel string, info fs.FileInfo, fn visitFunc) error {
	if w.excluded(rel) || !w.included(rel) {
		return nil
	}
	v := visit{Rel: rel, Abs: abs, Info: info, Kind: EntryKindFile}
	dev, ino, nlink, uid, gid := statIdentity(info)
	v.UID, v.GID = uid, gid

	if w.hardlinkPolicy == jobspec.HardlinkDetect && nlink > 1 {
		key := linkKey{dev, ino}
		if ref, ok := w.groups[key]; ok {
			v.Kind = EntryKindHardlink
			v.Group = ref.id
			v.LinkTo = ref.rel
		} else {
			w.nextGroup++
			w.groups[key] = groupRef{id: w.nextGroup, rel: rel}
			v.Group = w.nextGroup
		}
	}
	return fn(v)
}

func (w *walker) visitSymlink(ctx context.Context, abs, rel string, info fs.FileInfo, fn visitFunc) error {
	switch w.symlinkPolicy {
	case jobspec.SymlinkSkip:
		return nil
	case jobspec.SymlinkFollow:
		return w.followSymlink(ctx, abs, rel, fn)
	default:
		if w.excluded(rel) || !w.included(rel) {
			return nil
		}
		tgt, err := os.Readlink(abs)
		if err != nil {
			return w.entryErr(rel, err)
		}
		_, _, _, uid, gid := statIdentity(info)
		return fn(visit{Rel: rel, Abs: abs, Info: info, Kind: EntryKindSymlink, SymlinkTarget: tgt, UID: uid, GID: gid})
	}
}

func (w *walker) followSymlink(ctx context.Context, abs, rel string, fn visitFunc) error {
	tinfo, err := os.Stat(abs)
	if err != nil {
		// Dangling links surface here.
		return w.entryErr(rel, err)
	}
	if tinfo.IsDir() {
		canon, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return w.entryErr(rel, err)
		}
		if w.seenDirs[canon] {
			w.warnf(rel, errors.New("symlink cycle"))
			return nil
		}
		w.seenDirs[canon] = true
		if w.excluded(rel) {
			return nil
		}
		if err := fn(w.dirVisit(rel, abs, tinfo)); err != nil {
			return err
		}
		return w.walkDir(ctx, abs, rel, fn)
	}
	if !tinfo.Mode().IsRegular() {
		w.warnf(rel, fmt.Errorf("unsupported file type %v", tinfo.Mode().Type()))
		return nil
	}
	return w.visitFile(abs, rel, tinfo, fn)
}

func (w *walker) dirVisit(rel, abs string, info fs.FileInfo) visit {
	_, _, _, uid, gid := statIdentity(info)
	return visit{Rel: rel, Abs: abs, Info: info, Kind: EntryKindDir, UID: uid, GID: gid}
}

// entryErr applies the error policy to a per-entry failure: continue
// downgrades it to a warning, abort surfaces it.
func (w *walker) entryErr(rel string, err error) error {
	if w.errorPolicy == jobspec.ErrorContinue {
		w.warnf(rel, err)
		return nil
	}
	return fmt.Errorf("%s: %w", rel, err)
}

func (w *walker) warnf(rel string, err error) {
	if w.warn != nil {
		w.warn(rel, err)
	}
}

func (w *walker) included(rel string) bool {
	if len(w.include) == 0 {
		return true
	}
	return matchAny(w.include, rel)
}

func (w *walker) excluded(rel string) bool {
	return matchAny(w.exclude, rel)
}

// matchAny matches a pattern against the full relative path and
// against the basename, so "*.log" catches logs at any depth.
func matchAny(patterns []string, rel string) bool {
	base := path.Base(rel)
	for _, p := range patterns {
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
		if ok, _ := path.Match(p, base); ok {
			return true
		}
	}
	return false
}

func joinRel(rel, name string) string {
	if rel == "." {
		return name
	}
	return rel + "/" + name
}
