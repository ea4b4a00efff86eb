package builder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// buildSqlite snapshots the database into the stage dir, then feeds the
// snapshot through the pipeline as a single-entry archive named after
// the source file.
func (b *build) buildSqlite(ctx context.Context) error {
	src := b.req.Spec.Source
	b.stageEvent("snapshot", "snapshotting "+src.Path)

	snap := filepath.Join(b.req.StageDir, "db.snapshot")
	if err := snapshotSqlite(ctx, src.Path, snap); err != nil {
		return fmt.Errorf("snapshot %s: %w", src.Path, err)
	}
	defer os.Remove(snap)

	b.stageEvent("archive", "archiving database snapshot")
	return b.addFileAs(snap, filepath.Base(src.Path))
}

// addFileAs archives a staged file under an explicit archive path.
func (b *build) addFileAs(localPath, rel string) error {
	info, err := os.Lstat(localPath)
	if err != nil {
		return fmt.Errorf("%s: %w", rel, err)
	}
	_, _, _, uid, gid := statIdentity(info)
	return b.addFile(visit{Rel: rel, Abs: localPath, Info: info, Kind: EntryKindFile, UID: uid, GID: gid})
}

// snapshotSqlite copies the live database into dst with VACUUM INTO,
// which runs inside a read transaction and yields a consistent,
// compacted copy even while writers are active.
func snapshotSqlite(ctx context.Context, src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return err
	}
	// VACUUM INTO refuses to overwrite; clear a stale destination.
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(10000)", src))
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, "VACUUM INTO "+sqliteQuote(dst))
	return err
}

// sqliteQuote renders a single-quoted SQL string literal. VACUUM INTO
// does not accept bound parameters.
func sqliteQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
