package builder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// buildVaultwarden archives a vaultwarden data directory: a consistent
// snapshot of db.sqlite3 plus the config, RSA key material, attachment
// blobs, and sends. The icon cache is regenerable and skipped.
func (b *build) buildVaultwarden(ctx context.Context) error {
	dataDir := b.req.Spec.Source.DataDir
	b.stageEvent("snapshot", "snapshotting vaultwarden database")

	snap := filepath.Join(b.req.StageDir, "db.snapshot")
	if err := snapshotSqlite(ctx, filepath.Join(dataDir, "db.sqlite3"), snap); err != nil {
		return fmt.Errorf("snapshot db.sqlite3: %w", err)
	}
	defer os.Remove(snap)

	b.stageEvent("archive", "archiving "+dataDir)
	if err := b.addFileAs(snap, "db.sqlite3"); err != nil {
		return err
	}

	for _, pattern := range []string{"config.json", "rsa_key*"} {
		matches, err := filepath.Glob(filepath.Join(dataDir, pattern))
		if err != nil {
			return fmt.Errorf("glob %s: %w", pattern, err)
		}
		for _, m := range matches {
			if err := ctx.Err(); err != nil {
				return err
			}
			info, err := os.Lstat(m)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if err := b.addFileAs(m, filepath.Base(m)); err != nil {
				return err
			}
		}
	}

	for _, sub := range []string{"attachments", "sends"} {
		root := filepath.Join(dataDir, sub)
		if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return fmt.Errorf("%s: %w", sub, err)
		}
		if err := newSubWalker(root, sub, b.warn).Walk(ctx, b.addEntry); err != nil {
			return err
		}
	}
	return nil
}
