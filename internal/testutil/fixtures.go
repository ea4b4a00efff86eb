// Package testutil holds fixtures shared across test packages.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/bastion-sh/bastion/internal/store"
)

// OpenStore opens a migrated store on a fresh temp database, closed when
// the test ends.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "bastion.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
