// Package testutil provides shared helpers for package tests.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/flitsinc/agentcore/internal/state"
)

// OpenTestDB opens a migrated SQLite database in a per-test temp dir.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "agentcore.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}
