// Package storetest provides a SQLite-backed repository for tests.
package storetest

import (
	"path/filepath"
	"testing"

	"inspectflow/internal/store"
)

// Open returns a repository on a fresh database file under tb.TempDir. The
// connection is closed when the test finishes.
func Open(tb testing.TB) *store.SQLiteRepo {
	tb.Helper()

	db, err := store.Open(filepath.Join(tb.TempDir(), "inspectflow.db"))
	if err != nil {
		tb.Fatalf("failed to open store: %v", err)
	}
	tb.Cleanup(func() { _ = db.Close() })
	return store.NewSQLiteRepo(db)
}
