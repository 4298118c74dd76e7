// Package sqlitetest provides a temporary SQLite store for tests.
package sqlitetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/splax/teamgate/internal/repository/sqlite"
)

// Open opens a new temp SQLite store, closed through tb.Cleanup.
func Open(tb testing.TB) *sqlite.Store {
	tb.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(tb.TempDir(), "test.db"))
	if err != nil {
		tb.Fatalf("open sqlite store: %v", err)
	}
	tb.Cleanup(func() {
		if err := store.Close(); err != nil {
			tb.Error(err)
		}
	})
	return store
}
