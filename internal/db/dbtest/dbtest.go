// Package dbtest opens migrated throwaway SQLite databases for tests.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/kimhsiao/stocksync/backend/internal/db"
)

// Open creates a migrated database in a per-test temporary directory.
// The database is closed via t.Cleanup.
func Open(t testing.TB) *db.DB {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	database, err := db.OpenAndMigrate(ctx, t.TempDir(), db.Options{})
	if err != nil {
		t.Fatalf("dbtest: open database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
