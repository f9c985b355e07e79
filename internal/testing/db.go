// Package testing provides shared test helpers.
package testing

import (
	"os"
	"testing"

	"github.com/mkarlis/gridtrader/internal/database"
)

// NewTestDB creates a migrated temp-file database for a test. The returned
// cleanup closes the database and removes the files; register it with
// t.Cleanup or defer it.
func NewTestDB(t *testing.T) (*database.DB, func()) {
	t.Helper()

	f, err := os.CreateTemp("", "gridtrader-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp database file: %v", err)
	}
	path := f.Name()
	_ = f.Close()

	db, err := database.New(database.Config{Path: path, Name: "test"})
	if err != nil {
		os.Remove(path)
		t.Fatalf("failed to open test database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		os.Remove(path)
		t.Fatalf("failed to migrate test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.Remove(path)
		os.Remove(path + "-wal")
		os.Remove(path + "-shm")
	}

	return db, cleanup
}
