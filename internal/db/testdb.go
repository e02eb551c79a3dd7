package db

import (
	"context"
	"testing"
)

// OpenTestDB opens an in-memory database with all migrations applied. The
// database is closed when the test finishes.
func OpenTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(context.Background()); err != nil {
		d.Close()
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}
