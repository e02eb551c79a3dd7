package db_test

import (
	"context"
	"errors"
	"testing"

	"github.com/lucasnoah/conveyor/internal/db"
	"github.com/lucasnoah/conveyor/internal/db/dbtest"
	"github.com/lucasnoah/conveyor/internal/pipeline"
)

func TestStoreContract(t *testing.T) {
	dbtest.Run(t, func(t *testing.T) pipeline.Store {
		return db.OpenTestDB(t)
	})
}

func TestMigrate(t *testing.T) {
	d := db.OpenTestDB(t)
	ctx := context.Background()

	tables := []string{"applications", "deployments", "pipeline_events"}
	for _, table := range tables {
		var name string
		err := d.Conn().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	// Migrate again should be idempotent
	if err := d.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestReset(t *testing.T) {
	d := db.OpenTestDB(t)
	ctx := context.Background()

	if err := d.PutApplication(ctx, pipeline.Application{Org: "acme", Name: "widgets"}, 0); err != nil {
		t.Fatalf("create application: %v", err)
	}
	if err := d.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := d.GetApplication(ctx, "acme", "widgets"); !errors.Is(err, pipeline.ErrNotFound) {
		t.Fatalf("after reset: got %v, want ErrNotFound", err)
	}
}

func TestInFlightIndex(t *testing.T) {
	d := db.OpenTestDB(t)
	var sql string
	err := d.Conn().QueryRow("SELECT sql FROM sqlite_master WHERE type='index' AND name='idx_deployments_in_flight'").Scan(&sql)
	if err != nil {
		t.Fatalf("in-flight index missing: %v", err)
	}
}

func TestListEventsUnlimited(t *testing.T) {
	d := db.OpenTestDB(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := d.LogEvent(ctx, pipeline.Event{Org: "acme", Name: "widgets", Event: "created"}); err != nil {
			t.Fatalf("LogEvent: %v", err)
		}
	}
	events, err := d.ListEvents(ctx, "acme", "widgets", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("ListEvents = %d, want 3", len(events))
	}
}
