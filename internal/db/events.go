package db

import (
	"context"
	"fmt"
	"time"

	"github.com/lucasnoah/conveyor/internal/pipeline"
)

type eventRow struct {
	ID        int64  `db:"id"`
	Org       string `db:"org"`
	Name      string `db:"name"`
	Stage     string `db:"stage"`
	Sha       string `db:"sha"`
	Event     string `db:"event"`
	Detail    string `db:"detail"`
	Timestamp string `db:"timestamp"`
}

// LogEvent appends a row to the pipeline audit log.
func (d *DB) LogEvent(ctx context.Context, e pipeline.Event) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO pipeline_events (org, name, stage, sha, event, detail, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Org, e.Name, e.Stage, e.Sha, e.Event, e.Detail, formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events for an application, newest first.
// A limit of 0 or less returns every event.
func (d *DB) ListEvents(ctx context.Context, org, name string, limit int) ([]pipeline.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []eventRow
	if err := d.conn.SelectContext(ctx, &rows,
		`SELECT id, org, name, stage, sha, event, detail, timestamp FROM pipeline_events
		 WHERE org = ? AND name = ? ORDER BY id DESC LIMIT ?`,
		org, name, limit,
	); err != nil {
		return nil, fmt.Errorf("list pipeline events: %w", err)
	}
	events := make([]pipeline.Event, 0, len(rows))
	for _, r := range rows {
		ts, err := parseTime(r.Timestamp)
		if err != nil {
			return nil, err
		}
		events = append(events, pipeline.Event{
			ID: r.ID, Org: r.Org, Name: r.Name, Stage: r.Stage, Sha: r.Sha,
			Event: r.Event, Detail: r.Detail, Timestamp: ts,
		})
	}
	return events, nil
}
