package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lucasnoah/conveyor/internal/pipeline"
)

type applicationRow struct {
	Org       string    `db:"org"`
	Name      string    `db:"name"`
	Body      []byte    `db:"body"`
	Version   int64     `db:"version"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r applicationRow) application() (pipeline.Application, error) {
	var app pipeline.Application
	if err := json.Unmarshal(r.Body, &app); err != nil {
		return pipeline.Application{}, fmt.Errorf("decode application %s: %w", pipeline.AppKey(r.Org, r.Name), err)
	}
	app.Org, app.Name, app.Version = r.Org, r.Name, r.Version
	app.CreatedAt, app.UpdatedAt = r.CreatedAt, r.UpdatedAt
	return app, nil
}

// GetApplication returns the application record, or pipeline.ErrNotFound.
func (s *Store) GetApplication(ctx context.Context, org, name string) (pipeline.Application, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT org, name, body, version, created_at, updated_at FROM applications WHERE org = $1 AND name = $2`,
		org, name,
	)
	if err != nil {
		return pipeline.Application{}, fmt.Errorf("get application: %w", err)
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[applicationRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Application{}, fmt.Errorf("application %s: %w", pipeline.AppKey(org, name), pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.Application{}, fmt.Errorf("get application: %w", err)
	}
	return row.application()
}

// PutApplication creates (expectVersion 0) or replaces an application whose
// stored version equals expectVersion.
func (s *Store) PutApplication(ctx context.Context, app pipeline.Application, expectVersion int64) error {
	body, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("marshal application: %w", err)
	}
	now := time.Now().UTC()

	if expectVersion == 0 {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO applications (org, name, body, version, created_at, updated_at) VALUES ($1, $2, $3, 1, $4, $4)`,
			app.Org, app.Name, string(body), now,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("create application %s: %w", app.Key(), pipeline.ErrConditionFailed)
		}
		if err != nil {
			return fmt.Errorf("create application %s: %w", app.Key(), err)
		}
		return nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE applications SET body = $1, version = version + 1, updated_at = $2
		 WHERE org = $3 AND name = $4 AND version = $5`,
		string(body), now, app.Org, app.Name, expectVersion,
	)
	if err != nil {
		return fmt.Errorf("update application %s: %w", app.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update application %s at version %d: %w", app.Key(), expectVersion, pipeline.ErrConditionFailed)
	}
	return nil
}

// ListApplications returns every application ordered by org and name.
func (s *Store) ListApplications(ctx context.Context) ([]pipeline.Application, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT org, name, body, version, created_at, updated_at FROM applications ORDER BY org, name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	recs, err := pgx.CollectRows(rows, pgx.RowToStructByName[applicationRow])
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	apps := make([]pipeline.Application, 0, len(recs))
	for _, r := range recs {
		app, err := r.application()
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, nil
}

// LogEvent appends a row to the pipeline audit log.
func (s *Store) LogEvent(ctx context.Context, e pipeline.Event) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_events (org, name, stage, sha, event, detail, timestamp) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.Org, e.Name, e.Stage, e.Sha, e.Event, e.Detail, ts,
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events for an application, newest first.
// A limit of 0 or less returns every event.
func (s *Store) ListEvents(ctx context.Context, org, name string, limit int) ([]pipeline.Event, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, org, name, stage, sha, event, detail, timestamp FROM pipeline_events
		 WHERE org = $1 AND name = $2 ORDER BY id DESC LIMIT $3`,
		org, name, lim,
	)
	if err != nil {
		return nil, fmt.Errorf("list pipeline events: %w", err)
	}
	events, err := pgx.CollectRows(rows, pgx.RowToStructByName[pipeline.Event])
	if err != nil {
		return nil, fmt.Errorf("list pipeline events: %w", err)
	}
	return events, nil
}
