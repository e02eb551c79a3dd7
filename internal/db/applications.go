package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lucasnoah/conveyor/internal/pipeline"
)

type applicationRow struct {
	Org       string `db:"org"`
	Name      string `db:"name"`
	Body      string `db:"body"`
	Version   int64  `db:"version"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

func (r applicationRow) application() (pipeline.Application, error) {
	var app pipeline.Application
	if err := json.Unmarshal([]byte(r.Body), &app); err != nil {
		return pipeline.Application{}, fmt.Errorf("decode application %s: %w", pipeline.AppKey(r.Org, r.Name), err)
	}
	app.Org, app.Name, app.Version = r.Org, r.Name, r.Version
	var err error
	if app.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return pipeline.Application{}, err
	}
	if app.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return pipeline.Application{}, err
	}
	return app, nil
}

// GetApplication returns the application record, or pipeline.ErrNotFound.
func (d *DB) GetApplication(ctx context.Context, org, name string) (pipeline.Application, error) {
	var row applicationRow
	err := d.conn.GetContext(ctx, &row,
		`SELECT org, name, body, version, created_at, updated_at FROM applications WHERE org = ? AND name = ?`,
		org, name,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Application{}, fmt.Errorf("application %s: %w", pipeline.AppKey(org, name), pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.Application{}, fmt.Errorf("get application: %w", err)
	}
	return row.application()
}

// PutApplication creates (expectVersion 0) or replaces an application whose
// stored version equals expectVersion.
func (d *DB) PutApplication(ctx context.Context, app pipeline.Application, expectVersion int64) error {
	body, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("marshal application: %w", err)
	}
	now := formatTime(time.Now())

	if expectVersion == 0 {
		_, err := d.conn.ExecContext(ctx,
			`INSERT INTO applications (org, name, body, version, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?)`,
			app.Org, app.Name, string(body), now, now,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("create application %s: %w", app.Key(), pipeline.ErrConditionFailed)
		}
		if err != nil {
			return fmt.Errorf("create application %s: %w", app.Key(), err)
		}
		return nil
	}

	res, err := d.conn.ExecContext(ctx,
		`UPDATE applications SET body = ?, version = version + 1, updated_at = ?
		 WHERE org = ? AND name = ? AND version = ?`,
		string(body), now, app.Org, app.Name, expectVersion,
	)
	if err != nil {
		return fmt.Errorf("update application %s: %w", app.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update application %s: %w", app.Key(), err)
	}
	if n == 0 {
		return fmt.Errorf("update application %s at version %d: %w", app.Key(), expectVersion, pipeline.ErrConditionFailed)
	}
	return nil
}

// ListApplications returns every application ordered by org and name.
func (d *DB) ListApplications(ctx context.Context) ([]pipeline.Application, error) {
	var rows []applicationRow
	if err := d.conn.SelectContext(ctx, &rows,
		`SELECT org, name, body, version, created_at, updated_at FROM applications ORDER BY org, name`,
	); err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	apps := make([]pipeline.Application, 0, len(rows))
	for _, r := range rows {
		app, err := r.application()
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, nil
}
