package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/conveyor/internal/pipeline"
)

const deploymentColumns = `id, org, name, stage, sha, is_deploying, was_success,
	artifact_bucket, artifact_folder, trigger_json, caused_by, approval_status,
	approved_by, failure_cause, attempts, created_at, updated_at`

// deploymentRow is a row of the deployments table.
type deploymentRow struct {
	ID             int64          `db:"id"`
	Org            string         `db:"org"`
	Name           string         `db:"name"`
	Stage          string         `db:"stage"`
	Sha            string         `db:"sha"`
	IsDeploying    bool           `db:"is_deploying"`
	WasSuccess     sql.NullBool   `db:"was_success"`
	ArtifactBucket string         `db:"artifact_bucket"`
	ArtifactFolder string         `db:"artifact_folder"`
	TriggerJSON    string         `db:"trigger_json"`
	CausedBy       sql.NullString `db:"caused_by"`
	ApprovalStatus string         `db:"approval_status"`
	ApprovedBy     string         `db:"approved_by"`
	FailureCause   string         `db:"failure_cause"`
	Attempts       int            `db:"attempts"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
}

func (r deploymentRow) deployment() (pipeline.Deployment, error) {
	d := pipeline.Deployment{
		Key:            pipeline.DeploymentKey{Org: r.Org, Name: r.Name, Stage: r.Stage, Sha: r.Sha},
		IsDeploying:    r.IsDeploying,
		ArtifactBucket: r.ArtifactBucket,
		ArtifactFolder: r.ArtifactFolder,
		ApprovalStatus: pipeline.ApprovalStatus(r.ApprovalStatus),
		ApprovedBy:     r.ApprovedBy,
		FailureCause:   pipeline.FailureCause(r.FailureCause),
		Attempts:       r.Attempts,
		Seq:            r.ID,
	}
	if r.WasSuccess.Valid {
		d.WasSuccess = pipeline.Bool(r.WasSuccess.Bool)
	}
	if r.CausedBy.Valid {
		d.CausedBy = pipeline.String(r.CausedBy.String)
	}
	if err := json.Unmarshal([]byte(r.TriggerJSON), &d.Trigger); err != nil {
		return pipeline.Deployment{}, fmt.Errorf("decode trigger for %s: %w", d.Key, err)
	}
	var err error
	if d.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return pipeline.Deployment{}, err
	}
	if d.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return pipeline.Deployment{}, err
	}
	return d, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// GetDeployment returns the record for key, or pipeline.ErrNotFound.
func (d *DB) GetDeployment(ctx context.Context, key pipeline.DeploymentKey) (pipeline.Deployment, error) {
	var row deploymentRow
	err := d.conn.GetContext(ctx, &row,
		`SELECT `+deploymentColumns+` FROM deployments WHERE hash_key = ? AND sha = ?`,
		key.HashKey(), key.Sha,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Deployment{}, fmt.Errorf("deployment %s: %w", key, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.Deployment{}, fmt.Errorf("get deployment %s: %w", key, err)
	}
	return row.deployment()
}

// PutIfAbsentOrStatusMatches writes dep when the stored record satisfies
// expect. A write that would put a second record of the same stage in flight
// violates idx_deployments_in_flight and is reported as a failed condition.
func (d *DB) PutIfAbsentOrStatusMatches(ctx context.Context, dep pipeline.Deployment, expect pipeline.Expectation) error {
	trig, err := json.Marshal(dep.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	now := formatTime(time.Now())
	key := dep.Key

	if expect.Absent {
		_, err = d.conn.ExecContext(ctx,
			`INSERT INTO deployments (hash_key, org, name, stage, sha, is_deploying, was_success,
				artifact_bucket, artifact_folder, trigger_json, caused_by, approval_status,
				approved_by, failure_cause, attempts, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			key.HashKey(), key.Org, key.Name, key.Stage, key.Sha, dep.IsDeploying, nullBool(dep.WasSuccess),
			dep.ArtifactBucket, dep.ArtifactFolder, string(trig), nullString(dep.CausedBy), string(dep.ApprovalStatus),
			dep.ApprovedBy, string(dep.FailureCause), dep.Attempts, now, now,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("create deployment %s: %w", key, pipeline.ErrConditionFailed)
		}
		if err != nil {
			return fmt.Errorf("create deployment %s: %w", key, err)
		}
		return nil
	}

	var where strings.Builder
	where.WriteString(`hash_key = ? AND sha = ?`)
	whereArgs := []any{key.HashKey(), key.Sha}
	if expect.IsDeploying != nil {
		where.WriteString(` AND is_deploying = ?`)
		whereArgs = append(whereArgs, *expect.IsDeploying)
	}
	if expect.ApprovalStatus != "" {
		where.WriteString(` AND approval_status = ?`)
		whereArgs = append(whereArgs, string(expect.ApprovalStatus))
	}

	args := []any{
		dep.IsDeploying, nullBool(dep.WasSuccess), dep.ArtifactBucket, dep.ArtifactFolder,
		string(trig), nullString(dep.CausedBy), string(dep.ApprovalStatus), dep.ApprovedBy,
		string(dep.FailureCause), dep.Attempts, now,
	}
	res, err := d.conn.ExecContext(ctx,
		`UPDATE deployments SET is_deploying = ?, was_success = ?, artifact_bucket = ?,
			artifact_folder = ?, trigger_json = ?, caused_by = ?, approval_status = ?,
			approved_by = ?, failure_cause = ?, attempts = ?, updated_at = ?
		 WHERE `+where.String(),
		append(args, whereArgs...)...,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("update deployment %s: %w", key, pipeline.ErrConditionFailed)
	}
	if err != nil {
		return fmt.Errorf("update deployment %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update deployment %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("update deployment %s: %w", key, pipeline.ErrConditionFailed)
	}
	return nil
}

// ListDeployments returns an application's deployments grouped by stage, in
// insertion order within each stage.
func (d *DB) ListDeployments(ctx context.Context, org, name string) ([]pipeline.Deployment, error) {
	return d.selectDeployments(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE org = ? AND name = ? ORDER BY stage, id`,
		org, name,
	)
}

// ListInFlight returns every deployment currently marked as deploying.
func (d *DB) ListInFlight(ctx context.Context) ([]pipeline.Deployment, error) {
	return d.selectDeployments(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE is_deploying = 1 ORDER BY id`,
	)
}

// ListApproved returns approved deployments that have not started.
func (d *DB) ListApproved(ctx context.Context) ([]pipeline.Deployment, error) {
	return d.selectDeployments(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE approval_status = 'Approved' AND is_deploying = 0 AND was_success IS NULL
		 ORDER BY id`,
	)
}

func (d *DB) selectDeployments(ctx context.Context, query string, args ...any) ([]pipeline.Deployment, error) {
	var rows []deploymentRow
	if err := d.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	out := make([]pipeline.Deployment, 0, len(rows))
	for _, r := range rows {
		dep, err := r.deployment()
		if err != nil {
			return nil, err
		}
		out = append(out, dep)
	}
	return out, nil
}
