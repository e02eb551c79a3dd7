// Package postgres is the PostgreSQL-backed pipeline store.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/lucasnoah/conveyor/internal/pipeline"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements pipeline.Store and pipeline.EventLog over a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ pipeline.Store    = (*Store)(nil)
	_ pipeline.EventLog = (*Store)(nil)
)

// Open connects to the database at dsn.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) provider() (*goose.Provider, func() error, error) {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, nil, err
	}
	db := stdlib.OpenDBFromPool(s.pool)
	p, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return p, db.Close, nil
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	p, closeDB, err := s.provider()
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer closeDB()
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Reset rolls back every migration and re-applies the schema.
func (s *Store) Reset(ctx context.Context) error {
	p, closeDB, err := s.provider()
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer closeDB()
	if _, err := p.DownTo(ctx, 0); err != nil {
		return fmt.Errorf("roll back migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const deploymentColumns = `id, org, name, stage, sha, is_deploying, was_success,
	artifact_bucket, artifact_folder, trigger_json, caused_by, approval_status,
	approved_by, failure_cause, attempts, created_at, updated_at`

type deploymentRow struct {
	ID             int64     `db:"id"`
	Org            string    `db:"org"`
	Name           string    `db:"name"`
	Stage          string    `db:"stage"`
	Sha            string    `db:"sha"`
	IsDeploying    bool      `db:"is_deploying"`
	WasSuccess     *bool     `db:"was_success"`
	ArtifactBucket string    `db:"artifact_bucket"`
	ArtifactFolder string    `db:"artifact_folder"`
	TriggerJSON    []byte    `db:"trigger_json"`
	CausedBy       *string   `db:"caused_by"`
	ApprovalStatus string    `db:"approval_status"`
	ApprovedBy     string    `db:"approved_by"`
	FailureCause   string    `db:"failure_cause"`
	Attempts       int       `db:"attempts"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r deploymentRow) deployment() (pipeline.Deployment, error) {
	d := pipeline.Deployment{
		Key:            pipeline.DeploymentKey{Org: r.Org, Name: r.Name, Stage: r.Stage, Sha: r.Sha},
		IsDeploying:    r.IsDeploying,
		WasSuccess:     r.WasSuccess,
		ArtifactBucket: r.ArtifactBucket,
		ArtifactFolder: r.ArtifactFolder,
		CausedBy:       r.CausedBy,
		ApprovalStatus: pipeline.ApprovalStatus(r.ApprovalStatus),
		ApprovedBy:     r.ApprovedBy,
		FailureCause:   pipeline.FailureCause(r.FailureCause),
		Attempts:       r.Attempts,
		Seq:            r.ID,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if err := json.Unmarshal(r.TriggerJSON, &d.Trigger); err != nil {
		return pipeline.Deployment{}, fmt.Errorf("decode trigger for %s: %w", d.Key, err)
	}
	return d, nil
}

// GetDeployment returns the record for key, or pipeline.ErrNotFound.
func (s *Store) GetDeployment(ctx context.Context, key pipeline.DeploymentKey) (pipeline.Deployment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE hash_key = $1 AND sha = $2`,
		key.HashKey(), key.Sha,
	)
	if err != nil {
		return pipeline.Deployment{}, fmt.Errorf("get deployment %s: %w", key, err)
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[deploymentRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Deployment{}, fmt.Errorf("deployment %s: %w", key, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.Deployment{}, fmt.Errorf("get deployment %s: %w", key, err)
	}
	return row.deployment()
}

// PutIfAbsentOrStatusMatches writes dep when the stored record satisfies
// expect. The partial unique index on in-flight rows turns a second in-flight
// record of a stage into a failed condition.
func (s *Store) PutIfAbsentOrStatusMatches(ctx context.Context, dep pipeline.Deployment, expect pipeline.Expectation) error {
	trig, err := json.Marshal(dep.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	now := time.Now().UTC()
	key := dep.Key

	if expect.Absent {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO deployments (hash_key, org, name, stage, sha, is_deploying, was_success,
				artifact_bucket, artifact_folder, trigger_json, caused_by, approval_status,
				approved_by, failure_cause, attempts, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)`,
			key.HashKey(), key.Org, key.Name, key.Stage, key.Sha, dep.IsDeploying, dep.WasSuccess,
			dep.ArtifactBucket, dep.ArtifactFolder, string(trig), dep.CausedBy, string(dep.ApprovalStatus),
			dep.ApprovedBy, string(dep.FailureCause), dep.Attempts, now,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("create deployment %s: %w", key, pipeline.ErrConditionFailed)
		}
		if err != nil {
			return fmt.Errorf("create deployment %s: %w", key, err)
		}
		return nil
	}

	args := []any{
		dep.IsDeploying, dep.WasSuccess, dep.ArtifactBucket, dep.ArtifactFolder,
		string(trig), dep.CausedBy, string(dep.ApprovalStatus), dep.ApprovedBy,
		string(dep.FailureCause), dep.Attempts, now,
		key.HashKey(), key.Sha,
	}
	var where strings.Builder
	where.WriteString(`hash_key = $12 AND sha = $13`)
	if expect.IsDeploying != nil {
		args = append(args, *expect.IsDeploying)
		where.WriteString(` AND is_deploying = $` + strconv.Itoa(len(args)))
	}
	if expect.ApprovalStatus != "" {
		args = append(args, string(expect.ApprovalStatus))
		where.WriteString(` AND approval_status = $` + strconv.Itoa(len(args)))
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE deployments SET is_deploying = $1, was_success = $2, artifact_bucket = $3,
			artifact_folder = $4, trigger_json = $5, caused_by = $6, approval_status = $7,
			approved_by = $8, failure_cause = $9, attempts = $10, updated_at = $11
		 WHERE `+where.String(),
		args...,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("update deployment %s: %w", key, pipeline.ErrConditionFailed)
	}
	if err != nil {
		return fmt.Errorf("update deployment %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update deployment %s: %w", key, pipeline.ErrConditionFailed)
	}
	return nil
}

// ListDeployments returns an application's deployments grouped by stage, in
// insertion order within each stage.
func (s *Store) ListDeployments(ctx context.Context, org, name string) ([]pipeline.Deployment, error) {
	return s.selectDeployments(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE org = $1 AND name = $2 ORDER BY stage, id`,
		org, name,
	)
}

// ListInFlight returns every deployment currently marked as deploying.
func (s *Store) ListInFlight(ctx context.Context) ([]pipeline.Deployment, error) {
	return s.selectDeployments(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE is_deploying ORDER BY id`,
	)
}

// ListApproved returns approved deployments that have not started.
func (s *Store) ListApproved(ctx context.Context) ([]pipeline.Deployment, error) {
	return s.selectDeployments(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE approval_status = 'Approved' AND NOT is_deploying AND was_success IS NULL
		 ORDER BY id`,
	)
}

func (s *Store) selectDeployments(ctx context.Context, query string, args ...any) ([]pipeline.Deployment, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	recs, err := pgx.CollectRows(rows, pgx.RowToStructByName[deploymentRow])
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	out := make([]pipeline.Deployment, 0, len(recs))
	for _, r := range recs {
		d, err := r.deployment()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
