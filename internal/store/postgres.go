package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/gridvane/flowdeck/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Jobs ---

const jobColumns = `id, name, job_type, deploy_mode, cluster_id, remote_id, namespace, env_id,
	state, release_state, option_state, option_time, tracking,
	artifact, artifact_hash, built_hash, main_class, image,
	dynamic_props, dependency, team_resources, need_rollback, alert_id,
	start_time, end_time, duration_ms, metrics, created_at, updated_at, deleted_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var metricsRaw []byte
	err := row.Scan(&j.ID, &j.Name, &j.Type, &j.DeployMode, &j.ClusterID, &j.RemoteID, &j.Namespace, &j.EnvID,
		&j.State, &j.Release, &j.OptionState, &j.OptionTime, &j.Tracking,
		&j.Artifact, &j.ArtifactHash, &j.BuiltHash, &j.MainClass, &j.Image,
		&j.DynamicProps, &j.Dependency, &j.TeamResources, &j.NeedRollback, &j.AlertID,
		&j.StartTime, &j.EndTime, &j.Duration, &metricsRaw, &j.CreatedAt, &j.UpdatedAt, &j.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if len(metricsRaw) > 0 {
		if err := json.Unmarshal(metricsRaw, &j.Metrics); err != nil {
			return nil, fmt.Errorf("decode job metrics: %w", err)
		}
	}
	return &j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanJob(row)
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	metricsRaw, err := json.Marshal(job.Metrics)
	if err != nil {
		return fmt.Errorf("encode job metrics: %w", err)
	}
	if job.OptionState == "" {
		job.OptionState = models.OptionNone
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, name, job_type, deploy_mode, cluster_id, remote_id, namespace, env_id,
			state, release_state, option_state, option_time, tracking,
			artifact, artifact_hash, built_hash, main_class, image,
			dynamic_props, dependency, team_resources, need_rollback, alert_id,
			start_time, end_time, duration_ms, metrics, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)`,
		job.ID, job.Name, job.Type, job.DeployMode, job.ClusterID, job.RemoteID, job.Namespace, job.EnvID,
		job.State, job.Release, job.OptionState, job.OptionTime, job.Tracking,
		job.Artifact, job.ArtifactHash, job.BuiltHash, job.MainClass, job.Image,
		job.DynamicProps, job.Dependency, job.TeamResources, job.NeedRollback, job.AlertID,
		job.StartTime, job.EndTime, job.Duration, metricsRaw, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// UpdateJob persists the volatile run-state columns of a job: run
// state, tracking, timings and metrics. The option columns are
// excluded; a reconciliation write carrying a stale in-memory copy
// must not clobber an action marked through SetJobOption.
func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.Job) error {
	metricsRaw, err := json.Marshal(job.Metrics)
	if err != nil {
		return fmt.Errorf("encode job metrics: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
			cluster_id = $2, namespace = $3, state = $4, release_state = $5,
			tracking = $6,
			artifact = $7, artifact_hash = $8, built_hash = $9,
			dynamic_props = $10, dependency = $11, team_resources = $12, need_rollback = $13,
			start_time = $14, end_time = $15, duration_ms = $16, metrics = $17, updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`,
		job.ID, job.ClusterID, job.Namespace, job.State, job.Release,
		job.Tracking,
		job.Artifact, job.ArtifactHash, job.BuiltHash,
		job.DynamicProps, job.Dependency, job.TeamResources, job.NeedRollback,
		job.StartTime, job.EndTime, job.Duration, metricsRaw)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetJobOption writes the administrative-action marker and its
// timestamp. The coordinator and the watcher are the only callers;
// UpdateJob never touches these columns.
func (s *PostgresStore) SetJobOption(ctx context.Context, id uuid.UUID, state models.OptionState, optionTime time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET option_state = $2, option_time = $3, updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id, state, optionTime)
	if err != nil {
		return fmt.Errorf("set job option: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateJobRelease persists only the release-lifecycle columns. The
// pipeline listener uses this so it cannot clobber watcher-owned state.
func (s *PostgresStore) UpdateJobRelease(ctx context.Context, job *models.Job) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET release_state = $2, option_state = $3, built_hash = $4,
			need_rollback = $5, updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`,
		job.ID, job.Release, job.OptionState, job.BuiltHash, job.NeedRollback)
	if err != nil {
		return fmt.Errorf("update job release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListTrackedJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE tracking = TRUE AND state <> $1 AND deleted_at IS NULL`, models.RunStateLost)
	if err != nil {
		return nil, fmt.Errorf("list tracked jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) SetJobTracking(ctx context.Context, id uuid.UUID, tracking bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET tracking = $2, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`,
		id, tracking)
	if err != nil {
		return fmt.Errorf("set job tracking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteJob marks the job deleted. History rows (pipeline, config,
// savepoints, backups) stay foreign-keyed to it and become unreachable
// together with it.
func (s *PostgresStore) SoftDeleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET deleted_at = NOW(), tracking = FALSE, updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Pipeline runs ---

const runColumns = `job_id, pipe_type, status, steps, cur_step, pass, error, started_at, ended_at, updated_at`

func scanRun(row pgx.Row) (*models.PipelineRun, error) {
	var r models.PipelineRun
	var stepsRaw []byte
	err := row.Scan(&r.JobID, &r.Type, &r.Status, &stepsRaw, &r.CurStep, &r.Pass, &r.Error,
		&r.StartedAt, &r.EndedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pipeline run: %w", err)
	}
	if len(stepsRaw) > 0 {
		if err := json.Unmarshal(stepsRaw, &r.Steps); err != nil {
			return nil, fmt.Errorf("decode pipeline steps: %w", err)
		}
	}
	return &r, nil
}

// ReplacePipelineRun atomically removes any prior run for the job and
// inserts the new one. job_id is the primary key, so the upsert is the
// conditional write that enforces the one-run-per-job invariant.
func (s *PostgresStore) ReplacePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	stepsRaw, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("encode pipeline steps: %w", err)
	}
	run.UpdatedAt = time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (job_id, pipe_type, status, steps, cur_step, pass, error, started_at, ended_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (job_id) DO UPDATE SET
			pipe_type = EXCLUDED.pipe_type, status = EXCLUDED.status, steps = EXCLUDED.steps,
			cur_step = EXCLUDED.cur_step, pass = EXCLUDED.pass, error = EXCLUDED.error,
			started_at = EXCLUDED.started_at, ended_at = EXCLUDED.ended_at, updated_at = EXCLUDED.updated_at`,
		run.JobID, run.Type, run.Status, stepsRaw, run.CurStep, run.Pass, run.Error,
		run.StartedAt, run.EndedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("replace pipeline run: %w", err)
	}
	return nil
}

// SavePipelineRun updates the existing run row for step-state changes.
// Same write path as ReplacePipelineRun; kept separate for intent.
func (s *PostgresStore) SavePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	return s.ReplacePipelineRun(ctx, run)
}

func (s *PostgresStore) GetPipelineRun(ctx context.Context, jobID uuid.UUID) (*models.PipelineRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE job_id = $1`, jobID)
	return scanRun(row)
}

func (s *PostgresStore) PipelineStatusMap(ctx context.Context, jobIDs []uuid.UUID) (map[uuid.UUID]models.PipelineStatus, error) {
	result := make(map[uuid.UUID]models.PipelineStatus, len(jobIDs))
	if len(jobIDs) == 0 {
		return result, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, status FROM pipeline_runs WHERE job_id = ANY($1)`, jobIDs)
	if err != nil {
		return nil, fmt.Errorf("pipeline status map: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var status models.PipelineStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("scan pipeline status: %w", err)
		}
		result[id] = status
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeletePipelineRun(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pipeline_runs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete pipeline run: %w", err)
	}
	return nil
}
