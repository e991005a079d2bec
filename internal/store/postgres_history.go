package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/gridvane/flowdeck/pkg/models"
)

// --- Configuration revisions ---

const revColumns = `id, job_id, version, content, format, latest, created_at`

func scanRevision(row pgx.Row) (*models.ConfigRevision, error) {
	var r models.ConfigRevision
	err := row.Scan(&r.ID, &r.JobID, &r.Version, &r.Content, &r.Format, &r.Latest, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan config revision: %w", err)
	}
	return &r, nil
}

// CreateConfigRevision inserts a new revision, assigning the next
// sequential version for the job inside the same transaction so two
// concurrent creates cannot claim the same version.
func (s *PostgresStore) CreateConfigRevision(ctx context.Context, rev *models.ConfigRevision) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create config revision: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM config_revisions WHERE job_id = $1`,
		rev.JobID).Scan(&rev.Version); err != nil {
		return fmt.Errorf("next config version: %w", err)
	}

	rev.CreatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO config_revisions (id, job_id, version, content, format, latest, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rev.ID, rev.JobID, rev.Version, rev.Content, rev.Format, rev.Latest, rev.CreatedAt); err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create config revision: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetConfigRevision(ctx context.Context, id uuid.UUID) (*models.ConfigRevision, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+revColumns+` FROM config_revisions WHERE id = $1`, id)
	return scanRevision(row)
}

func (s *PostgresStore) GetLatestConfig(ctx context.Context, jobID uuid.UUID) (*models.ConfigRevision, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+revColumns+` FROM config_revisions WHERE job_id = $1 AND latest`, jobID)
	return scanRevision(row)
}

// GetEffectiveConfig resolves the revision referenced by the job's
// effective pointer.
func (s *PostgresStore) GetEffectiveConfig(ctx context.Context, jobID uuid.UUID) (*models.ConfigRevision, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+revColumns+` FROM config_revisions r
		 JOIN effective_pointers p ON p.target_id = r.id
		 WHERE p.job_id = $1 AND p.kind = $2`, jobID, models.EffectiveConfig)
	return scanRevision(row)
}

// SetLatestConfig flips every revision of the job to latest = false and
// marks exactly one as latest, in a single transaction. Combined with
// the partial unique index on (job_id) WHERE latest, concurrent callers
// serialize instead of producing two latest rows.
func (s *PostgresStore) SetLatestConfig(ctx context.Context, jobID, revID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin set latest config: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE config_revisions SET latest = FALSE WHERE job_id = $1 AND latest`, jobID); err != nil {
		return fmt.Errorf("clear latest config: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE config_revisions SET latest = TRUE WHERE id = $1 AND job_id = $2`, revID, jobID)
	if err != nil {
		return fmt.Errorf("set latest config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteConfigRevision(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM config_revisions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete config revision: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListConfigRevisions(ctx context.Context, jobID uuid.UUID) ([]*models.ConfigRevision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+revColumns+` FROM config_revisions WHERE job_id = $1 ORDER BY version DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list config revisions: %w", err)
	}
	defer rows.Close()

	var revs []*models.ConfigRevision
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		revs = append(revs, r)
	}
	return revs, rows.Err()
}

func (s *PostgresStore) SaveEffectivePointer(ctx context.Context, jobID uuid.UUID, kind models.EffectiveKind, targetID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO effective_pointers (job_id, kind, target_id, updated_at)
		 VALUES ($1,$2,$3,NOW())
		 ON CONFLICT (job_id, kind) DO UPDATE SET target_id = EXCLUDED.target_id, updated_at = NOW()`,
		jobID, kind, targetID)
	if err != nil {
		return fmt.Errorf("save effective pointer: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveEffectivePointer(ctx context.Context, jobID uuid.UUID, kind models.EffectiveKind) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM effective_pointers WHERE job_id = $1 AND kind = $2`, jobID, kind)
	if err != nil {
		return fmt.Errorf("remove effective pointer: %w", err)
	}
	return nil
}

// --- Declarative definition revisions ---

const sqlColumns = `id, job_id, version, content, dependency, team_resources, candidate, created_at`

func scanSQL(row pgx.Row) (*models.SQLRevision, error) {
	var r models.SQLRevision
	err := row.Scan(&r.ID, &r.JobID, &r.Version, &r.Content, &r.Dependency, &r.TeamResources, &r.Candidate, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sql revision: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) CreateSQLRevision(ctx context.Context, rev *models.SQLRevision) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create sql revision: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM sql_revisions WHERE job_id = $1`,
		rev.JobID).Scan(&rev.Version); err != nil {
		return fmt.Errorf("next sql version: %w", err)
	}

	// a new candidate supersedes any pending one
	if rev.Candidate == models.CandidateNew {
		if _, err := tx.Exec(ctx,
			`UPDATE sql_revisions SET candidate = $2 WHERE job_id = $1 AND candidate = $3`,
			rev.JobID, models.CandidateNone, models.CandidateNew); err != nil {
			return fmt.Errorf("clear pending candidate: %w", err)
		}
	}

	rev.CreatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO sql_revisions (id, job_id, version, content, dependency, team_resources, candidate, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rev.ID, rev.JobID, rev.Version, rev.Content, rev.Dependency, rev.TeamResources, rev.Candidate, rev.CreatedAt); err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create sql revision: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetSQLRevision(ctx context.Context, id uuid.UUID) (*models.SQLRevision, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sqlColumns+` FROM sql_revisions WHERE id = $1`, id)
	return scanSQL(row)
}

func (s *PostgresStore) GetCandidateSQL(ctx context.Context, jobID uuid.UUID) (*models.SQLRevision, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sqlColumns+` FROM sql_revisions WHERE job_id = $1 AND candidate = $2`,
		jobID, models.CandidateNew)
	return scanSQL(row)
}

func (s *PostgresStore) GetEffectiveSQL(ctx context.Context, jobID uuid.UUID) (*models.SQLRevision, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sqlColumns+` FROM sql_revisions r
		 JOIN effective_pointers p ON p.target_id = r.id
		 WHERE p.job_id = $1 AND p.kind = $2`, jobID, models.EffectiveSQL)
	return scanSQL(row)
}

// PromoteCandidateSQL re-points the effective SQL pointer to the pending
// candidate and clears the candidate mark, atomically.
func (s *PostgresStore) PromoteCandidateSQL(ctx context.Context, jobID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin promote candidate: %w", err)
	}
	defer tx.Rollback(ctx)

	var candidateID uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM sql_revisions WHERE job_id = $1 AND candidate = $2`,
		jobID, models.CandidateNew).Scan(&candidateID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("find candidate: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sql_revisions SET candidate = $2 WHERE id = $1`, candidateID, models.CandidateNone); err != nil {
		return fmt.Errorf("clear candidate mark: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO effective_pointers (job_id, kind, target_id, updated_at)
		 VALUES ($1,$2,$3,NOW())
		 ON CONFLICT (job_id, kind) DO UPDATE SET target_id = EXCLUDED.target_id, updated_at = NOW()`,
		jobID, models.EffectiveSQL, candidateID); err != nil {
		return fmt.Errorf("point effective sql: %w", err)
	}
	return tx.Commit(ctx)
}

// --- Savepoints ---

const spColumns = `id, job_id, sp_type, path, latest, trigger_time, created_at`

func scanSavepoint(row pgx.Row) (*models.Savepoint, error) {
	var sp models.Savepoint
	err := row.Scan(&sp.ID, &sp.JobID, &sp.Type, &sp.Path, &sp.Latest, &sp.TriggerTime, &sp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan savepoint: %w", err)
	}
	return &sp, nil
}

// SaveSavepoint clears the previous latest record for the job and
// inserts the new one as latest, in one transaction.
func (s *PostgresStore) SaveSavepoint(ctx context.Context, sp *models.Savepoint) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save savepoint: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE savepoints SET latest = FALSE WHERE job_id = $1 AND latest`, sp.JobID); err != nil {
		return fmt.Errorf("expire previous latest: %w", err)
	}

	sp.Latest = true
	sp.CreatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO savepoints (id, job_id, sp_type, path, latest, trigger_time, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		sp.ID, sp.JobID, sp.Type, sp.Path, sp.Latest, sp.TriggerTime, sp.CreatedAt); err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("save savepoint: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetLatestSavepoint(ctx context.Context, jobID uuid.UUID) (*models.Savepoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+spColumns+` FROM savepoints WHERE job_id = $1 AND latest`, jobID)
	return scanSavepoint(row)
}

func (s *PostgresStore) ListSavepoints(ctx context.Context, jobID uuid.UUID) ([]*models.Savepoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+spColumns+` FROM savepoints WHERE job_id = $1 ORDER BY trigger_time DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list savepoints: %w", err)
	}
	defer rows.Close()

	var sps []*models.Savepoint
	for rows.Next() {
		sp, err := scanSavepoint(rows)
		if err != nil {
			return nil, err
		}
		sps = append(sps, sp)
	}
	return sps, rows.Err()
}

// PruneCheckpoints deletes checkpoint-type records beyond the keep
// newest (by trigger time). keep == 0 removes every checkpoint record.
// Manual savepoints are never touched.
func (s *PostgresStore) PruneCheckpoints(ctx context.Context, jobID uuid.UUID, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("prune checkpoints: negative keep %d", keep)
	}
	if keep == 0 {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM savepoints WHERE job_id = $1 AND sp_type = $2`,
			jobID, models.TypeCheckpoint)
		if err != nil {
			return 0, fmt.Errorf("prune all checkpoints: %w", err)
		}
		return tag.RowsAffected(), nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM savepoints
		 WHERE job_id = $1 AND sp_type = $2 AND id NOT IN (
			SELECT id FROM savepoints
			WHERE job_id = $1 AND sp_type = $2
			ORDER BY trigger_time DESC
			LIMIT $3)`,
		jobID, models.TypeCheckpoint, keep)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteSavepoint(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM savepoints WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete savepoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteSavepointsByJob(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM savepoints WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete savepoints by job: %w", err)
	}
	return nil
}

// --- Operation logs ---

func (s *PostgresStore) AppendOperationLog(ctx context.Context, entry *models.OperationLog) error {
	entry.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO operation_logs (id, job_id, operation, success, detail, actor, tracking_url, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		entry.ID, entry.JobID, entry.Operation, entry.Success, entry.Detail, entry.Actor,
		entry.TrackingURL, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append operation log: %w", err)
	}
	return nil
}

// --- Backups ---

const backupColumns = `id, job_id, config_id, sql_id, version, path, description, created_at`

func scanBackup(row pgx.Row) (*models.Backup, error) {
	var b models.Backup
	err := row.Scan(&b.ID, &b.JobID, &b.ConfigID, &b.SQLID, &b.Version, &b.Path, &b.Description, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan backup: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) CreateBackup(ctx context.Context, b *models.Backup) error {
	b.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO backups (id, job_id, config_id, sql_id, version, path, description, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		b.ID, b.JobID, b.ConfigID, b.SQLID, b.Version, b.Path, b.Description, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBackup(ctx context.Context, id uuid.UUID) (*models.Backup, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+backupColumns+` FROM backups WHERE id = $1`, id)
	return scanBackup(row)
}

func (s *PostgresStore) GetBackupBySQL(ctx context.Context, jobID, sqlID uuid.UUID) (*models.Backup, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+backupColumns+` FROM backups WHERE job_id = $1 AND sql_id = $2`, jobID, sqlID)
	return scanBackup(row)
}

func (s *PostgresStore) LatestBackup(ctx context.Context, jobID uuid.UUID) (*models.Backup, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+backupColumns+` FROM backups WHERE job_id = $1 ORDER BY created_at DESC LIMIT 1`, jobID)
	return scanBackup(row)
}

func (s *PostgresStore) ListBackups(ctx context.Context, jobID uuid.UUID) ([]*models.Backup, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+backupColumns+` FROM backups WHERE job_id = $1 ORDER BY created_at DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var backups []*models.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

func (s *PostgresStore) DeleteBackup(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM backups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete backup: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Clusters and runtime environments ---

func (s *PostgresStore) GetCluster(ctx context.Context, id uuid.UUID) (*models.Cluster, error) {
	var c models.Cluster
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, address, cluster_id, created_at FROM clusters WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Address, &c.ClusterID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster: %w", err)
	}
	return &c, nil
}

func scanEnv(row pgx.Row) (*models.RuntimeEnv, error) {
	var e models.RuntimeEnv
	var confRaw []byte
	err := row.Scan(&e.ID, &e.Name, &e.Home, &e.Version, &e.Default, &confRaw, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan runtime env: %w", err)
	}
	if len(confRaw) > 0 {
		if err := json.Unmarshal(confRaw, &e.Conf); err != nil {
			return nil, fmt.Errorf("decode runtime env conf: %w", err)
		}
	}
	return &e, nil
}

func (s *PostgresStore) GetRuntimeEnv(ctx context.Context, id uuid.UUID) (*models.RuntimeEnv, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, home, version, is_default, conf, created_at FROM runtime_envs WHERE id = $1`, id)
	return scanEnv(row)
}

func (s *PostgresStore) GetDefaultRuntimeEnv(ctx context.Context) (*models.RuntimeEnv, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, home, version, is_default, conf, created_at FROM runtime_envs WHERE is_default LIMIT 1`)
	return scanEnv(row)
}
