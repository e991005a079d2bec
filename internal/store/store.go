package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gridvane/flowdeck/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
//
// Methods that back an at-most-one invariant are transactional: replacing
// a pipeline run, flipping the latest config revision and saving a
// savepoint record all perform their check-then-write atomically, so two
// concurrent callers for the same job cannot both win.
type Store interface {
	Ping(ctx context.Context) error

	// Jobs
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	CreateJob(ctx context.Context, job *models.Job) error
	UpdateJob(ctx context.Context, job *models.Job) error
	UpdateJobRelease(ctx context.Context, job *models.Job) error
	SetJobOption(ctx context.Context, id uuid.UUID, state models.OptionState, optionTime time.Time) error
	ListTrackedJobs(ctx context.Context) ([]*models.Job, error)
	SetJobTracking(ctx context.Context, id uuid.UUID, tracking bool) error
	SoftDeleteJob(ctx context.Context, id uuid.UUID) error

	// Pipeline runs: at most one row per job id at any time.
	ReplacePipelineRun(ctx context.Context, run *models.PipelineRun) error
	SavePipelineRun(ctx context.Context, run *models.PipelineRun) error
	GetPipelineRun(ctx context.Context, jobID uuid.UUID) (*models.PipelineRun, error)
	PipelineStatusMap(ctx context.Context, jobIDs []uuid.UUID) (map[uuid.UUID]models.PipelineStatus, error)
	DeletePipelineRun(ctx context.Context, jobID uuid.UUID) error

	// Configuration revisions and effective pointers.
	CreateConfigRevision(ctx context.Context, rev *models.ConfigRevision) error
	GetConfigRevision(ctx context.Context, id uuid.UUID) (*models.ConfigRevision, error)
	GetLatestConfig(ctx context.Context, jobID uuid.UUID) (*models.ConfigRevision, error)
	GetEffectiveConfig(ctx context.Context, jobID uuid.UUID) (*models.ConfigRevision, error)
	SetLatestConfig(ctx context.Context, jobID, revID uuid.UUID) error
	DeleteConfigRevision(ctx context.Context, id uuid.UUID) error
	ListConfigRevisions(ctx context.Context, jobID uuid.UUID) ([]*models.ConfigRevision, error)
	SaveEffectivePointer(ctx context.Context, jobID uuid.UUID, kind models.EffectiveKind, targetID uuid.UUID) error
	RemoveEffectivePointer(ctx context.Context, jobID uuid.UUID, kind models.EffectiveKind) error

	// Declarative definition revisions.
	CreateSQLRevision(ctx context.Context, rev *models.SQLRevision) error
	GetSQLRevision(ctx context.Context, id uuid.UUID) (*models.SQLRevision, error)
	GetCandidateSQL(ctx context.Context, jobID uuid.UUID) (*models.SQLRevision, error)
	GetEffectiveSQL(ctx context.Context, jobID uuid.UUID) (*models.SQLRevision, error)
	PromoteCandidateSQL(ctx context.Context, jobID uuid.UUID) error

	// Savepoint/checkpoint records.
	SaveSavepoint(ctx context.Context, sp *models.Savepoint) error
	GetLatestSavepoint(ctx context.Context, jobID uuid.UUID) (*models.Savepoint, error)
	ListSavepoints(ctx context.Context, jobID uuid.UUID) ([]*models.Savepoint, error)
	PruneCheckpoints(ctx context.Context, jobID uuid.UUID, keep int) (int64, error)
	DeleteSavepoint(ctx context.Context, id uuid.UUID) error
	DeleteSavepointsByJob(ctx context.Context, jobID uuid.UUID) error

	// Audit log, append-only.
	AppendOperationLog(ctx context.Context, entry *models.OperationLog) error

	// Backups.
	CreateBackup(ctx context.Context, b *models.Backup) error
	GetBackup(ctx context.Context, id uuid.UUID) (*models.Backup, error)
	GetBackupBySQL(ctx context.Context, jobID, sqlID uuid.UUID) (*models.Backup, error)
	LatestBackup(ctx context.Context, jobID uuid.UUID) (*models.Backup, error)
	ListBackups(ctx context.Context, jobID uuid.UUID) ([]*models.Backup, error)
	DeleteBackup(ctx context.Context, id uuid.UUID) error

	// Collaborator records.
	GetCluster(ctx context.Context, id uuid.UUID) (*models.Cluster, error)
	GetRuntimeEnv(ctx context.Context, id uuid.UUID) (*models.RuntimeEnv, error)
	GetDefaultRuntimeEnv(ctx context.Context) (*models.RuntimeEnv, error)
}
