package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/gridvane/flowdeck/internal/alert"
	"github.com/gridvane/flowdeck/internal/artifact"
	"github.com/gridvane/flowdeck/internal/backup"
	"github.com/gridvane/flowdeck/internal/configsvc"
	"github.com/gridvane/flowdeck/internal/sqlsvc"
	"github.com/gridvane/flowdeck/internal/store"
	"github.com/gridvane/flowdeck/pkg/models"
)

// persistListener is the persistence adapter. It snapshots the run on
// every event, drives the job's release state, and on success promotes
// the pending revisions and takes a backup.
type persistListener struct {
	store     store.Store
	stager    artifact.Stager
	configs   *configsvc.Service
	sqls      *sqlsvc.Service
	backups   *backup.Service
	announcer Announcer
	logger    *slog.Logger
}

// NewPersistListener builds the persistence adapter.
func NewPersistListener(st store.Store, stager artifact.Stager, configs *configsvc.Service, sqls *sqlsvc.Service, backups *backup.Service, announcer Announcer, logger *slog.Logger) Listener {
	if announcer == nil {
		announcer = NopAnnouncer{}
	}
	return &persistListener{
		store:     st,
		stager:    stager,
		configs:   configs,
		sqls:      sqls,
		backups:   backups,
		announcer: announcer,
		logger:    logger,
	}
}

func (l *persistListener) OnStart(ctx context.Context, job *models.Job, run *models.PipelineRun) error {
	if err := l.store.SavePipelineRun(ctx, run); err != nil {
		return fmt.Errorf("persisting pipeline run: %w", err)
	}

	job.Release = models.ReleaseReleasing
	job.OptionState = models.OptionStarting
	if err := l.store.UpdateJobRelease(ctx, job); err != nil {
		return fmt.Errorf("marking job releasing: %w", err)
	}
	l.announcer.Announce(job)
	l.announcer.MarkOption(job.ID, models.OptionStarting)

	// The environment was checked at launch; re-check here because the
	// binding may have changed while the run sat in the queue.
	env, err := l.store.GetRuntimeEnv(ctx, job.EnvID)
	if err != nil {
		return fmt.Errorf("loading runtime env: %w", err)
	}
	if !env.VersionSupported() {
		return fmt.Errorf("%w: version %q", ErrEnvUnsupported, env.Version)
	}

	if job.Artifact != "" {
		ok, err := l.stager.Exists(job.Artifact)
		if err != nil {
			return fmt.Errorf("checking artifact: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: artifact %s", ErrMissingDependency, job.Artifact)
		}
		dst := jobDir(job, filepath.Join("upload", filepath.Base(job.Artifact)))
		written, err := l.stager.Upload(job.Artifact, dst)
		if err != nil {
			return fmt.Errorf("staging artifact: %w", err)
		}
		if !written {
			l.logger.Debug("artifact already staged", "job_id", job.ID, "path", dst)
		}
	}
	return nil
}

func (l *persistListener) OnStepChange(ctx context.Context, job *models.Job, run *models.PipelineRun) {
	if err := l.store.SavePipelineRun(ctx, run); err != nil {
		l.logger.Error("persisting pipeline step change", "job_id", job.ID, "error", err)
	}
}

func (l *persistListener) OnFinish(ctx context.Context, job *models.Job, run *models.PipelineRun) {
	if err := l.store.SavePipelineRun(ctx, run); err != nil {
		l.logger.Error("persisting pipeline result", "job_id", job.ID, "error", err)
	}

	if run.Pass {
		l.onSuccess(ctx, job)
	} else {
		job.Release = models.ReleaseFailed
	}
	job.OptionState = models.OptionNone

	if err := l.store.UpdateJobRelease(ctx, job); err != nil {
		l.logger.Error("updating job release state", "job_id", job.ID, "error", err)
	}

	pass := run.Pass
	entry := &models.OperationLog{
		ID:        uuid.New(),
		JobID:     job.ID,
		Operation: models.OpRelease,
		Success:   &pass,
		Detail:    run.Error,
		Actor:     "pipeline",
		CreatedAt: time.Now(),
	}
	if err := l.store.AppendOperationLog(ctx, entry); err != nil {
		l.logger.Error("recording release audit entry", "job_id", job.ID, "error", err)
	}

	l.announcer.ClearOption(job.ID)
	l.announcer.Announce(job)
}

// onSuccess promotes the revisions the build was produced from, records
// the built hash, and snapshots the job home unless this build restored
// a backup in the first place.
func (l *persistListener) onSuccess(ctx context.Context, job *models.Job) {
	wasRollback := job.NeedRollback

	job.Release = models.ReleaseDone
	if job.IsRunning() {
		job.Release = models.ReleaseNeedRestart
	}
	job.BuiltHash = job.ArtifactHash
	job.NeedRollback = false

	var configID, sqlID *uuid.UUID
	version := 0

	if job.Type.IsDeclarative() {
		if err := l.sqls.Promote(ctx, job.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			l.logger.Error("promoting candidate definition", "job_id", job.ID, "error", err)
		}
		if rev, err := l.sqls.Effective(ctx, job.ID); err == nil {
			sqlID, version = &rev.ID, rev.Version
		}
	} else if rev, err := l.configs.GetLatest(ctx, job.ID); err == nil {
		if err := l.configs.ToEffective(ctx, job.ID, rev.ID); err != nil {
			l.logger.Error("promoting latest config", "job_id", job.ID, "error", err)
		}
	}
	if rev, err := l.configs.GetEffective(ctx, job.ID); err == nil {
		configID = &rev.ID
		if version == 0 {
			version = rev.Version
		}
	}

	if wasRollback {
		return
	}
	desc := fmt.Sprintf("release at %s", time.Now().Format(time.RFC3339))
	if _, err := l.backups.Take(ctx, job, configID, sqlID, version, desc); err != nil {
		l.logger.Error("taking release backup", "job_id", job.ID, "error", err)
	}
}

// alertListener notifies the configured sink on failed runs. It never
// vetoes a start.
type alertListener struct {
	sink   alert.Sink
	logger *slog.Logger
}

// NewAlertListener builds the alerting adapter.
func NewAlertListener(sink alert.Sink, logger *slog.Logger) Listener {
	if sink == nil {
		sink = alert.NopSink{}
	}
	return &alertListener{sink: sink, logger: logger}
}

func (l *alertListener) OnStart(context.Context, *models.Job, *models.PipelineRun) error {
	return nil
}

func (l *alertListener) OnStepChange(context.Context, *models.Job, *models.PipelineRun) {}

func (l *alertListener) OnFinish(ctx context.Context, job *models.Job, run *models.PipelineRun) {
	if run.Pass {
		return
	}
	ev := alert.Event{
		JobID:   job.ID,
		JobName: job.Name,
		State:   "RELEASE_FAILED",
		Reason:  run.Error,
		At:      time.Now(),
	}
	if err := l.sink.Notify(ctx, ev); err != nil {
		l.logger.Error("delivering release alert", "job_id", job.ID, "error", err)
	}
}
