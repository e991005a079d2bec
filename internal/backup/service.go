// Package backup snapshots a job's artifact/config directory after a
// successful build and restores it on rollback.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/gridvane/flowdeck/internal/artifact"
	"github.com/gridvane/flowdeck/internal/store"
	"github.com/gridvane/flowdeck/pkg/models"
)

var ErrNoBackup = errors.New("no backup available")

// Service owns the backup lifecycle. Backups live under the stager's
// backup root, one directory per backup id.
type Service struct {
	store  store.Store
	stager artifact.Stager
	logger *slog.Logger
}

func NewService(st store.Store, stager artifact.Stager, logger *slog.Logger) *Service {
	return &Service{store: st, stager: stager, logger: logger}
}

func backupPath(id uuid.UUID) string {
	return filepath.Join("backups", id.String())
}

func jobHome(jobID uuid.UUID) string {
	return filepath.Join("jobs", jobID.String())
}

// Take copies the job's home directory and records the backup keyed to
// the configuration and definition revisions just promoted.
func (s *Service) Take(ctx context.Context, job *models.Job, configID, sqlID *uuid.UUID, version int, description string) (*models.Backup, error) {
	b := &models.Backup{
		ID:          uuid.New(),
		JobID:       job.ID,
		ConfigID:    configID,
		SQLID:       sqlID,
		Version:     version,
		Description: description,
	}
	b.Path = backupPath(b.ID)

	home := jobHome(job.ID)
	exists, err := s.stager.Exists(home)
	if err != nil {
		return nil, fmt.Errorf("checking job home: %w", err)
	}
	if exists {
		if err := s.stager.CopyDir(home, b.Path); err != nil {
			return nil, fmt.Errorf("copying job home: %w", err)
		}
	} else if err := s.stager.Mkdirs(b.Path); err != nil {
		return nil, fmt.Errorf("creating backup dir: %w", err)
	}

	if err := s.store.CreateBackup(ctx, b); err != nil {
		// keep the filesystem consistent with the record
		_ = s.stager.Delete(b.Path)
		return nil, fmt.Errorf("recording backup: %w", err)
	}

	s.logger.Info("backup taken", "job_id", job.ID, "backup_id", b.ID, "version", version)
	return b, nil
}

// Rollback restores the backed-up directory over the job's home and
// repoints the effective configuration/definition at the revisions the
// backup was taken under. The job is flagged for rollback so the next
// build restores its dependency set before anything else.
func (s *Service) Rollback(ctx context.Context, jobID, backupID uuid.UUID) error {
	b, err := s.store.GetBackup(ctx, backupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoBackup
		}
		return err
	}
	if b.JobID != jobID {
		return fmt.Errorf("backup %s does not belong to job %s", backupID, jobID)
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	home := jobHome(jobID)
	if err := s.stager.Delete(home); err != nil {
		return fmt.Errorf("clearing job home: %w", err)
	}
	if err := s.stager.CopyDir(b.Path, home); err != nil {
		return fmt.Errorf("restoring backup: %w", err)
	}

	if b.ConfigID != nil {
		if err := s.store.SaveEffectivePointer(ctx, jobID, models.EffectiveConfig, *b.ConfigID); err != nil {
			return fmt.Errorf("repointing effective config: %w", err)
		}
	}
	if b.SQLID != nil {
		if err := s.store.SaveEffectivePointer(ctx, jobID, models.EffectiveSQL, *b.SQLID); err != nil {
			return fmt.Errorf("repointing effective definition: %w", err)
		}
	}

	job.NeedRollback = true
	job.Release = models.ReleaseNeedRollback
	if err := s.store.UpdateJobRelease(ctx, job); err != nil {
		return fmt.Errorf("flagging job for rollback: %w", err)
	}

	entry := &models.OperationLog{
		ID:        uuid.New(),
		JobID:     jobID,
		Operation: models.OpRelease,
		Detail:    fmt.Sprintf("rolled back to backup %s (version %d)", b.ID, b.Version),
	}
	success := true
	entry.Success = &success
	if err := s.store.AppendOperationLog(ctx, entry); err != nil {
		s.logger.Error("appending rollback audit entry failed", "job_id", jobID, "error", err)
	}

	s.logger.Info("job rolled back", "job_id", jobID, "backup_id", b.ID)
	return nil
}

// Remove deletes a backup record and its files.
func (s *Service) Remove(ctx context.Context, backupID uuid.UUID) error {
	b, err := s.store.GetBackup(ctx, backupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoBackup
		}
		return err
	}
	if err := s.stager.Delete(b.Path); err != nil {
		return fmt.Errorf("deleting backup files: %w", err)
	}
	return s.store.DeleteBackup(ctx, backupID)
}

// List returns a job's backups, newest first.
func (s *Service) List(ctx context.Context, jobID uuid.UUID) ([]*models.Backup, error) {
	return s.store.ListBackups(ctx, jobID)
}
