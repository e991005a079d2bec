package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gridvane/flowdeck/internal/api/response"
	"github.com/gridvane/flowdeck/internal/backup"
	"github.com/gridvane/flowdeck/internal/store"
	"github.com/gridvane/flowdeck/pkg/models"
)

// BackupService is the backup/rollback surface the web layer needs.
type BackupService interface {
	List(ctx context.Context, jobID uuid.UUID) ([]*models.Backup, error)
	Rollback(ctx context.Context, jobID, backupID uuid.UUID) error
	Remove(ctx context.Context, backupID uuid.UUID) error
}

func backupIDParam(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "backupID"))
	return id, err == nil
}

// NewListBackupsHandler returns GET /api/v1/jobs/{jobID}/backups.
func NewListBackupsHandler(backups BackupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}
		records, err := backups.List(r.Context(), jobID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list backups", nil)
			return
		}
		response.JSON(w, records)
	}
}

// NewRollbackHandler returns POST /api/v1/jobs/{jobID}/backups/{backupID}/rollback.
func NewRollbackHandler(backups BackupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}
		backupID, ok := backupIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "backupID must be a UUID", nil)
			return
		}

		err := backups.Rollback(r.Context(), jobID, backupID)
		switch {
		case errors.Is(err, store.ErrNotFound), errors.Is(err, backup.ErrNoBackup):
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Backup not found", nil)
		case err != nil:
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to roll back", nil)
		default:
			response.JSON(w, map[string]string{"status": "rolled-back"})
		}
	}
}

// NewDeleteBackupHandler returns DELETE /api/v1/backups/{backupID}.
func NewDeleteBackupHandler(backups BackupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backupID, ok := backupIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "backupID must be a UUID", nil)
			return
		}

		err := backups.Remove(r.Context(), backupID)
		switch {
		case errors.Is(err, store.ErrNotFound), errors.Is(err, backup.ErrNoBackup):
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Backup not found", nil)
		case err != nil:
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete backup", nil)
		default:
			response.NoContent(w)
		}
	}
}
