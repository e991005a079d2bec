package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gridvane/flowdeck/internal/api/response"
	"github.com/gridvane/flowdeck/internal/savepoint"
	"github.com/gridvane/flowdeck/internal/store"
	"github.com/gridvane/flowdeck/pkg/models"
)

// SnapshotCoordinator triggers savepoints and stops against the cluster
// manager.
type SnapshotCoordinator interface {
	Trigger(ctx context.Context, jobID uuid.UUID, explicitPath string, nativeFormat bool, actor string) error
	Stop(ctx context.Context, jobID uuid.UUID, withSnapshot, drain bool, actor string) error
}

// SavepointLister reads a job's persisted savepoint records.
type SavepointLister interface {
	ListSavepoints(ctx context.Context, jobID uuid.UUID) ([]*models.Savepoint, error)
}

// CheckpointRecorder persists a reported checkpoint and applies the
// job's retention threshold.
type CheckpointRecorder interface {
	RecordCheckpoint(ctx context.Context, job *models.Job, path string, triggerTime time.Time) error
}

// NewTriggerSavepointHandler returns POST /api/v1/jobs/{jobID}/savepoints.
// The trigger itself runs off the request path; 202 means dispatched.
func NewTriggerSavepointHandler(coord SnapshotCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}
		var req struct {
			Path         string `json:"path"`
			NativeFormat bool   `json:"nativeFormat"`
			Actor        string `json:"actor"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
		}

		err := coord.Trigger(r.Context(), jobID, req.Path, req.NativeFormat, req.Actor)
		switch {
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		case errors.Is(err, savepoint.ErrOptionInFlight):
			response.Error(w, http.StatusConflict, "OPTION_IN_FLIGHT", "Another administrative action is in flight for this job", nil)
		case errors.Is(err, savepoint.ErrNotRunning):
			response.Error(w, http.StatusConflict, "NOT_RUNNING", "The job is not running", nil)
		case errors.Is(err, savepoint.ErrNoDirectory):
			response.Error(w, http.StatusUnprocessableEntity, "NO_SAVEPOINT_DIR", "No savepoint directory is configured for this job", nil)
		case err != nil:
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to trigger savepoint", nil)
		default:
			response.Accepted(w, map[string]string{"status": "dispatched"})
		}
	}
}

// NewStopJobHandler returns POST /api/v1/jobs/{jobID}/stop.
func NewStopJobHandler(coord SnapshotCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}
		var req struct {
			WithSnapshot bool   `json:"withSnapshot"`
			Drain        bool   `json:"drain"`
			Actor        string `json:"actor"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
		}

		err := coord.Stop(r.Context(), jobID, req.WithSnapshot, req.Drain, req.Actor)
		switch {
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		case errors.Is(err, savepoint.ErrOptionInFlight):
			response.Error(w, http.StatusConflict, "OPTION_IN_FLIGHT", "Another administrative action is in flight for this job", nil)
		case errors.Is(err, savepoint.ErrNotRunning):
			response.Error(w, http.StatusConflict, "NOT_RUNNING", "The job is not running", nil)
		case err != nil:
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to stop job", nil)
		default:
			response.Accepted(w, map[string]string{"status": "dispatched"})
		}
	}
}

// NewReportCheckpointHandler returns POST /api/v1/jobs/{jobID}/checkpoints.
// The cluster-side reporter calls this for every completed checkpoint;
// retention pruning runs inline with the write.
func NewReportCheckpointHandler(jobs JobReader, recorder CheckpointRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}
		var req struct {
			Path        string     `json:"path"`
			TriggerTime *time.Time `json:"triggerTime,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Path == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "path is required", nil)
			return
		}

		job, err := jobs.GetJob(r.Context(), jobID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
			return
		}

		when := time.Now().UTC()
		if req.TriggerTime != nil {
			when = *req.TriggerTime
		}
		if err := recorder.RecordCheckpoint(r.Context(), job, req.Path, when); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to record checkpoint", nil)
			return
		}
		response.Created(w, map[string]string{"status": "recorded"})
	}
}

// NewListSavepointsHandler returns GET /api/v1/jobs/{jobID}/savepoints.
func NewListSavepointsHandler(savepoints SavepointLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}
		records, err := savepoints.ListSavepoints(r.Context(), jobID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list savepoints", nil)
			return
		}
		response.JSON(w, records)
	}
}
