package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gridvane/flowdeck/internal/api/response"
	"github.com/gridvane/flowdeck/internal/deploy"
	"github.com/gridvane/flowdeck/internal/store"
	"github.com/gridvane/flowdeck/pkg/models"
)

// RunReader reads pipeline run state for the web layer.
type RunReader interface {
	GetPipelineRun(ctx context.Context, jobID uuid.UUID) (*models.PipelineRun, error)
	PipelineStatusMap(ctx context.Context, jobIDs []uuid.UUID) (map[uuid.UUID]models.PipelineStatus, error)
}

// Launcher starts a build-and-deploy pipeline.
type Launcher interface {
	Launch(ctx context.Context, jobID uuid.UUID, forceBuild bool, actor string) (bool, error)
}

// ProgressReader reads cached docker progress snapshots.
type ProgressReader interface {
	GetDockerProgress(ctx context.Context, jobID uuid.UUID, phase models.DockerPhase) (*models.DockerProgress, bool, error)
}

func jobIDParam(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	return id, err == nil
}

// NewCurrentPipelineHandler returns GET /api/v1/jobs/{jobID}/pipeline.
func NewCurrentPipelineHandler(runs RunReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}
		run, err := runs.GetPipelineRun(r.Context(), jobID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "No pipeline run for this job", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load pipeline run", nil)
			return
		}
		response.JSON(w, run)
	}
}

// NewPipelineStatusMapHandler returns POST /api/v1/pipelines/status. The
// body carries a batch of job ids; the response maps each id that has a
// run to its overall status.
func NewPipelineStatusMapHandler(runs RunReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JobIDs []uuid.UUID `json:"jobIds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if len(req.JobIDs) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobIds is required", nil)
			return
		}
		statuses, err := runs.PipelineStatusMap(r.Context(), req.JobIDs)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load pipeline statuses", nil)
			return
		}
		out := make(map[string]models.PipelineStatus, len(statuses))
		for id, st := range statuses {
			out[id.String()] = st
		}
		response.JSON(w, out)
	}
}

// NewLaunchHandler returns POST /api/v1/jobs/{jobID}/build.
func NewLaunchHandler(engine Launcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}
		var req struct {
			ForceBuild bool   `json:"forceBuild"`
			Actor      string `json:"actor"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
		}

		started, err := engine.Launch(r.Context(), jobID, req.ForceBuild, req.Actor)
		switch {
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		case errors.Is(err, deploy.ErrBuildConflict):
			response.Error(w, http.StatusConflict, "BUILD_CONFLICT", "A pipeline is already running for this job", nil)
		case errors.Is(err, deploy.ErrEnvUnsupported):
			response.Error(w, http.StatusUnprocessableEntity, "ENV_UNSUPPORTED", "The bound runtime environment version is not supported", nil)
		case errors.Is(err, deploy.ErrUnsupportedMode):
			response.Error(w, http.StatusUnprocessableEntity, "UNSUPPORTED_MODE", "The job's deploy mode is not supported", nil)
		case err != nil:
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to launch pipeline", nil)
		default:
			response.Accepted(w, map[string]bool{"started": started})
		}
	}
}

// NewDockerProgressHandler returns GET /api/v1/jobs/{jobID}/docker-progress.
// All cached phases are returned; phases with no snapshot are omitted.
func NewDockerProgressHandler(progress ProgressReader) http.HandlerFunc {
	phases := []models.DockerPhase{models.DockerPull, models.DockerBuild, models.DockerPush}
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}
		out := make(map[models.DockerPhase]*models.DockerProgress, len(phases))
		for _, phase := range phases {
			snap, found, err := progress.GetDockerProgress(r.Context(), jobID, phase)
			if err != nil {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load docker progress", nil)
				return
			}
			if found {
				out[phase] = snap
			}
		}
		response.JSON(w, out)
	}
}
