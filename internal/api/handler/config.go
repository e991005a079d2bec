package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gridvane/flowdeck/internal/api/response"
	"github.com/gridvane/flowdeck/internal/configsvc"
	"github.com/gridvane/flowdeck/internal/store"
	"github.com/gridvane/flowdeck/pkg/models"
)

// ConfigService is the versioned configuration store surface the web
// layer needs.
type ConfigService interface {
	Create(ctx context.Context, jobID uuid.UUID, raw, format string, latest bool) (*models.ConfigRevision, error)
	Update(ctx context.Context, job *models.Job, raw, format string, revID *uuid.UUID, latest bool) (*models.ConfigRevision, error)
	List(ctx context.Context, jobID uuid.UUID) ([]*models.ConfigRevision, error)
	Delete(ctx context.Context, jobID, revID uuid.UUID) error
}

// JobReader loads the job an update is diffed against.
type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

func revIDParam(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "revID"))
	return id, err == nil
}

// NewCreateConfigHandler returns POST /api/v1/jobs/{jobID}/configs.
func NewCreateConfigHandler(configs ConfigService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}
		var req struct {
			Content string `json:"content"`
			Format  string `json:"format"`
			Latest  bool   `json:"latest"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		rev, err := configs.Create(r.Context(), jobID, req.Content, req.Format, req.Latest)
		switch {
		case errors.Is(err, configsvc.ErrBadFormat):
			response.Error(w, http.StatusBadRequest, "INVALID_FORMAT", "format must be yaml, properties or conf", nil)
		case errors.Is(err, configsvc.ErrEmptyContent):
			response.Error(w, http.StatusBadRequest, "EMPTY_CONTENT", "content is required", nil)
		case err != nil:
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create configuration revision", nil)
		default:
			response.Created(w, rev)
		}
	}
}

// NewUpdateConfigHandler returns PUT /api/v1/jobs/{jobID}/configs. An
// unchanged payload only re-routes latest/effective; a changed payload
// replaces the prior latest revision.
func NewUpdateConfigHandler(jobs JobReader, configs ConfigService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}
		var req struct {
			Content    string     `json:"content"`
			Format     string     `json:"format"`
			Latest     bool       `json:"latest"`
			RevisionID *uuid.UUID `json:"revisionId,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
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

		rev, err := configs.Update(r.Context(), job, req.Content, req.Format, req.RevisionID, req.Latest)
		switch {
		case errors.Is(err, configsvc.ErrBadFormat):
			response.Error(w, http.StatusBadRequest, "INVALID_FORMAT", "format must be yaml, properties or conf", nil)
		case err != nil:
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update configuration", nil)
		default:
			response.JSON(w, rev)
		}
	}
}

// NewListConfigsHandler returns GET /api/v1/jobs/{jobID}/configs.
func NewListConfigsHandler(configs ConfigService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}
		revisions, err := configs.List(r.Context(), jobID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list configuration revisions", nil)
			return
		}
		response.JSON(w, revisions)
	}
}

// NewDeleteConfigHandler returns DELETE /api/v1/jobs/{jobID}/configs/{revID}.
func NewDeleteConfigHandler(configs ConfigService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}
		revID, ok := revIDParam(r)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "revID must be a UUID", nil)
			return
		}

		err := configs.Delete(r.Context(), jobID, revID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Configuration revision not found", nil)
		case errors.Is(err, configsvc.ErrRevisionInUse):
			response.Error(w, http.StatusConflict, "REVISION_IN_USE", "The effective revision cannot be deleted", nil)
		case err != nil:
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete configuration revision", nil)
		default:
			response.NoContent(w)
		}
	}
}
