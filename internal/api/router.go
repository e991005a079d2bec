package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/gridvane/flowdeck/internal/api/middleware"
	"github.com/gridvane/flowdeck/internal/api/response"
)

// Dependencies holds all handler dependencies for the router.
type Dependencies struct {
	HealthHandler http.HandlerFunc

	CurrentPipeline   http.HandlerFunc
	PipelineStatusMap http.HandlerFunc
	Launch            http.HandlerFunc
	DockerProgress    http.HandlerFunc

	TriggerSavepoint http.HandlerFunc
	StopJob          http.HandlerFunc
	ListSavepoints   http.HandlerFunc
	ReportCheckpoint http.HandlerFunc

	CreateConfig http.HandlerFunc
	UpdateConfig http.HandlerFunc
	ListConfigs  http.HandlerFunc
	DeleteConfig http.HandlerFunc

	ListBackups  http.HandlerFunc
	Rollback     http.HandlerFunc
	DeleteBackup http.HandlerFunc
}

// NewRouter builds the Chi router with the middleware stack and all
// routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Route("/api/v1/jobs/{jobID}", func(r chi.Router) {
		r.Get("/pipeline", orNotImplemented(deps.CurrentPipeline))
		r.Post("/build", orNotImplemented(deps.Launch))
		r.Get("/docker-progress", orNotImplemented(deps.DockerProgress))

		r.Post("/savepoints", orNotImplemented(deps.TriggerSavepoint))
		r.Get("/savepoints", orNotImplemented(deps.ListSavepoints))
		r.Post("/checkpoints", orNotImplemented(deps.ReportCheckpoint))
		r.Post("/stop", orNotImplemented(deps.StopJob))

		r.Post("/configs", orNotImplemented(deps.CreateConfig))
		r.Put("/configs", orNotImplemented(deps.UpdateConfig))
		r.Get("/configs", orNotImplemented(deps.ListConfigs))
		r.Delete("/configs/{revID}", orNotImplemented(deps.DeleteConfig))

		r.Get("/backups", orNotImplemented(deps.ListBackups))
		r.Post("/backups/{backupID}/rollback", orNotImplemented(deps.Rollback))
	})

	r.Post("/api/v1/pipelines/status", orNotImplemented(deps.PipelineStatusMap))
	r.Delete("/api/v1/backups/{backupID}", orNotImplemented(deps.DeleteBackup))

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
