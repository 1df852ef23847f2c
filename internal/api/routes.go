package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zerverless/jobqueue/internal/config"
	"github.com/zerverless/jobqueue/internal/queue"
	"github.com/zerverless/jobqueue/internal/volunteer"
	"github.com/zerverless/jobqueue/internal/ws"
)

// NewRouter serves the producer API over jobs. wsServer may be nil when
// remote workers are not accepted.
func NewRouter(cfg *config.Config, vm *volunteer.Manager, jobs queue.JobQueue, wsServer *ws.Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	h := NewHandlers(cfg, vm, jobs)

	// Health & Info
	r.Get("/health", h.Health)
	r.Get("/info", h.Info)
	r.Get("/stats", h.Stats)

	// Jobs API
	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", h.SubmitJob)
		r.Get("/{id}", h.JobStatus)
		r.Get("/{id}/result", h.GetResult)
	})

	// WebSocket
	if wsServer != nil {
		r.Get("/ws/volunteer", wsServer.HandleVolunteer)
	}

	return r
}
