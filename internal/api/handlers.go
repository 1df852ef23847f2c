package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/zerverless/jobqueue/internal/config"
	"github.com/zerverless/jobqueue/internal/job"
	"github.com/zerverless/jobqueue/internal/queue"
	"github.com/zerverless/jobqueue/internal/volunteer"
)

var startTime = time.Now()

type Handlers struct {
	cfg     *config.Config
	vm      *volunteer.Manager
	jobs    queue.JobQueue
	limiter *rate.Limiter
	client  *http.Client
}

func NewHandlers(cfg *config.Config, vm *volunteer.Manager, jobs queue.JobQueue) *Handlers {
	h := &Handlers{
		cfg:    cfg,
		vm:     vm,
		jobs:   jobs,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	if cfg.SubmitRateLimit > 0 {
		burst := cfg.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRateLimit), burst)
	}
	return h
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handlers) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":        h.cfg.NodeID,
		"version":        "0.1.0",
		"queue_backend":  h.cfg.QueueBackend,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
	})
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":        h.cfg.NodeID,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"volunteers":     h.vm.Stats(),
		"jobs":           h.jobs.Stats(),
	})
}

type JobRequest struct {
	Task        job.Task       `json:"task"`
	Input       map[string]any `json:"input"`
	CallbackURL string         `json:"callback_url,omitempty"`
}

func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	var cb job.Callback
	if req.CallbackURL != "" {
		u, err := url.Parse(req.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid callback_url"})
			return
		}
		cb = NewWebhook(req.CallbackURL, h.client)
	}

	id, err := h.jobs.AddJob(req.Task, req.Input, cb)
	switch {
	case err == nil:
	case errors.Is(err, job.ErrInvalidTask):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, job.ErrQueueFull), errors.Is(err, queue.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	default:
		log.Printf("Failed to add job: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to add job"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// JobStatus reports the job's phase. Unknown and already-read jobs are
// neither running nor done.
func (h *Handlers) JobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"running": h.jobs.IsRunning(id),
		"done":    h.jobs.IsDone(id),
	})
}

// GetResult hands out a done job's result once; the job is gone afterwards.
func (h *Handlers) GetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, ok := h.jobs.GetResult(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no result"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
