package worker

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	polos "github.com/polos-ai/polos-go"
)

// routes builds the push server surface:
//
//	POST /execute              accept one assignment (200 accepted, 429 full)
//	POST /cancel/{execution_id} cancel a running execution
//	GET  /health               liveness and slot occupancy
func (w *Worker) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/execute", w.handleExecute)
	r.Post("/cancel/{execution_id}", w.handleCancel)
	r.Get("/health", w.handleHealth)
	return r
}

func (w *Worker) handleExecute(rw http.ResponseWriter, r *http.Request) {
	var req polos.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid execute request: " + err.Error()})
		return
	}
	if req.ExecutionID == "" || req.WorkflowID == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "execution_id and workflow_id are required"})
		return
	}
	if req.WorkerID != "" && req.WorkerID != w.workerID {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "assignment addressed to worker " + req.WorkerID + ", this is " + w.workerID})
		return
	}
	if _, ok := w.registry.Get(req.WorkflowID); !ok {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "workflow " + req.WorkflowID + " is not registered on this worker"})
		return
	}
	if !w.sem.TryAcquire(1) {
		// All slots busy; the orchestrator reassigns or retries later.
		writeJSON(rw, http.StatusTooManyRequests, map[string]string{"error": "worker at capacity"})
		return
	}

	w.logger.Info("execution accepted",
		"execution_id", req.ExecutionID, "workflow_id", req.WorkflowID, "retry_count", req.RetryCount)
	go w.runExecution(req)
	writeJSON(rw, http.StatusOK, map[string]string{"status": "accepted", "execution_id": req.ExecutionID})
}

func (w *Worker) handleCancel(rw http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "execution_id")
	requester := r.Header.Get("X-Worker-ID")
	if requester == "" {
		var body struct {
			WorkerID string `json:"worker_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		requester = body.WorkerID
	}
	if requester == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "worker_id is required (X-Worker-ID header or body field)"})
		return
	}
	if requester != w.workerID {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "cancel addressed to worker " + requester + ", this is " + w.workerID})
		return
	}

	w.mu.Lock()
	cancel, ok := w.active[executionID]
	w.mu.Unlock()
	if !ok {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "execution not running on this worker"})
		return
	}
	w.logger.Info("cancelling execution", "execution_id", executionID)
	cancel()
	writeJSON(rw, http.StatusOK, map[string]string{
		"status":       "cancellation_requested",
		"execution_id": executionID,
	})
}

func (w *Worker) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	w.mu.Lock()
	running := len(w.active)
	w.mu.Unlock()
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":                   "healthy",
		"mode":                     "push",
		"current_executions":       running,
		"max_concurrent_workflows": w.maxConcurrent,
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
