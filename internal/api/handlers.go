package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/taskforge/internal/api/shared"
	"github.com/phrazzld/taskforge/internal/platform/logger"
	"github.com/phrazzld/taskforge/internal/task"
)

const maxWorkerIDLength = 128

// TaskHandler serves the submission, status and worker endpoints.
type TaskHandler struct {
	engine Engine
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(engine Engine) *TaskHandler {
	return &TaskHandler{engine: engine}
}

// SubmitBatch handles POST /api/operations. A new operation answers 201, a
// replayed idempotent submission 200.
func (h *TaskHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req SubmitBatchRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)); key != "" {
		req.IdempotencyKey = key
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, sanitizeValidationError(err), err)
		return
	}

	result, err := h.engine.SubmitBatch(r.Context(), req.Tasks, req.IdempotencyKey)
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	logger.FromContext(r.Context()).Info("batch submitted",
		"operation_id", result.OperationID,
		"tasks", len(result.Tasks),
		"replayed", result.Replayed)
	shared.RespondWithJSON(w, r, status, result)
}

// GetOperation handles GET /api/operations/{id}.
func (h *TaskHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	status, err := h.engine.GetOperationStatus(r.Context(), id)
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, status)
}

// CancelOperation handles POST /api/operations/{id}/cancel.
func (h *TaskHandler) CancelOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	status, err := h.engine.CancelOperation(r.Context(), id)
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, status)
}

// GetTask handles GET /api/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.engine.GetTaskStatus(r.Context(), id)
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, t)
}

// ClaimNext handles POST /api/workers/{workerID}/claim. It answers 204 when
// nothing is dispatchable.
func (h *TaskHandler) ClaimNext(w http.ResponseWriter, r *http.Request) {
	worker, ok := workerID(w, r)
	if !ok {
		return
	}
	t, err := h.engine.ClaimNext(r.Context(), worker)
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, t)
}

// StartTask handles POST /api/workers/{workerID}/tasks/{id}/start.
func (h *TaskHandler) StartTask(w http.ResponseWriter, r *http.Request) {
	worker, ok := workerID(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.engine.StartTask(r.Context(), id, worker)
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, t)
}

// ReportOutcome handles POST /api/workers/{workerID}/tasks/{id}/outcome.
func (h *TaskHandler) ReportOutcome(w http.ResponseWriter, r *http.Request) {
	worker, ok := workerID(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req ReportOutcomeRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, sanitizeValidationError(err), err)
		return
	}

	t, err := h.engine.ReportOutcome(r.Context(), id, worker, req)
	if err != nil {
		h.respondWithEngineError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, t)
}

func (h *TaskHandler) respondWithEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := MapErrorToStatusCode(err)
	if errors.Is(err, task.ErrIdempotencyInFlight) {
		w.Header().Set("Retry-After", "1")
	}
	shared.RespondWithErrorAndLog(w, r, status, GetSafeErrorMessage(err), err)
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid "+param+": must be a UUID", err)
		return uuid.Nil, false
	}
	return id, true
}

func workerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "workerID")
	if id == "" || len(id) > maxWorkerIDLength {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid worker ID")
		return "", false
	}
	return id, true
}
