package api

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/taskforge/internal/task"
)

// IdempotencyKeyHeader carries the submission idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

// Engine is the subset of *task.Engine the handlers call.
type Engine interface {
	SubmitBatch(ctx context.Context, specs []task.TaskSpec, idempotencyKey string) (*task.OperationResult, error)
	GetOperationStatus(ctx context.Context, operationID uuid.UUID) (*task.OperationStatus, error)
	CancelOperation(ctx context.Context, operationID uuid.UUID) (*task.OperationStatus, error)
	GetTaskStatus(ctx context.Context, taskID uuid.UUID) (*task.Task, error)
	ClaimNext(ctx context.Context, workerID string) (*task.Task, error)
	StartTask(ctx context.Context, taskID uuid.UUID, workerID string) (*task.Task, error)
	ReportOutcome(ctx context.Context, taskID uuid.UUID, workerID string, outcome task.Outcome) (*task.Task, error)
}

var _ Engine = (*task.Engine)(nil)

// SubmitBatchRequest is the body of POST /api/operations. The
// Idempotency-Key header takes precedence over IdempotencyKey.
type SubmitBatchRequest struct {
	IdempotencyKey string          `json:"idempotency_key,omitempty" validate:"max=255"`
	Tasks          []task.TaskSpec `json:"tasks" validate:"required,min=1"`
}

// ReportOutcomeRequest is the body of POST /api/workers/{workerID}/tasks/{id}/outcome.
type ReportOutcomeRequest = task.Outcome

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
