package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/taskforge/internal/events"
	"github.com/phrazzld/taskforge/internal/task"
)

// registerBuiltinHandlers installs the task types every deployment ships
// with. Applications embedding the engine register their own.
func registerBuiltinHandlers(r *task.Registry, logger *slog.Logger) {
	r.MustRegister("echo", task.HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	}))

	r.MustRegister("log", task.HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		t, _ := task.TaskFromContext(ctx)
		logger.Info("log task", "task_id", t.ID, "payload", string(payload))
		return nil, nil
	}))

	r.MustRegister("sleep", task.HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var in struct {
			Duration string `json:"duration"`
		}
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, task.Permanent(fmt.Errorf("invalid sleep payload: %w", err))
		}
		d, err := time.ParseDuration(in.Duration)
		if err != nil {
			return nil, task.Permanent(fmt.Errorf("invalid sleep duration: %w", err))
		}
		select {
		case <-time.After(d):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
}

// deadLetterLogger reports tasks that exhausted their retries.
func deadLetterLogger(logger *slog.Logger) events.EventHandler {
	return events.EventHandlerFunc(func(ctx context.Context, ev *events.TaskEvent) error {
		if ev.Kind == events.KindTaskTransition && ev.To == string(task.StatusDead) {
			logger.Warn("task moved to dead letter",
				"task_id", ev.TaskID,
				"operation_id", ev.OperationID,
				"task_type", ev.TaskType,
				"attempt", ev.Attempt,
				"error", ev.Error)
		}
		return nil
	})
}
