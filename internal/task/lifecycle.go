package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/phrazzld/taskforge/internal/events"
)

// lifecycle applies status transitions through the Store and publishes an
// event for each one that wins. The resolver, dispatcher and engine share one.
type lifecycle struct {
	store   Store
	emitter events.EventEmitter
	metrics Metrics
	now     func() time.Time
	logger  *slog.Logger
}

// transition swaps t from its current status to next. On success t is
// updated in place to mirror the stored state.
func (l *lifecycle) transition(ctx context.Context, t *Task, next Status, opts ...TransitionOption) (bool, error) {
	at := l.now()
	opts = append(opts, At(at))
	from := t.Status
	owner := t.ClaimedBy

	ok, err := l.store.CompareAndSetStatus(ctx, t.ID, from, next, opts...)
	if err != nil || !ok {
		return ok, err
	}

	tr := NewTransition(opts...)
	t.Status = next
	t.UpdatedAt = at
	if tr.ClaimedBy != nil {
		t.ClaimedBy = *tr.ClaimedBy
	}
	if tr.AttemptCount != nil {
		t.AttemptCount = *tr.AttemptCount
	}
	if tr.ScheduledAt != nil {
		t.ScheduledAt = *tr.ScheduledAt
	}
	if tr.Result != nil {
		t.Result = tr.Result
	}
	if tr.Error != nil {
		t.Error = *tr.Error
	}

	l.logger.Debug("task transitioned",
		"task_id", t.ID,
		"task_type", t.Type,
		"from", from,
		"to", next,
		"attempt", t.AttemptCount)

	if next.IsTerminal() {
		l.metrics.TaskFinished(t.Type, next)
	}

	event := events.NewTaskEvent(events.KindTaskTransition, t.OperationID, t.ID, at)
	event.TaskType = t.Type
	event.From = string(from)
	event.To = string(next)
	event.Attempt = t.AttemptCount
	event.WorkerID = t.ClaimedBy
	if event.WorkerID == "" {
		event.WorkerID = owner
	}
	event.Error = t.Error
	l.emit(ctx, event)
	return true, nil
}

// emit publishes an event. Handler failures never affect task state.
func (l *lifecycle) emit(ctx context.Context, event *events.TaskEvent) {
	if err := l.emitter.EmitEvent(ctx, event); err != nil {
		l.logger.Warn("event handler failed",
			"kind", event.Kind,
			"task_id", event.TaskID,
			"error", err)
	}
}
