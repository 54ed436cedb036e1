package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryEventEmitter(t *testing.T) {
	// Create a minimal logger that discards output
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	newEvent := func() *TaskEvent {
		return NewTaskEvent(KindTaskTransition, uuid.New(), uuid.New(), time.Now())
	}

	t.Run("emit event with no handlers", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		assert.NoError(t, emitter.EmitEvent(context.Background(), newEvent()))
	})

	t.Run("emit event with successful handlers", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)

		first := &Recorder{}
		second := &Recorder{}
		emitter.RegisterHandler(first)
		emitter.RegisterHandler(second)

		event := newEvent()
		require.NoError(t, emitter.EmitEvent(context.Background(), event))

		require.Len(t, first.Events(), 1)
		require.Len(t, second.Events(), 1)
		assert.Equal(t, event.ID, first.Events()[0].ID)
		assert.Equal(t, event.ID, second.Events()[0].ID)
	})

	t.Run("emit event with failing handler", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)

		recorder := &Recorder{}
		emitter.RegisterHandler(EventHandlerFunc(func(ctx context.Context, event *TaskEvent) error {
			return errors.New("handler error")
		}))
		emitter.RegisterHandler(recorder)

		err := emitter.EmitEvent(context.Background(), newEvent())
		require.Error(t, err)
		assert.Equal(t, "handler error", err.Error())

		// The later handler still received the event
		assert.Len(t, recorder.Events(), 1)
	})
}

func TestNewTaskEvent(t *testing.T) {
	opID := uuid.New()
	taskID := uuid.New()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	event := NewTaskEvent(KindTaskDispatched, opID, taskID, at)

	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, KindTaskDispatched, event.Kind)
	assert.Equal(t, opID, event.OperationID)
	assert.Equal(t, taskID, event.TaskID)
	assert.Equal(t, at, event.OccurredAt)
}

func TestNopEmitter(t *testing.T) {
	assert.NoError(t, NopEmitter{}.EmitEvent(context.Background(), &TaskEvent{}))
}
