package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPoolEngine uses the real clock: the pool measures handler timeouts.
func newPoolEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultEngineConfig()
	cfg.Retry = RetryPolicy{}
	return NewEngine(NewMemoryStore(), cfg, discardLogger())
}

func startPool(t *testing.T, e *Engine, registry *Registry, cfg WorkerPoolConfig) *WorkerPool {
	t.Helper()
	pool := NewWorkerPool(e, registry, e.ReadyQueue(), cfg, discardLogger())
	pool.Start()
	t.Cleanup(pool.Stop)
	return pool
}

func waitForStatus(t *testing.T, e *Engine, id uuid.UUID, want Status) *Task {
	t.Helper()
	var got *Task
	require.Eventually(t, func() bool {
		var err error
		got, err = e.GetTaskStatus(context.Background(), id)
		return err == nil && got.Status == want
	}, 5*time.Second, 10*time.Millisecond, "task never reached %s", want)
	return got
}

func submitOne(t *testing.T, e *Engine, s TaskSpec) uuid.UUID {
	t.Helper()
	res, err := e.SubmitBatch(context.Background(), []TaskSpec{s}, "")
	require.NoError(t, err)
	return res.Tasks[0].ID
}

func TestWorkerPool_ExecutesHandlers(t *testing.T) {
	t.Parallel()

	e := newPoolEngine(t)
	registry := NewRegistry()
	registry.MustRegister("double", HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var in struct{ N int }
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, Permanent(err)
		}
		current, ok := TaskFromContext(ctx)
		if !ok || current.Type != "double" {
			return nil, Permanent(errors.New("task missing from context"))
		}
		return json.Marshal(map[string]int{"n": in.N * 2})
	}))

	startPool(t, e, registry, WorkerPoolConfig{WorkerCount: 3, PollInterval: 20 * time.Millisecond, ExecutionTimeout: time.Second})

	res, err := e.SubmitBatch(context.Background(), []TaskSpec{
		{Ref: "a", Type: "double", Payload: json.RawMessage(`{"N":2}`)},
		{Ref: "b", Type: "double", Payload: json.RawMessage(`{"N":5}`), DependsOn: []string{"a"}},
	}, "")
	require.NoError(t, err)

	b := waitForStatus(t, e, res.Tasks[1].ID, StatusSucceeded)
	assert.JSONEq(t, `{"n":10}`, string(b.Result))

	status, err := e.GetOperationStatus(context.Background(), res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, AggregateComplete, status.Status)
}

func TestWorkerPool_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	e := newPoolEngine(t)
	var calls atomic.Int32
	registry := NewRegistry()
	registry.MustRegister("flaky", HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection reset")
		}
		return json.RawMessage(`"ok"`), nil
	}))
	startPool(t, e, registry, WorkerPoolConfig{WorkerCount: 1, PollInterval: 10 * time.Millisecond, ExecutionTimeout: time.Second})

	id := submitOne(t, e, TaskSpec{Type: "flaky", MaxAttempts: 5})

	done := waitForStatus(t, e, id, StatusSucceeded)
	assert.Equal(t, 2, done.AttemptCount)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWorkerPool_FailureModes(t *testing.T) {
	t.Parallel()

	e := newPoolEngine(t)
	registry := NewRegistry()
	registry.MustRegister("reject", HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, Permanent(errors.New("schema mismatch"))
	}))
	registry.MustRegister("panic", HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		panic("nil map")
	}))
	registry.MustRegister("hang", HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	startPool(t, e, registry, WorkerPoolConfig{WorkerCount: 2, PollInterval: 10 * time.Millisecond, ExecutionTimeout: 50 * time.Millisecond})

	rejected := submitOne(t, e, TaskSpec{Type: "reject", MaxAttempts: 3})
	panicked := submitOne(t, e, TaskSpec{Type: "panic", MaxAttempts: 3})
	hung := submitOne(t, e, TaskSpec{Type: "hang", MaxAttempts: 2})
	unknown := submitOne(t, e, TaskSpec{Type: "nobody-handles-this", MaxAttempts: 3})

	r := waitForStatus(t, e, rejected, StatusFailed)
	assert.Equal(t, 1, r.AttemptCount)
	assert.Contains(t, r.Error, "schema mismatch")

	p := waitForStatus(t, e, panicked, StatusFailed)
	assert.Contains(t, p.Error, ErrHandlerPanic.Error())

	h := waitForStatus(t, e, hung, StatusDead)
	assert.Equal(t, 2, h.AttemptCount)
	assert.Contains(t, h.Error, ErrExecutionTimeout.Error())

	u := waitForStatus(t, e, unknown, StatusFailed)
	assert.Contains(t, u.Error, ErrUnknownTaskType.Error())
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	noop := HandlerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil })

	require.NoError(t, r.Register("b", noop))
	require.NoError(t, r.Register("a", noop))
	assert.ErrorIs(t, r.Register("a", noop), ErrHandlerExists)
	assert.Error(t, r.Register("", noop))
	assert.Error(t, r.Register("c", nil))
	assert.Panics(t, func() { r.MustRegister("a", noop) })

	_, err := r.Lookup("missing")
	assert.ErrorIs(t, err, ErrUnknownTaskType)
	h, err := r.Lookup("a")
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, []string{"a", "b"}, r.Types())
}

func TestReadyQueue_Coalesces(t *testing.T) {
	t.Parallel()

	q := NewReadyQueue(2)
	q.Notify(5)
	assert.Equal(t, 2, q.Len())
	<-q.Wait()
	<-q.Wait()
	assert.Equal(t, 0, q.Len())
}

// ctxSensitiveCoordinator fails StartTask on a cancelled context, as a
// database-backed store does.
type ctxSensitiveCoordinator struct {
	*Engine
}

func (c ctxSensitiveCoordinator) StartTask(ctx context.Context, taskID uuid.UUID, workerID string) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.Engine.StartTask(ctx, taskID, workerID)
}

func TestWorkerPool_StartsClaimWonBeforeStop(t *testing.T) {
	t.Parallel()

	e := newPoolEngine(t)
	registry := NewRegistry()
	registry.MustRegister("noop", HandlerFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}))
	pool := NewWorkerPool(ctxSensitiveCoordinator{e}, registry, e.ReadyQueue(),
		WorkerPoolConfig{WorkerCount: 1, ExecutionTimeout: time.Second}, discardLogger())

	id := submitOne(t, e, TaskSpec{Ref: "a", Type: "noop"})
	claimed, err := e.ClaimNext(context.Background(), "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Stop lands between the claim and the start.
	pool.cancel()
	pool.process(discardLogger(), "w1", claimed)

	got, err := e.GetTaskStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, []Status{StatusSucceeded, StatusPending}, got.Status,
		"the claim must not be left for stale-claim recovery")
}
