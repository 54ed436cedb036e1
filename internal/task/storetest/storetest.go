// Package storetest holds the behavioural contract every task.Store
// implementation must satisfy. Implementations call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskforge/internal/store"
	"github.com/phrazzld/taskforge/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) task.Store

// Run executes the contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateBatchAndGet", func(t *testing.T) { testCreateBatchAndGet(t, newStore(t)) })
	t.Run("CreateBatchIsAtomic", func(t *testing.T) { testCreateBatchIsAtomic(t, newStore(t)) })
	t.Run("CompareAndSetStatus", func(t *testing.T) { testCompareAndSet(t, newStore(t)) })
	t.Run("ConcurrentClaimHasOneWinner", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("ListByStatusOrdering", func(t *testing.T) { testListByStatus(t, newStore(t)) })
	t.Run("Dependents", func(t *testing.T) { testDependents(t, newStore(t)) })
	t.Run("FollowUpUniqueness", func(t *testing.T) { testFollowUpUniqueness(t, newStore(t)) })
	t.Run("CancelOperation", func(t *testing.T) { testCancelOperation(t, newStore(t)) })
	t.Run("IdempotencyKeyUniqueness", func(t *testing.T) { testIdempotencyKeyUniqueness(t, newStore(t)) })
}

// Now returns a timestamp every backend can round-trip exactly.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// NewOperation builds an operation record.
func NewOperation() *task.Operation {
	now := Now()
	return &task.Operation{ID: uuid.New(), CreatedAt: now, UpdatedAt: now}
}

// NewTask builds a ready task of op.
func NewTask(op *task.Operation, ref string) *task.Task {
	now := Now()
	return &task.Task{
		ID:          uuid.New(),
		OperationID: op.ID,
		Ref:         ref,
		Type:        "test.echo",
		Payload:     json.RawMessage(`{"ref":"` + ref + `"}`),
		Status:      task.StatusReady,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
		ScheduledAt: now,
	}
}

func testCreateBatchAndGet(t *testing.T, s task.Store) {
	ctx := context.Background()
	op := NewOperation()
	op.IdempotencyKey = "key-1"
	a := NewTask(op, "a")
	a.OnSuccess = &task.Template{Type: "test.notify", Payload: json.RawMessage(`{"x":1}`), MaxAttempts: 2}
	b := NewTask(op, "b")
	b.Status = task.StatusBlocked
	b.DependsOn = []uuid.UUID{a.ID}

	require.NoError(t, s.CreateBatch(ctx, op, []*task.Task{a, b}))

	got, err := s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, op.ID, got.OperationID)
	assert.Equal(t, "b", got.Ref)
	assert.Equal(t, task.StatusBlocked, got.Status)
	assert.Equal(t, []uuid.UUID{a.ID}, got.DependsOn)
	assert.JSONEq(t, `{"ref":"b"}`, string(got.Payload))
	assert.Equal(t, 0, got.AttemptCount)
	assert.Equal(t, 3, got.MaxAttempts)

	gotA, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, gotA.OnSuccess)
	assert.Equal(t, "test.notify", gotA.OnSuccess.Type)
	assert.Equal(t, 2, gotA.OnSuccess.MaxAttempts)
	assert.Less(t, gotA.Sequence, got.Sequence)

	storedOp, err := s.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, "key-1", storedOp.IdempotencyKey)
	assert.False(t, storedOp.Cancelled)

	_, err = s.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
	_, err = s.GetOperation(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrOperationNotFound)
}

func testCreateBatchIsAtomic(t *testing.T, s task.Store) {
	ctx := context.Background()
	op := NewOperation()
	a := NewTask(op, "a")
	b := NewTask(op, "b")
	b.Status = task.StatusBlocked
	b.DependsOn = []uuid.UUID{uuid.New()}

	err := s.CreateBatch(ctx, op, []*task.Task{a, b})
	require.Error(t, err)

	_, err = s.Get(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound, "no task of a rejected batch is stored")
	_, err = s.GetOperation(ctx, op.ID)
	assert.ErrorIs(t, err, store.ErrOperationNotFound)
}

func testCompareAndSet(t *testing.T, s task.Store) {
	ctx := context.Background()
	op := NewOperation()
	a := NewTask(op, "a")
	require.NoError(t, s.CreateBatch(ctx, op, []*task.Task{a}))

	ok, err := s.CompareAndSetStatus(ctx, a.ID, task.StatusReady, task.StatusClaimed, task.WithClaimant("w1"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSetStatus(ctx, a.ID, task.StatusReady, task.StatusClaimed, task.WithClaimant("w2"))
	require.NoError(t, err)
	assert.False(t, ok, "expected status no longer matches")

	ok, err = s.CompareAndSetStatus(ctx, a.ID, task.StatusClaimed, task.StatusRunning, task.ExpectClaimant("w2"))
	require.NoError(t, err)
	assert.False(t, ok, "claimant does not match")

	at := Now().Add(time.Minute)
	ok, err = s.CompareAndSetStatus(ctx, a.ID, task.StatusClaimed, task.StatusPending,
		task.ExpectClaimant("w1"),
		task.ClearClaimant(),
		task.WithAttemptCount(1),
		task.WithScheduledAt(at),
		task.WithError("boom"))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Empty(t, got.ClaimedBy)
	assert.Equal(t, 1, got.AttemptCount)
	assert.True(t, at.Equal(got.ScheduledAt), "scheduled_at %s != %s", got.ScheduledAt, at)
	assert.Equal(t, "boom", got.Error)

	_, err = s.CompareAndSetStatus(ctx, a.ID, task.StatusPending, task.StatusSucceeded)
	assert.ErrorIs(t, err, task.ErrInvalidTransition)

	_, err = s.CompareAndSetStatus(ctx, uuid.New(), task.StatusReady, task.StatusClaimed)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)

	ok, err = s.CompareAndSetStatus(ctx, a.ID, task.StatusPending, task.StatusReady)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.CompareAndSetStatus(ctx, a.ID, task.StatusReady, task.StatusClaimed, task.WithClaimant("w3"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.CompareAndSetStatus(ctx, a.ID, task.StatusClaimed, task.StatusSucceeded,
		task.WithResult(json.RawMessage(`{"ok":true}`)), task.WithError(""))
	require.NoError(t, err)
	require.True(t, ok)

	got, err = s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.Empty(t, got.Error)
	assert.Equal(t, "w3", got.ClaimedBy)
}

func testConcurrentClaim(t *testing.T, s task.Store) {
	ctx := context.Background()
	op := NewOperation()
	a := NewTask(op, "a")
	require.NoError(t, s.CreateBatch(ctx, op, []*task.Task{a}))

	const claimers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			<-start
			ok, err := s.CompareAndSetStatus(ctx, a.ID, task.StatusReady, task.StatusClaimed, task.WithClaimant(worker))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(uuid.NewString())
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func testListByStatus(t *testing.T, s task.Store) {
	ctx := context.Background()
	op := NewOperation()
	base := Now()
	late := NewTask(op, "late")
	late.ScheduledAt = base.Add(2 * time.Second)
	first := NewTask(op, "first")
	first.ScheduledAt = base
	second := NewTask(op, "second")
	second.ScheduledAt = base
	blocked := NewTask(op, "blocked")
	blocked.Status = task.StatusBlocked
	blocked.DependsOn = []uuid.UUID{first.ID}

	require.NoError(t, s.CreateBatch(ctx, op, []*task.Task{late, first, second, blocked}))

	ready, err := s.ListByStatus(ctx, task.StatusReady, 0)
	require.NoError(t, err)
	require.Len(t, ready, 3)
	assert.Equal(t, []string{"first", "second", "late"}, refs(ready))

	limited, err := s.ListByStatus(ctx, task.StatusReady, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, refs(limited))

	all, err := s.ListByOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"late", "first", "second", "blocked"}, refs(all))

	none, err := s.ListByStatus(ctx, task.StatusDead, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testDependents(t *testing.T, s task.Store) {
	ctx := context.Background()
	op := NewOperation()
	a := NewTask(op, "a")
	b := NewTask(op, "b")
	c := NewTask(op, "c")
	c.Status = task.StatusBlocked
	c.DependsOn = []uuid.UUID{a.ID, b.ID}
	require.NoError(t, s.CreateBatch(ctx, op, []*task.Task{a, b, c}))

	// A later batch may depend on an earlier one.
	op2 := NewOperation()
	d := NewTask(op2, "d")
	d.Status = task.StatusBlocked
	d.DependsOn = []uuid.UUID{a.ID}
	require.NoError(t, s.CreateBatch(ctx, op2, []*task.Task{d}))

	deps, err := s.ListDependents(ctx, a.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{c.ID, d.ID}, deps)

	deps, err = s.ListDependents(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func testFollowUpUniqueness(t *testing.T, s task.Store) {
	ctx := context.Background()
	op := NewOperation()
	parent := NewTask(op, "parent")
	require.NoError(t, s.CreateBatch(ctx, op, []*task.Task{parent}))

	child := NewTask(op, "parent.on_failure")
	child.ParentID = parent.ID
	child.Trigger = task.TriggerOnFailure
	require.NoError(t, s.Create(ctx, child))

	again := NewTask(op, "parent.on_failure")
	again.ParentID = parent.ID
	again.Trigger = task.TriggerOnFailure
	err := s.Create(ctx, again)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	other := NewTask(op, "parent.on_success")
	other.ParentID = parent.ID
	other.Trigger = task.TriggerOnSuccess
	require.NoError(t, s.Create(ctx, other))

	got, err := s.Get(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, got.ParentID)
	assert.Equal(t, task.TriggerOnFailure, got.Trigger)

	all, err := s.ListByOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	orphan := NewTask(NewOperation(), "orphan")
	assert.Error(t, s.Create(ctx, orphan))
}

func testCancelOperation(t *testing.T, s task.Store) {
	ctx := context.Background()
	op := NewOperation()
	require.NoError(t, s.CreateBatch(ctx, op, []*task.Task{NewTask(op, "a")}))

	require.NoError(t, s.CancelOperation(ctx, op.ID))
	require.NoError(t, s.CancelOperation(ctx, op.ID))

	got, err := s.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.True(t, got.Cancelled)

	assert.ErrorIs(t, s.CancelOperation(ctx, uuid.New()), store.ErrOperationNotFound)
}

func testIdempotencyKeyUniqueness(t *testing.T, s task.Store) {
	ctx := context.Background()

	first := NewOperation()
	first.IdempotencyKey = "order-42"
	require.NoError(t, s.CreateBatch(ctx, first, []*task.Task{NewTask(first, "a")}))

	second := NewOperation()
	second.IdempotencyKey = "order-42"
	orphan := NewTask(second, "a")
	err := s.CreateBatch(ctx, second, []*task.Task{orphan})
	require.ErrorIs(t, err, store.ErrIdempotencyKeyTaken)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	_, err = s.Get(ctx, orphan.ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound, "rejected batch must leave no tasks")
	_, err = s.GetOperation(ctx, second.ID)
	assert.ErrorIs(t, err, store.ErrOperationNotFound)

	got, err := s.GetOperationByIdempotencyKey(ctx, "order-42")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = s.GetOperationByIdempotencyKey(ctx, "order-43")
	assert.ErrorIs(t, err, store.ErrOperationNotFound)
	_, err = s.GetOperationByIdempotencyKey(ctx, "")
	assert.ErrorIs(t, err, store.ErrOperationNotFound)

	// Operations without a key never collide.
	for i := 0; i < 2; i++ {
		op := NewOperation()
		require.NoError(t, s.CreateBatch(ctx, op, []*task.Task{NewTask(op, "a")}))
	}
}

func refs(tasks []*task.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Ref)
	}
	return out
}
