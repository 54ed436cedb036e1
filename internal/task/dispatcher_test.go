package task

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_TwoClaimersOneTask(t *testing.T) {
	t.Parallel()

	for run := 0; run < 20; run++ {
		te := newTestEngine(t)
		te.submit(t, spec("only", "x"))

		var wg sync.WaitGroup
		got := make([]*Task, 2)
		for i := range got {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				claimed, err := te.ClaimNext(context.Background(), fmt.Sprintf("w%d", i))
				assert.NoError(t, err)
				got[i] = claimed
			}(i)
		}
		wg.Wait()

		winners := 0
		for _, c := range got {
			if c != nil {
				winners++
			}
		}
		require.Equal(t, 1, winners, "run %d", run)
	}
}

func TestDispatcher_ManyWorkersClaimDistinctTasks(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t)
	specs := make([]TaskSpec, 10)
	for i := range specs {
		specs[i] = spec(fmt.Sprintf("t%d", i), "x")
	}
	te.submit(t, specs...)

	var mu sync.Mutex
	seen := make(map[uuid.UUID]string)
	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			claimed, err := te.ClaimNext(context.Background(), worker)
			assert.NoError(t, err)
			if claimed == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			_, dup := seen[claimed.ID]
			assert.False(t, dup, "task %s dispatched twice", claimed.Ref)
			seen[claimed.ID] = worker
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	assert.Len(t, seen, 10)
	for id, worker := range seen {
		assert.Equal(t, worker, te.task(t, id).ClaimedBy)
	}
}

func TestDispatcher_FIFOBySchedule(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t)
	te.submit(t, spec("first", "x"))
	te.clock.Advance(time.Millisecond)
	te.submit(t, spec("second", "x"))

	assert.Equal(t, "first", te.claim(t, "w").Ref)
	assert.Equal(t, "second", te.claim(t, "w").Ref)
}

func TestDispatcher_ScheduledTasksWaitUntilDue(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t)
	ctx := context.Background()
	at := te.clock.Now().Add(time.Minute)
	s := spec("later", "x")
	s.ScheduledAt = &at
	te.submit(t, s)

	none, err := te.ClaimNext(ctx, "w")
	require.NoError(t, err)
	assert.Nil(t, none)

	te.clock.Advance(time.Minute)
	promoted, err := te.Dispatcher().PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)
	assert.Equal(t, "later", te.claim(t, "w").Ref)
}

func TestDispatcher_RequiresWorkerID(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t)
	_, err := te.ClaimNext(context.Background(), "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDispatcher_EmitsDispatchEvent(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t)
	te.submit(t, spec("a", "x"))
	claimed := te.claim(t, "w7")

	var found bool
	for _, ev := range te.recorder.Events() {
		if ev.Kind == "task.dispatched" && ev.TaskID == claimed.ID {
			found = true
			assert.Equal(t, "w7", ev.WorkerID)
		}
	}
	assert.True(t, found)
}
