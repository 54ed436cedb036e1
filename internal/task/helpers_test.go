package task

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskforge/internal/events"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEngine struct {
	*Engine
	store    *MemoryStore
	clock    *fakeClock
	recorder *events.Recorder
}

// newTestEngine builds an engine on a MemoryStore with a frozen clock and no
// retry delay, so retried tasks are immediately due.
func newTestEngine(t *testing.T, mutate ...func(*EngineConfig)) *testEngine {
	t.Helper()

	cfg := DefaultEngineConfig()
	cfg.Retry = RetryPolicy{}
	for _, m := range mutate {
		m(&cfg)
	}

	s := NewMemoryStore()
	clock := newFakeClock()
	recorder := &events.Recorder{}
	emitter := events.NewInMemoryEventEmitter(discardLogger())
	emitter.RegisterHandler(recorder)

	e := NewEngine(s, cfg, discardLogger(), WithClock(clock.Now), WithEventEmitter(emitter))
	return &testEngine{Engine: e, store: s, clock: clock, recorder: recorder}
}

func (te *testEngine) submit(t *testing.T, specs ...TaskSpec) *OperationResult {
	t.Helper()
	res, err := te.SubmitBatch(context.Background(), specs, "")
	require.NoError(t, err)
	return res
}

func (te *testEngine) task(t *testing.T, id uuid.UUID) *Task {
	t.Helper()
	got, err := te.GetTaskStatus(context.Background(), id)
	require.NoError(t, err)
	return got
}

// claim claims the next task for worker and requires one to be available.
func (te *testEngine) claim(t *testing.T, worker string) *Task {
	t.Helper()
	got, err := te.ClaimNext(context.Background(), worker)
	require.NoError(t, err)
	require.NotNil(t, got, "expected a dispatchable task")
	return got
}

// run claims, starts and reports the next task.
func (te *testEngine) run(t *testing.T, worker string, outcome Outcome) *Task {
	t.Helper()
	claimed := te.claim(t, worker)
	_, err := te.StartTask(context.Background(), claimed.ID, worker)
	require.NoError(t, err)
	done, err := te.ReportOutcome(context.Background(), claimed.ID, worker, outcome)
	require.NoError(t, err)
	return done
}

// transitions returns the recorded status changes of a task as "from>to".
func (te *testEngine) transitions(id uuid.UUID) []string {
	var out []string
	for _, ev := range te.recorder.Events() {
		if ev.Kind == events.KindTaskTransition && ev.TaskID == id {
			out = append(out, ev.From+">"+ev.To)
		}
	}
	return out
}

func taskIDByRef(t *testing.T, res *OperationResult, ref string) uuid.UUID {
	t.Helper()
	for _, ts := range res.Tasks {
		if ts.Ref == ref {
			return ts.ID
		}
	}
	t.Fatalf("no task with ref %q", ref)
	return uuid.Nil
}

func spec(ref, taskType string, deps ...string) TaskSpec {
	return TaskSpec{
		Ref:       ref,
		Type:      taskType,
		Payload:   json.RawMessage(`{"ref":"` + ref + `"}`),
		DependsOn: deps,
	}
}
