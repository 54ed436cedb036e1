package metrics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/phrazzld/taskforge/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Counters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.TaskSubmitted("email")
	r.TaskSubmitted("email")
	r.TaskDispatched("email", 30*time.Millisecond)
	r.TaskDispatched("email", -time.Second)
	r.TaskRetried("email")
	r.TaskFinished("email", task.StatusDead)
	r.HandlerCompleted("email", task.OutcomeTransientFailure, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.submitted.WithLabelValues("email")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.dispatched.WithLabelValues("email")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.retried.WithLabelValues("email")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.finished.WithLabelValues("email", "dead")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.finished.WithLabelValues("email", "succeeded")))

	count, err := testutil.GatherAndCount(reg, "taskforge_handler_duration_seconds", "taskforge_task_dispatch_wait_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRecorder_RegistersOnce(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	NewRecorder(reg)
	assert.Panics(t, func() { NewRecorder(reg) }, "duplicate registration must fail loudly")
}

func TestRecorder_WiredIntoEngine(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	engine := task.NewEngine(task.NewMemoryStore(), task.DefaultEngineConfig(), nil, task.WithMetrics(r))
	ctx := context.Background()

	res, err := engine.SubmitBatch(ctx, []task.TaskSpec{{Ref: "a", Type: "resize"}}, "")
	require.NoError(t, err)
	claimed, err := engine.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = engine.ReportOutcome(ctx, res.Tasks[0].ID, "w1", task.Success(json.RawMessage(`{}`)))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.submitted.WithLabelValues("resize")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.dispatched.WithLabelValues("resize")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.finished.WithLabelValues("resize", "succeeded")))
}
