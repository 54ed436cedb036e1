package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Coordinator is the part of the Engine a worker talks to.
type Coordinator interface {
	ClaimNext(ctx context.Context, workerID string) (*Task, error)
	StartTask(ctx context.Context, taskID uuid.UUID, workerID string) (*Task, error)
	ReportOutcome(ctx context.Context, taskID uuid.UUID, workerID string, outcome Outcome) (*Task, error)
}

// reportTimeout bounds the store calls that bracket a handler run.
const reportTimeout = 10 * time.Second

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// WorkerCount determines how many concurrent worker goroutines to start
	// If zero or negative, defaults to 1
	WorkerCount int

	// PollInterval is how long an idle worker waits before trying to claim
	// again when it has not been woken by the ready queue
	PollInterval time.Duration

	// ExecutionTimeout bounds a single handler invocation
	ExecutionTimeout time.Duration

	// WorkerPrefix is prepended to worker ids, usually the host name
	WorkerPrefix string
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount:      2,
		PollInterval:     500 * time.Millisecond,
		ExecutionTimeout: time.Minute,
		WorkerPrefix:     "worker",
	}
}

// WorkerPool runs worker goroutines that claim tasks, execute the registered
// handler and report the outcome.
type WorkerPool struct {
	coordinator Coordinator
	registry    *Registry
	queue       *ReadyQueue
	config      WorkerPoolConfig
	metrics     Metrics

	// wg tracks active worker goroutines for clean shutdown
	wg sync.WaitGroup

	// ctx is used for cancellation and shutdown signaling
	ctx    context.Context
	cancel context.CancelFunc

	logger *slog.Logger
}

// NewWorkerPool creates a new worker pool with the specified configuration
func NewWorkerPool(
	coordinator Coordinator,
	registry *Registry,
	queue *ReadyQueue,
	config WorkerPoolConfig,
	logger *slog.Logger,
) *WorkerPool {
	if config.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
		config.WorkerCount = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultWorkerPoolConfig().PollInterval
	}
	if config.WorkerPrefix == "" {
		config.WorkerPrefix = DefaultWorkerPoolConfig().WorkerPrefix
	}
	if queue == nil {
		queue = NewReadyQueue(config.WorkerCount)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		coordinator: coordinator,
		registry:    registry,
		queue:       queue,
		config:      config,
		metrics:     NopMetrics{},
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.With("component", "worker_pool"),
	}
}

// SetMetrics records handler timings to m.
func (p *WorkerPool) SetMetrics(m Metrics) {
	p.metrics = m
}

// Start launches the worker goroutines.
func (p *WorkerPool) Start() {
	p.logger.Info("starting worker pool", "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-%d", p.config.WorkerPrefix, i)
		p.wg.Add(1)
		go p.worker(workerID)
	}
}

// Stop cancels in-flight handlers and waits for every worker to exit.
// Interrupted tasks are reported as transient failures.
func (p *WorkerPool) Stop() {
	p.logger.Info("stopping worker pool")
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *WorkerPool) worker(workerID string) {
	defer p.wg.Done()

	log := p.logger.With("worker_id", workerID)
	log.Debug("starting worker")

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		if p.ctx.Err() != nil {
			log.Debug("stopping worker")
			return
		}

		t, err := p.coordinator.ClaimNext(p.ctx, workerID)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("failed to claim task", "error", err)
		}
		if t != nil {
			p.process(log, workerID, t)
			continue
		}

		select {
		case <-p.ctx.Done():
			log.Debug("stopping worker")
			return
		case <-p.queue.Wait():
		case <-ticker.C:
		}
	}
}

// process runs one claimed task to an outcome and reports it.
func (p *WorkerPool) process(log *slog.Logger, workerID string, t *Task) {
	log = log.With("task_id", t.ID, "task_type", t.Type, "attempt", t.AttemptCount+1)

	// A claim already won is started even when Stop races with it, so the
	// task does not sit in claimed until stale-claim recovery.
	startCtx, cancelStart := context.WithTimeout(context.Background(), reportTimeout)
	_, err := p.coordinator.StartTask(startCtx, t.ID, workerID)
	cancelStart()
	if err != nil {
		log.Warn("failed to start claimed task", "error", err)
		return
	}

	var outcome Outcome
	handler, lookupErr := p.registry.Lookup(t.Type)
	if lookupErr != nil {
		outcome = PermanentFailure(lookupErr)
	} else {
		started := time.Now()
		outcome = p.execute(t, handler)
		p.metrics.HandlerCompleted(t.Type, outcome.Kind, time.Since(started))
	}

	// The outcome is reported even while shutting down so that interrupted
	// tasks go back to pending instead of waiting for stale-claim recovery.
	reportCtx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if _, err := p.coordinator.ReportOutcome(reportCtx, t.ID, workerID, outcome); err != nil {
		log.Error("failed to report task outcome", "outcome", outcome.Kind, "error", err)
		return
	}

	if outcome.Kind == OutcomeSuccess {
		log.Debug("task succeeded")
	} else {
		log.Warn("task attempt failed", "outcome", outcome.Kind, "error", outcome.Error)
	}
}

type handlerResult struct {
	result json.RawMessage
	err    error
}

// execute calls the handler under the execution timeout. A handler that
// ignores its context is abandoned when the deadline passes.
func (p *WorkerPool) execute(t *Task, handler Handler) Outcome {
	ctx := p.ctx
	var cancel context.CancelFunc
	if p.config.ExecutionTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.config.ExecutionTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	ctx = WithTask(ctx, t)

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("task handler panicked",
					"task_id", t.ID,
					"task_type", t.Type,
					"panic", r,
					"stack", string(debug.Stack()))
				done <- handlerResult{err: Permanent(fmt.Errorf("%w: %v", ErrHandlerPanic, r))}
			}
		}()
		result, err := handler.Execute(ctx, t.Payload)
		done <- handlerResult{result: result, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return TransientFailure(fmt.Errorf("%w after %s", ErrExecutionTimeout, p.config.ExecutionTimeout))
		}
		return OutcomeFor(res.result, res.err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return TransientFailure(fmt.Errorf("%w after %s", ErrExecutionTimeout, p.config.ExecutionTimeout))
		}
		return TransientFailure(fmt.Errorf("task interrupted: %w", ctx.Err()))
	}
}

type taskContextKey struct{}

// WithTask returns a context carrying the task being executed.
func WithTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskContextKey{}, t)
}

// TaskFromContext returns the task a handler is executing, if any.
func TaskFromContext(ctx context.Context) (*Task, bool) {
	t, ok := ctx.Value(taskContextKey{}).(*Task)
	return t, ok
}
