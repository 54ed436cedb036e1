package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TaskRunnerConfig holds configuration for the task runner
type TaskRunnerConfig struct {
	// Pool configures the worker pool
	Pool WorkerPoolConfig

	// StaleClaimAge defines how long a task may stay claimed or running
	// without progress before its claim is treated as a transient failure
	StaleClaimAge time.Duration

	// StaleClaimInterval defines how often to check for stale claims
	// If zero, defaults to 1 minute
	StaleClaimInterval time.Duration
}

// DefaultTaskRunnerConfig returns a TaskRunnerConfig with reasonable defaults
func DefaultTaskRunnerConfig() TaskRunnerConfig {
	return TaskRunnerConfig{
		Pool:               DefaultWorkerPoolConfig(),
		StaleClaimAge:      15 * time.Minute,
		StaleClaimInterval: time.Minute,
	}
}

// TaskRunner manages background task processing for one process: the worker
// pool plus the housekeeping loop that recovers abandoned claims.
type TaskRunner struct {
	engine     *Engine
	pool       *WorkerPool
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	config     TaskRunnerConfig
	logger     *slog.Logger
}

// NewTaskRunner creates a new TaskRunner
func NewTaskRunner(engine *Engine, registry *Registry, config TaskRunnerConfig, logger *slog.Logger) *TaskRunner {
	if config.StaleClaimInterval <= 0 {
		config.StaleClaimInterval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &TaskRunner{
		engine:     engine,
		pool:       NewWorkerPool(engine, registry, engine.ReadyQueue(), config.Pool, logger),
		ctx:        ctx,
		cancelFunc: cancel,
		config:     config,
		logger:     logger.With("component", "task_runner"),
	}
}

// Pool returns the runner's worker pool.
func (r *TaskRunner) Pool() *WorkerPool {
	return r.pool
}

// Start recovers work left behind by a previous process and starts the
// workers and the stale-claim monitor.
func (r *TaskRunner) Start() error {
	if err := r.Recover(r.ctx); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	r.pool.Start()

	if r.config.StaleClaimAge > 0 {
		r.wg.Add(1)
		go r.staleClaimMonitor()
	}
	return nil
}

// Stop gracefully shuts down the task runner
func (r *TaskRunner) Stop() {
	r.cancelFunc()
	r.pool.Stop()
	r.wg.Wait()
}

// Recover promotes retries that came due while no process was running and
// releases claims that went stale.
func (r *TaskRunner) Recover(ctx context.Context) error {
	promoted, err := r.engine.Dispatcher().PromoteDue(ctx)
	if err != nil {
		return err
	}

	recovered := 0
	if r.config.StaleClaimAge > 0 {
		recovered, err = r.engine.RecoverStale(ctx, r.config.StaleClaimAge)
		if err != nil {
			return err
		}
	}

	r.logger.Info("recovered unfinished tasks",
		"promoted_count", promoted,
		"stale_claim_count", recovered)
	return nil
}

// staleClaimMonitor periodically checks for tasks whose claim has not
// progressed within StaleClaimAge and hands them back for retry
func (r *TaskRunner) staleClaimMonitor() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.StaleClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return

		case <-ticker.C:
			recovered, err := r.engine.RecoverStale(r.ctx, r.config.StaleClaimAge)
			if err != nil {
				r.logger.Error("failed to recover stale claims", "error", err)
				continue
			}
			if recovered > 0 {
				r.logger.Info("recovered stale claims", "count", recovered)
				r.engine.ReadyQueue().Notify(recovered)
			}
		}
	}
}
