package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskforge/internal/events"
	"github.com/phrazzld/taskforge/internal/store"
)

// EngineConfig holds the tunables of an Engine.
type EngineConfig struct {
	// DefaultMaxAttempts applies to specs and templates that leave
	// MaxAttempts unset.
	DefaultMaxAttempts int

	// Retry computes backoff for transient failures.
	Retry RetryPolicy

	// ReservationTTL bounds how long an in-flight idempotency reservation
	// is honoured if its owner never commits or releases it.
	ReservationTTL time.Duration

	// ReservationWait is how long a duplicate submission waits for the
	// first one to finish before giving up with ErrIdempotencyInFlight.
	ReservationWait time.Duration

	// IdempotencyRetention is how long a committed key keeps resolving to
	// its operation.
	IdempotencyRetention time.Duration

	// ClaimRetries bounds extra claim rounds after losing every race.
	ClaimRetries int

	// ScanLimit bounds how many tasks one dispatch or recovery scan reads.
	ScanLimit int
}

// DefaultEngineConfig returns an EngineConfig with reasonable defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultMaxAttempts:   3,
		Retry:                DefaultRetryPolicy(),
		ReservationTTL:       30 * time.Second,
		ReservationWait:      30 * time.Second,
		IdempotencyRetention: 24 * time.Hour,
		ClaimRetries:         3,
		ScanLimit:            64,
	}
}

// Engine is the entry point for submitting work and for workers reporting on
// it. All state lives in the Store; an Engine may be shared by any number of
// goroutines, and several engines may share one Store.
type Engine struct {
	*lifecycle
	cfg        EngineConfig
	idem       IdempotencyCache
	queue      *ReadyQueue
	resolver   *Resolver
	dispatcher *Dispatcher
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithIdempotencyCache replaces the default in-memory cache.
func WithIdempotencyCache(c IdempotencyCache) EngineOption {
	return func(e *Engine) { e.idem = c }
}

// WithEventEmitter publishes lifecycle events to emitter.
func WithEventEmitter(emitter events.EventEmitter) EngineOption {
	return func(e *Engine) { e.emitter = emitter }
}

// WithMetrics records engine metrics.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithReadyQueue shares a wake-up queue with a WorkerPool.
func WithReadyQueue(q *ReadyQueue) EngineOption {
	return func(e *Engine) { e.queue = q }
}

// NewEngine creates an Engine over store.
func NewEngine(s Store, cfg EngineConfig, logger *slog.Logger, opts ...EngineOption) *Engine {
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 1
	}
	if cfg.ReservationWait <= 0 {
		cfg.ReservationWait = cfg.ReservationTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		lifecycle: &lifecycle{
			store:   s,
			emitter: events.NopEmitter{},
			metrics: NopMetrics{},
			now:     time.Now,
			logger:  logger.With("component", "task_engine"),
		},
		cfg:   cfg,
		idem:  NewMemoryIdempotencyCache(),
		queue: NewReadyQueue(64),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.resolver = newResolver(e.lifecycle, e.queue)
	e.dispatcher = newDispatcher(e.lifecycle, e.resolver, cfg.ScanLimit, cfg.ClaimRetries)
	return e
}

// ReadyQueue returns the queue the engine signals when tasks become ready.
func (e *Engine) ReadyQueue() *ReadyQueue {
	return e.queue
}

// Resolver exposes the dependency resolver.
func (e *Engine) Resolver() *Resolver {
	return e.resolver
}

// Dispatcher exposes the dispatcher.
func (e *Engine) Dispatcher() *Dispatcher {
	return e.dispatcher
}

// SubmitBatch validates and persists a batch of tasks as one operation.
//
// With a non-empty idempotencyKey, at most one operation is ever created for
// the key: concurrent and later submissions return the same operation with
// Replayed set, and their specs are ignored. The cache only coordinates
// concurrent submitters; the store's record of the key is authoritative, so
// a lost cache entry cannot lead to a second operation. A rejected batch
// leaves the key free for a corrected retry.
func (e *Engine) SubmitBatch(ctx context.Context, specs []TaskSpec, idempotencyKey string) (*OperationResult, error) {
	if idempotencyKey == "" {
		return e.submit(ctx, specs, "")
	}

	token := uuid.NewString()
	existing, err := e.reserve(ctx, idempotencyKey, token)
	if err != nil {
		return nil, err
	}
	if existing != uuid.Nil {
		return e.replay(ctx, idempotencyKey, existing)
	}

	// The cache may have forgotten a key the store still holds: an expired
	// or failed commit, or a restart with the in-process cache.
	prior, err := e.store.GetOperationByIdempotencyKey(ctx, idempotencyKey)
	switch {
	case err == nil:
		e.commitKey(ctx, idempotencyKey, token, prior.ID)
		return e.replay(ctx, idempotencyKey, prior.ID)
	case !store.IsNotFoundError(err):
		e.releaseKey(ctx, idempotencyKey, token)
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	res, err := e.submit(ctx, specs, idempotencyKey)
	if errors.Is(err, store.ErrIdempotencyKeyTaken) {
		// Another submitter created the operation after our reservation
		// lapsed.
		prior, lookupErr := e.store.GetOperationByIdempotencyKey(ctx, idempotencyKey)
		if lookupErr != nil {
			e.releaseKey(ctx, idempotencyKey, token)
			return nil, fmt.Errorf("failed to look up idempotency key: %w", lookupErr)
		}
		e.commitKey(ctx, idempotencyKey, token, prior.ID)
		return e.replay(ctx, idempotencyKey, prior.ID)
	}
	if err != nil {
		e.releaseKey(ctx, idempotencyKey, token)
		return nil, err
	}
	e.commitKey(ctx, idempotencyKey, token, res.OperationID)
	return res, nil
}

func (e *Engine) submit(ctx context.Context, specs []TaskSpec, idempotencyKey string) (*OperationResult, error) {
	op, p, err := e.create(ctx, specs, idempotencyKey)
	if err != nil {
		return nil, err
	}
	e.announce(ctx, op, p)

	status, err := e.GetOperationStatus(ctx, op.ID)
	if err != nil {
		return nil, err
	}
	return &OperationResult{OperationStatus: *status}, nil
}

func (e *Engine) replay(ctx context.Context, key string, operationID uuid.UUID) (*OperationResult, error) {
	status, err := e.GetOperationStatus(ctx, operationID)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("replayed idempotent submission",
		"idempotency_key", key,
		"operation_id", operationID)
	return &OperationResult{OperationStatus: *status, Replayed: true}, nil
}

// commitKey records operationID in the cache. A failure only costs later
// submitters the fast path, since the store already holds the key.
func (e *Engine) commitKey(ctx context.Context, key, token string, operationID uuid.UUID) {
	if err := e.idem.Commit(ctx, key, token, operationID, e.cfg.IdempotencyRetention); err != nil {
		e.logger.Warn("failed to cache idempotency key",
			"idempotency_key", key,
			"operation_id", operationID,
			"error", err)
	}
}

func (e *Engine) releaseKey(ctx context.Context, key, token string) {
	if err := e.idem.Release(ctx, key, token); err != nil {
		e.logger.Error("failed to release idempotency reservation",
			"idempotency_key", key,
			"error", err)
	}
}

// reserve returns uuid.Nil once the caller owns key, or the operation id a
// previous submission committed for it. The wait is measured on the wall
// clock, not the engine clock, since it paces real polling.
func (e *Engine) reserve(ctx context.Context, key, token string) (uuid.UUID, error) {
	deadline := time.Now().Add(e.cfg.ReservationWait)
	wait := 5 * time.Millisecond
	for {
		rec, reserved, err := e.idem.Reserve(ctx, key, token, e.cfg.ReservationTTL)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if reserved {
			return uuid.Nil, nil
		}
		if rec.Committed() {
			return rec.OperationID, nil
		}
		if !time.Now().Before(deadline) {
			return uuid.Nil, ErrIdempotencyInFlight
		}

		select {
		case <-ctx.Done():
			return uuid.Nil, ctx.Err()
		case <-time.After(wait):
		}
		if wait < 200*time.Millisecond {
			wait *= 2
		}
	}
}

func (e *Engine) create(ctx context.Context, specs []TaskSpec, key string) (*Operation, *batchPlan, error) {
	now := e.now()
	op := &Operation{
		ID:             uuid.New(),
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	p, err := e.resolver.plan(ctx, op, specs, e.cfg.DefaultMaxAttempts)
	if err != nil {
		return nil, nil, err
	}
	if err := e.store.CreateBatch(ctx, op, p.tasks); err != nil {
		return nil, nil, fmt.Errorf("failed to store operation: %w", err)
	}
	return op, p, nil
}

// announce publishes creation events and resolves dependencies on tasks from
// earlier submissions, which may already be terminal.
func (e *Engine) announce(ctx context.Context, op *Operation, p *batchPlan) {
	submitted := events.NewTaskEvent(events.KindOperationSubmitted, op.ID, uuid.Nil, op.CreatedAt)
	e.emit(ctx, submitted)
	for _, t := range p.tasks {
		e.metrics.TaskSubmitted(t.Type)
		event := events.NewTaskEvent(events.KindTaskTransition, op.ID, t.ID, t.CreatedAt)
		event.TaskType = t.Type
		event.To = string(t.Status)
		e.emit(ctx, event)
	}

	for _, id := range p.crossBatch {
		if err := e.resolver.Reevaluate(ctx, id); err != nil {
			e.logger.Error("failed to resolve cross-submission dependencies",
				"task_id", id,
				"error", err)
		}
	}
	e.queue.Notify(p.ready)

	e.logger.Info("operation submitted",
		"operation_id", op.ID,
		"task_count", len(p.tasks),
		"ready_count", p.ready)
}

// GetOperationStatus returns the aggregate status of an operation.
func (e *Engine) GetOperationStatus(ctx context.Context, operationID uuid.UUID) (*OperationStatus, error) {
	op, err := e.store.GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.store.ListByOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	states := make([]TaskState, 0, len(tasks))
	for _, t := range tasks {
		states = append(states, StateOf(t))
	}
	return &OperationStatus{
		OperationID: op.ID,
		Status:      Aggregate(op, tasks),
		Cancelled:   op.Cancelled,
		Tasks:       states,
	}, nil
}

// GetTaskStatus returns a snapshot of one task.
func (e *Engine) GetTaskStatus(ctx context.Context, taskID uuid.UUID) (*Task, error) {
	return e.store.Get(ctx, taskID)
}

// ClaimNext claims the next dispatchable task for workerID, or returns nil
// when there is none.
func (e *Engine) ClaimNext(ctx context.Context, workerID string) (*Task, error) {
	return e.dispatcher.ClaimNext(ctx, workerID)
}

// StartTask records that workerID began executing a claimed task. Starting a
// task the worker is already running is a no-op.
func (e *Engine) StartTask(ctx context.Context, taskID uuid.UUID, workerID string) (*Task, error) {
	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.ClaimedBy != workerID {
		return nil, &ConflictError{TaskID: t.ID, Status: t.Status, Reason: "not claimed by " + workerID}
	}
	if t.Status == StatusRunning {
		return t, nil
	}
	if t.Status != StatusClaimed {
		return nil, &ConflictError{TaskID: t.ID, Status: t.Status, Reason: "task is not claimed"}
	}

	ok, err := e.transition(ctx, t, StatusRunning, ExpectClaimant(workerID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ConflictError{TaskID: t.ID, Status: t.Status, Reason: "claim changed before start"}
	}
	return t, nil
}

// ReportOutcome applies a worker's result for a task it claimed: success
// completes the task, a transient failure schedules a retry or, with no
// attempts left, marks it dead, and a permanent failure fails it. Follow-ups
// are spawned and dependents re-evaluated by whichever caller wins the
// transition, so duplicate reports have no further effect.
func (e *Engine) ReportOutcome(ctx context.Context, taskID uuid.UUID, workerID string, outcome Outcome) (*Task, error) {
	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusClaimed && t.Status != StatusRunning {
		return nil, &ConflictError{TaskID: t.ID, Status: t.Status, Reason: "task is not in flight"}
	}
	if t.ClaimedBy != workerID {
		return nil, &ConflictError{TaskID: t.ID, Status: t.Status, Reason: "not claimed by " + workerID}
	}

	var (
		next    Status
		opts    = []TransitionOption{ExpectClaimant(workerID)}
		trigger Trigger
	)
	switch outcome.Kind {
	case OutcomeSuccess:
		next, trigger = StatusSucceeded, TriggerOnSuccess
		opts = append(opts, WithResult(outcome.Result), WithError(""))
	case OutcomePermanentFailure:
		next, trigger = StatusFailed, TriggerOnFailure
		opts = append(opts,
			WithAttemptCount(min(t.AttemptCount+1, t.MaxAttempts)),
			WithError(failureMessage(ErrPermanentFailure, outcome.Error)))
	case OutcomeTransientFailure:
		decision := e.cfg.Retry.Decide(t.AttemptCount, t.MaxAttempts)
		opts = append(opts, WithAttemptCount(decision.AttemptCount))
		if decision.Retry {
			next = StatusPending
			opts = append(opts,
				ClearClaimant(),
				WithScheduledAt(e.now().Add(decision.Delay)),
				WithError(failureMessage(ErrTransientFailure, outcome.Error)))
		} else {
			next, trigger = StatusDead, TriggerOnFailure
			opts = append(opts, WithError(failureMessage(ErrRetryExhausted, outcome.Error)))
		}
	default:
		return nil, NewValidationError(-1, "outcome", fmt.Sprintf("unknown outcome kind %q", outcome.Kind))
	}

	ok, err := e.transition(ctx, t, next, opts...)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ConflictError{TaskID: t.ID, Status: t.Status, Reason: "task changed while reporting outcome"}
	}

	if next == StatusPending {
		e.metrics.TaskRetried(t.Type)
		e.logger.Info("task scheduled for retry",
			"task_id", t.ID,
			"task_type", t.Type,
			"attempt", t.AttemptCount,
			"max_attempts", t.MaxAttempts,
			"scheduled_at", t.ScheduledAt)
		return t, nil
	}

	e.settle(ctx, t, trigger)
	return t, nil
}

// settle runs the side effects of a task reaching a terminal status.
func (e *Engine) settle(ctx context.Context, t *Task, trigger Trigger) {
	tmpl := t.OnSuccess
	if trigger == TriggerOnFailure {
		tmpl = t.OnFailure
	}
	if tmpl != nil {
		if err := e.spawn(ctx, t, trigger, tmpl); err != nil {
			e.logger.Error("failed to spawn follow-up task",
				"parent_id", t.ID,
				"trigger", trigger,
				"error", err)
		}
	}
	if err := e.resolver.OnTerminal(ctx, t.ID); err != nil {
		e.logger.Error("failed to resolve dependents",
			"task_id", t.ID,
			"error", err)
	}
}

func (e *Engine) spawn(ctx context.Context, parent *Task, trigger Trigger, tmpl *Template) error {
	now := e.now()
	child := &Task{
		ID:          uuid.New(),
		OperationID: parent.OperationID,
		Ref:         parent.Ref + "." + string(trigger),
		Type:        tmpl.Type,
		Payload:     tmpl.Payload,
		Status:      StatusReady,
		MaxAttempts: tmpl.MaxAttempts,
		ParentID:    parent.ID,
		Trigger:     trigger,
		CreatedAt:   now,
		UpdatedAt:   now,
		ScheduledAt: now,
	}
	if child.MaxAttempts <= 0 {
		child.MaxAttempts = e.cfg.DefaultMaxAttempts
	}

	if err := e.store.Create(ctx, child); err != nil {
		if store.IsDuplicateError(err) {
			e.logger.Debug("follow-up already spawned",
				"parent_id", parent.ID,
				"trigger", trigger)
			return nil
		}
		return err
	}

	event := events.NewTaskEvent(events.KindTaskSpawned, child.OperationID, child.ID, now)
	event.TaskType = child.Type
	event.To = string(child.Status)
	e.emit(ctx, event)
	e.metrics.TaskSubmitted(child.Type)
	e.queue.Notify(1)
	return nil
}

// CancelOperation stops tasks of the operation that have not been dispatched
// yet. Claimed and running tasks finish normally.
func (e *Engine) CancelOperation(ctx context.Context, operationID uuid.UUID) (*OperationStatus, error) {
	op, err := e.store.GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if !op.Cancelled {
		if err := e.store.CancelOperation(ctx, operationID); err != nil {
			return nil, err
		}
		e.emit(ctx, events.NewTaskEvent(events.KindOperationCancelled, operationID, uuid.Nil, e.now()))
		e.logger.Info("operation cancelled", "operation_id", operationID)

		// Blocked tasks only move when a dependency settles, which may
		// never happen if their dependencies are cancelled too.
		if err := e.failBlocked(ctx, operationID); err != nil {
			return nil, err
		}
		e.queue.Notify(1)
	}
	return e.GetOperationStatus(ctx, operationID)
}

func (e *Engine) failBlocked(ctx context.Context, operationID uuid.UUID) error {
	tasks, err := e.store.ListByOperation(ctx, operationID)
	if err != nil {
		return err
	}
	var errs []error
	for _, t := range tasks {
		if t.Status == StatusBlocked {
			errs = append(errs, e.resolver.Reevaluate(ctx, t.ID))
		}
	}
	return errors.Join(errs...)
}

// RecoverStale fails claims that have not changed for longer than olderThan,
// as if their worker had reported a transient failure. It returns how many
// tasks it recovered.
func (e *Engine) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := e.now().Add(-olderThan)
	recovered := 0
	for _, status := range []Status{StatusClaimed, StatusRunning} {
		tasks, err := e.store.ListByStatus(ctx, status, 0)
		if err != nil {
			return recovered, fmt.Errorf("failed to list %s tasks: %w", status, err)
		}
		for _, t := range tasks {
			if t.UpdatedAt.After(cutoff) {
				continue
			}
			_, err := e.ReportOutcome(ctx, t.ID, t.ClaimedBy, TransientFailure(ErrClaimExpired))
			if errors.Is(err, ErrConflict) {
				continue
			}
			if err != nil {
				return recovered, fmt.Errorf("failed to recover task %s: %w", t.ID, err)
			}
			recovered++
			e.logger.Warn("recovered stale task claim",
				"task_id", t.ID,
				"task_type", t.Type,
				"worker_id", t.ClaimedBy,
				"claimed_since", t.UpdatedAt)
		}
	}
	return recovered, nil
}

func failureMessage(kind error, detail string) string {
	if detail == "" {
		return kind.Error()
	}
	return kind.Error() + ": " + detail
}
