package task

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskforge/internal/events"
	"github.com/phrazzld/taskforge/internal/store"
)

// Dispatcher hands ready tasks to workers. Claims are decided by the Store's
// compare-and-set, so any number of dispatchers and workers may run
// concurrently and each task is claimed at most once.
type Dispatcher struct {
	*lifecycle
	resolver *Resolver

	// scanLimit bounds how many candidates one claim round inspects.
	scanLimit int
	// claimRetries is how many extra rounds to try after every candidate of a
	// round was taken by another worker.
	claimRetries int
	// retryDelay is the base pause between rounds, jittered per round.
	retryDelay time.Duration
}

func newDispatcher(l *lifecycle, resolver *Resolver, scanLimit, claimRetries int) *Dispatcher {
	if scanLimit <= 0 {
		scanLimit = 64
	}
	if claimRetries < 0 {
		claimRetries = 0
	}
	return &Dispatcher{
		lifecycle:    l,
		resolver:     resolver,
		scanLimit:    scanLimit,
		claimRetries: claimRetries,
		retryDelay:   5 * time.Millisecond,
	}
}

// PromoteDue moves pending tasks whose ScheduledAt has passed to ready and
// returns how many it promoted.
func (d *Dispatcher) PromoteDue(ctx context.Context) (int, error) {
	pending, err := d.store.ListByStatus(ctx, StatusPending, d.scanLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	now := d.now()
	promoted := 0
	for _, t := range pending {
		if t.ScheduledAt.After(now) {
			break
		}
		ok, err := d.transition(ctx, t, StatusReady)
		if err != nil {
			return promoted, fmt.Errorf("failed to promote task %s: %w", t.ID, err)
		}
		if ok {
			promoted++
		}
	}
	return promoted, nil
}

// ClaimNext claims the oldest dispatchable ready task for workerID. It returns
// nil with no error when nothing is dispatchable.
func (d *Dispatcher) ClaimNext(ctx context.Context, workerID string) (*Task, error) {
	if workerID == "" {
		return nil, NewValidationError(-1, "worker_id", "worker id is required")
	}
	if _, err := d.PromoteDue(ctx); err != nil {
		return nil, err
	}

	for round := 0; ; round++ {
		claimed, lost, err := d.claimRound(ctx, workerID)
		if err != nil || claimed != nil {
			return claimed, err
		}
		if lost == 0 || round >= d.claimRetries {
			return nil, nil
		}

		pause := d.retryDelay + time.Duration(rand.Int64N(int64(d.retryDelay)+1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pause):
		}
	}
}

// claimRound scans one page of ready tasks. lost counts candidates that
// another worker claimed first.
func (d *Dispatcher) claimRound(ctx context.Context, workerID string) (*Task, int, error) {
	candidates, err := d.store.ListByStatus(ctx, StatusReady, d.scanLimit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list ready tasks: %w", err)
	}

	now := d.now()
	cancelled := make(map[uuid.UUID]bool)
	lost := 0
	for _, t := range candidates {
		if t.ScheduledAt.After(now) {
			break
		}

		isCancelled, seen := cancelled[t.OperationID]
		if !seen {
			op, err := d.store.GetOperation(ctx, t.OperationID)
			if err != nil {
				return nil, lost, fmt.Errorf("failed to load operation %s: %w", t.OperationID, err)
			}
			isCancelled = op.Cancelled
			cancelled[t.OperationID] = isCancelled
		}
		if isCancelled {
			if err := d.skipCancelled(ctx, t); err != nil {
				return nil, lost, err
			}
			continue
		}

		satisfied, err := d.dependenciesSucceeded(ctx, t)
		if err != nil {
			return nil, lost, err
		}
		if !satisfied {
			d.logger.Warn("ready task has unfinished dependencies, skipping",
				"task_id", t.ID,
				"task_type", t.Type)
			continue
		}

		readySince := t.UpdatedAt
		ok, err := d.transition(ctx, t, StatusClaimed, WithClaimant(workerID))
		if err != nil {
			return nil, lost, fmt.Errorf("failed to claim task %s: %w", t.ID, err)
		}
		if !ok {
			lost++
			continue
		}

		d.metrics.TaskDispatched(t.Type, now.Sub(latest(readySince, t.ScheduledAt)))
		event := events.NewTaskEvent(events.KindTaskDispatched, t.OperationID, t.ID, t.UpdatedAt)
		event.TaskType = t.Type
		event.Attempt = t.AttemptCount
		event.WorkerID = workerID
		d.emit(ctx, event)
		return t, lost, nil
	}
	return nil, lost, nil
}

func (d *Dispatcher) skipCancelled(ctx context.Context, t *Task) error {
	ok, err := d.transition(ctx, t, StatusFailed, WithError(ErrOperationCancelled.Error()))
	if err != nil {
		return fmt.Errorf("failed to skip cancelled task %s: %w", t.ID, err)
	}
	if !ok {
		return nil
	}
	return d.resolver.OnTerminal(ctx, t.ID)
}

func (d *Dispatcher) dependenciesSucceeded(ctx context.Context, t *Task) (bool, error) {
	for _, id := range t.DependsOn {
		dep, err := d.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("failed to load dependency %s: %w", id, err)
		}
		if dep.Status != StatusSucceeded {
			return false, nil
		}
	}
	return true, nil
}
