package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phrazzld/taskforge/internal/store"
)

// Resolver owns the dependency graph. It validates and orders new batches,
// and moves blocked tasks forward (to ready or failed) whenever one of their
// dependencies reaches a terminal status.
type Resolver struct {
	*lifecycle
	queue    *ReadyQueue
	validate *validator.Validate
}

func newResolver(l *lifecycle, queue *ReadyQueue) *Resolver {
	return &Resolver{
		lifecycle: l,
		queue:     queue,
		validate:  validator.New(),
	}
}

// batchPlan is a validated batch ready to be persisted.
type batchPlan struct {
	tasks []*Task
	// crossBatch holds tasks that depend on previously submitted tasks and
	// must be re-evaluated once the batch is stored.
	crossBatch []uuid.UUID
	ready      int
}

// plan validates specs and builds the tasks of op. Nothing is persisted.
func (r *Resolver) plan(ctx context.Context, op *Operation, specs []TaskSpec, defaultMaxAttempts int) (*batchPlan, error) {
	if len(specs) == 0 {
		return nil, NewValidationError(-1, "tasks", "at least one task is required")
	}

	refs := make(map[string]int, len(specs))
	for i := range specs {
		if err := r.validateSpec(i, &specs[i]); err != nil {
			return nil, err
		}
		ref := specs[i].Ref
		if ref == "" {
			ref = "#" + strconv.Itoa(i)
		}
		if _, dup := refs[ref]; dup {
			return nil, NewValidationError(i, "ref", fmt.Sprintf("duplicate ref %q", ref))
		}
		refs[ref] = i
	}

	// Resolve edges. Internal edges point at batch indexes, external ones at
	// already persisted tasks.
	internal := make([][]int, len(specs))
	external := make([][]uuid.UUID, len(specs))
	for i, spec := range specs {
		for _, dep := range spec.DependsOn {
			if j, ok := refs[dep]; ok {
				if j == i {
					return nil, NewValidationError(i, "depends_on", "a task cannot depend on itself")
				}
				if !slices.Contains(internal[i], j) {
					internal[i] = append(internal[i], j)
				}
				continue
			}
			id, err := uuid.Parse(dep)
			if err != nil {
				return nil, NewValidationError(i, "depends_on", fmt.Sprintf("unknown task reference %q", dep))
			}
			if _, err := r.store.Get(ctx, id); err != nil {
				if store.IsNotFoundError(err) {
					return nil, NewValidationError(i, "depends_on", fmt.Sprintf("unknown task %s", id))
				}
				return nil, fmt.Errorf("failed to load dependency %s: %w", id, err)
			}
			if !slices.Contains(external[i], id) {
				external[i] = append(external[i], id)
			}
		}
	}

	if cycle := findCycle(specs, refs, internal); cycle != nil {
		return nil, cycle
	}

	now := r.now()
	ids := make([]uuid.UUID, len(specs))
	for i := range specs {
		ids[i] = uuid.New()
	}

	p := &batchPlan{tasks: make([]*Task, 0, len(specs))}
	for i, spec := range specs {
		t := &Task{
			ID:             ids[i],
			OperationID:    op.ID,
			Ref:            spec.Ref,
			Type:           spec.Type,
			Payload:        spec.Payload,
			OnSuccess:      spec.OnSuccess,
			OnFailure:      spec.OnFailure,
			MaxAttempts:    spec.MaxAttempts,
			IdempotencyKey: op.IdempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
			ScheduledAt:    now,
		}
		if t.Ref == "" {
			t.Ref = "#" + strconv.Itoa(i)
		}
		if t.MaxAttempts <= 0 {
			t.MaxAttempts = defaultMaxAttempts
		}
		if spec.ScheduledAt != nil && spec.ScheduledAt.After(now) {
			t.ScheduledAt = *spec.ScheduledAt
		}
		for _, j := range internal[i] {
			t.DependsOn = append(t.DependsOn, ids[j])
		}
		t.DependsOn = append(t.DependsOn, external[i]...)

		switch {
		case len(t.DependsOn) > 0:
			t.Status = StatusBlocked
		case t.ScheduledAt.After(now):
			t.Status = StatusPending
		default:
			t.Status = StatusReady
			p.ready++
		}
		if len(external[i]) > 0 {
			p.crossBatch = append(p.crossBatch, t.ID)
		}
		p.tasks = append(p.tasks, t)
	}
	return p, nil
}

func (r *Resolver) validateSpec(i int, spec *TaskSpec) error {
	if err := r.validate.Struct(spec); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			field := strings.TrimPrefix(fe.Namespace(), "TaskSpec.")
			return NewValidationError(i, field, fmt.Sprintf("failed %q validation", fe.Tag()))
		}
		return NewValidationError(i, "spec", err.Error())
	}
	// Templates were validated with the TaskSpec; only their payloads remain.
	if err := validatePayload(spec.Payload); err != nil {
		return NewValidationError(i, "payload", err.Error())
	}
	for _, tmpl := range []struct {
		field string
		t     *Template
	}{{"on_success", spec.OnSuccess}, {"on_failure", spec.OnFailure}} {
		if tmpl.t == nil {
			continue
		}
		if err := validatePayload(tmpl.t.Payload); err != nil {
			return NewValidationError(i, tmpl.field+".payload", err.Error())
		}
	}
	return nil
}

func validatePayload(payload json.RawMessage) error {
	if len(payload) > 0 && !json.Valid(payload) {
		return errors.New("payload must be valid JSON")
	}
	return nil
}

// findCycle runs Kahn's algorithm over the batch's internal edges. Any task
// left unsorted is on a cycle or downstream of one.
func findCycle(specs []TaskSpec, refs map[string]int, deps [][]int) *DependencyCycleError {
	indegree := make([]int, len(specs))
	dependents := make([][]int, len(specs))
	for i, edges := range deps {
		indegree[i] = len(edges)
		for _, j := range edges {
			dependents[j] = append(dependents[j], i)
		}
	}

	queue := make([]int, 0, len(specs))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	sorted := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		sorted++
		for _, k := range dependents[i] {
			indegree[k]--
			if indegree[k] == 0 {
				queue = append(queue, k)
			}
		}
	}
	if sorted == len(specs) {
		return nil
	}

	names := make([]string, len(specs))
	for ref, i := range refs {
		names[i] = ref
	}
	var stuck []string
	for i, d := range indegree {
		if d > 0 {
			stuck = append(stuck, names[i])
		}
	}
	slices.Sort(stuck)
	return &DependencyCycleError{Refs: stuck}
}

// OnTerminal re-evaluates every task that depends on id. Call it after id
// reached a terminal status.
func (r *Resolver) OnTerminal(ctx context.Context, id uuid.UUID) error {
	dependents, err := r.store.ListDependents(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list dependents of %s: %w", id, err)
	}
	var errs []error
	for _, dep := range dependents {
		if err := r.Reevaluate(ctx, dep); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reevaluate checks a blocked task's dependencies. It moves the task to ready
// once all of them succeeded, or to failed as soon as one of them failed or
// died, cascading to the task's own dependents. Tasks that are not blocked are
// left alone, so calling it repeatedly is safe.
func (r *Resolver) Reevaluate(ctx context.Context, id uuid.UUID) error {
	t, err := r.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", id, err)
	}
	if t.Status != StatusBlocked {
		return nil
	}

	op, err := r.store.GetOperation(ctx, t.OperationID)
	if err != nil {
		return fmt.Errorf("failed to load operation %s: %w", t.OperationID, err)
	}
	if op.Cancelled {
		return r.fail(ctx, t, ErrOperationCancelled.Error())
	}

	waiting := false
	for _, depID := range t.DependsOn {
		dep, err := r.store.Get(ctx, depID)
		if err != nil {
			return fmt.Errorf("failed to load dependency %s: %w", depID, err)
		}
		switch {
		case dep.Status == StatusSucceeded:
		case dep.Status.IsFailure():
			msg := fmt.Sprintf("%s: %s (%s) is %s", ErrDependencyFailed, dep.Ref, dep.ID, dep.Status)
			return r.fail(ctx, t, msg)
		default:
			waiting = true
		}
	}
	if waiting {
		return nil
	}

	ok, err := r.transition(ctx, t, StatusReady, WithScheduledAt(latest(t.ScheduledAt, r.now())))
	if err != nil {
		return fmt.Errorf("failed to unblock task %s: %w", id, err)
	}
	if ok {
		r.queue.Notify(1)
	}
	return nil
}

func (r *Resolver) fail(ctx context.Context, t *Task, reason string) error {
	ok, err := r.transition(ctx, t, StatusFailed, WithError(reason))
	if err != nil {
		return fmt.Errorf("failed to fail task %s: %w", t.ID, err)
	}
	if !ok {
		return nil
	}
	return r.OnTerminal(ctx, t.ID)
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
