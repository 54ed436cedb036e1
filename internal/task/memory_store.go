package task

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskforge/internal/store"
)

type followUpKey struct {
	parent  uuid.UUID
	trigger Trigger
}

// MemoryStore is a Store backed by process memory. It is used by tests and by
// single-process deployments that run without a database.
type MemoryStore struct {
	mu         sync.RWMutex
	tasks      map[uuid.UUID]*Task
	operations map[uuid.UUID]*Operation
	byKey      map[string]uuid.UUID
	dependents map[uuid.UUID][]uuid.UUID
	followUps  map[followUpKey]uuid.UUID
	sequence   int64
	now        func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[uuid.UUID]*Task),
		operations: make(map[uuid.UUID]*Operation),
		byKey:      make(map[string]uuid.UUID),
		dependents: make(map[uuid.UUID][]uuid.UUID),
		followUps:  make(map[followUpKey]uuid.UUID),
		now:        time.Now,
	}
}

// CreateBatch implements Store.
func (s *MemoryStore) CreateBatch(ctx context.Context, op *Operation, tasks []*Task) error {
	if op == nil {
		return fmt.Errorf("%w: operation is required", store.ErrInvalidEntity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.operations[op.ID]; exists {
		return fmt.Errorf("operation %s: %w", op.ID, store.ErrDuplicate)
	}
	if op.IdempotencyKey != "" {
		if _, taken := s.byKey[op.IdempotencyKey]; taken {
			return fmt.Errorf("%w: %q", store.ErrIdempotencyKeyTaken, op.IdempotencyKey)
		}
	}
	seen := make(map[uuid.UUID]struct{}, len(tasks))
	for _, t := range tasks {
		if err := s.checkInsertLocked(t); err != nil {
			return err
		}
		if t.OperationID != op.ID {
			return fmt.Errorf("%w: task %s belongs to operation %s", store.ErrInvalidEntity, t.ID, t.OperationID)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("task %s: %w", t.ID, store.ErrDuplicate)
		}
		seen[t.ID] = struct{}{}
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			_, inBatch := seen[dep]
			if _, persisted := s.tasks[dep]; !inBatch && !persisted {
				return fmt.Errorf("%w: dependency %s of task %s", store.ErrTaskNotFound, dep, t.ID)
			}
		}
	}

	stored := *op
	s.operations[op.ID] = &stored
	if op.IdempotencyKey != "" {
		s.byKey[op.IdempotencyKey] = op.ID
	}
	for _, t := range tasks {
		s.insertLocked(t)
	}
	return nil
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.operations[t.OperationID]; !ok {
		return store.ErrOperationNotFound
	}
	if err := s.checkInsertLocked(t); err != nil {
		return err
	}
	for _, dep := range t.DependsOn {
		if _, ok := s.tasks[dep]; !ok {
			return fmt.Errorf("%w: dependency %s of task %s", store.ErrTaskNotFound, dep, t.ID)
		}
	}
	s.insertLocked(t)
	return nil
}

func (s *MemoryStore) checkInsertLocked(t *Task) error {
	if t == nil || t.ID == uuid.Nil {
		return fmt.Errorf("%w: task id is required", store.ErrInvalidEntity)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", store.ErrInvalidEntity, t.Status)
	}
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s: %w", t.ID, store.ErrDuplicate)
	}
	if t.IsFollowUp() {
		if _, exists := s.followUps[followUpKey{t.ParentID, t.Trigger}]; exists {
			return fmt.Errorf("%s follow-up of %s: %w", t.Trigger, t.ParentID, store.ErrDuplicate)
		}
	}
	return nil
}

// insertLocked stores a copy of t and writes the assigned sequence back.
func (s *MemoryStore) insertLocked(t *Task) {
	s.sequence++
	t.Sequence = s.sequence
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = t.CreatedAt
	}
	s.tasks[t.ID] = t.Clone()
	for _, dep := range t.DependsOn {
		s.dependents[dep] = append(s.dependents[dep], t.ID)
	}
	if t.IsFollowUp() {
		s.followUps[followUpKey{t.ParentID, t.Trigger}] = t.ID
	}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return t.Clone(), nil
}

// CompareAndSetStatus implements Store.
func (s *MemoryStore) CompareAndSetStatus(
	ctx context.Context,
	id uuid.UUID,
	expected, next Status,
	opts ...TransitionOption,
) (bool, error) {
	if !CanTransition(expected, next) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	tr := NewTransition(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	if t.Status != expected {
		return false, nil
	}
	if tr.ExpectClaimant != nil && t.ClaimedBy != *tr.ExpectClaimant {
		return false, nil
	}

	t.Status = next
	if tr.ClaimedBy != nil {
		t.ClaimedBy = *tr.ClaimedBy
	}
	if tr.AttemptCount != nil {
		t.AttemptCount = *tr.AttemptCount
	}
	if tr.ScheduledAt != nil {
		t.ScheduledAt = *tr.ScheduledAt
	}
	if tr.Result != nil {
		t.Result = slices.Clone(tr.Result)
	}
	if tr.Error != nil {
		t.Error = *tr.Error
	}
	if tr.At.IsZero() {
		t.UpdatedAt = s.now()
	} else {
		t.UpdatedAt = tr.At
	}
	return true, nil
}

// ListByStatus implements Store.
func (s *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Task, error) {
	s.mu.RLock()
	matches := make([]*Task, 0)
	for _, t := range s.tasks {
		if t.Status == status {
			matches = append(matches, t.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(matches, func(a, b *Task) int {
		if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
			return c
		}
		return compareSequence(a, b)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// ListDependents implements Store.
func (s *MemoryStore) ListDependents(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.dependents[id]), nil
}

// ListByOperation implements Store.
func (s *MemoryStore) ListByOperation(ctx context.Context, operationID uuid.UUID) ([]*Task, error) {
	s.mu.RLock()
	if _, ok := s.operations[operationID]; !ok {
		s.mu.RUnlock()
		return nil, store.ErrOperationNotFound
	}
	tasks := make([]*Task, 0)
	for _, t := range s.tasks {
		if t.OperationID == operationID {
			tasks = append(tasks, t.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(tasks, compareSequence)
	return tasks, nil
}

// GetOperation implements Store.
func (s *MemoryStore) GetOperation(ctx context.Context, id uuid.UUID) (*Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.operations[id]
	if !ok {
		return nil, store.ErrOperationNotFound
	}
	c := *op
	return &c, nil
}

// GetOperationByIdempotencyKey implements Store.
func (s *MemoryStore) GetOperationByIdempotencyKey(ctx context.Context, key string) (*Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok || key == "" {
		return nil, store.ErrOperationNotFound
	}
	c := *s.operations[id]
	return &c, nil
}

// CancelOperation implements Store.
func (s *MemoryStore) CancelOperation(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.operations[id]
	if !ok {
		return store.ErrOperationNotFound
	}
	if !op.Cancelled {
		op.Cancelled = true
		op.UpdatedAt = s.now()
	}
	return nil
}

func compareSequence(a, b *Task) int {
	switch {
	case a.Sequence < b.Sequence:
		return -1
	case a.Sequence > b.Sequence:
		return 1
	default:
		return 0
	}
}
