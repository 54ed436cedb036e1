package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskforge/internal/platform/logger"
	"github.com/phrazzld/taskforge/internal/store"
	"github.com/phrazzld/taskforge/internal/task"
)

// taskColumns lists the columns read by scanTask, in scan order. Dependencies
// are folded into a comma separated list ordered by declaration position.
const taskColumns = `
	t.id, t.seq, t.operation_id, t.ref, t.type, t.payload, t.status,
	t.on_success, t.on_failure, t.attempt_count, t.max_attempts,
	t.idempotency_key, t.parent_id, t.spawn_trigger, t.claimed_by,
	t.result, t.error_message, t.created_at, t.updated_at, t.scheduled_at,
	COALESCE((
		SELECT string_agg(d.depends_on::text, ',' ORDER BY d.position)
		FROM task_dependencies d
		WHERE d.task_id = t.id
	), '')`

const insertTaskQuery = `
	INSERT INTO tasks (
		id, operation_id, ref, type, payload, status, on_success, on_failure,
		attempt_count, max_attempts, idempotency_key, parent_id, spawn_trigger,
		claimed_by, result, error_message, created_at, updated_at, scheduled_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	RETURNING seq`

// TaskStore implements task.Store on PostgreSQL. Status swaps are single
// conditional UPDATE statements, so the row lock taken by the first writer
// decides every race.
type TaskStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ task.Store = (*TaskStore)(nil)

// NewTaskStore creates a TaskStore using db.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db, now: time.Now}
}

// CreateBatch implements task.Store. The operation, its tasks and their
// dependency edges are written in one transaction.
func (s *TaskStore) CreateBatch(ctx context.Context, op *task.Operation, tasks []*task.Task) error {
	if op == nil {
		return fmt.Errorf("%w: operation is required", store.ErrInvalidEntity)
	}
	log := logger.FromContext(ctx)

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO operations (id, idempotency_key, cancelled, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)`,
			op.ID, nullString(op.IdempotencyKey), op.Cancelled,
			s.stamp(op.CreatedAt), s.stamp(op.UpdatedAt))
		if IsUniqueViolation(err) && violatedConstraint(err) == operationKeyIndex {
			return fmt.Errorf("%w: %q", store.ErrIdempotencyKeyTaken, op.IdempotencyKey)
		}
		if err != nil {
			return MapError(err)
		}

		// Edges go in after every task so that the batch order need not be
		// topological.
		for _, t := range tasks {
			if t.OperationID != op.ID {
				return fmt.Errorf("%w: task %s belongs to operation %s",
					store.ErrInvalidEntity, t.ID, t.OperationID)
			}
			if err := s.insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		for _, t := range tasks {
			if err := insertDependencies(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrIdempotencyKeyTaken) {
		log.Debug("idempotency key already used",
			slog.String("operation_id", op.ID.String()),
			slog.String("idempotency_key", op.IdempotencyKey))
		return err
	}
	if err != nil {
		log.Error("failed to create batch",
			slog.String("operation_id", op.ID.String()),
			slog.Int("tasks", len(tasks)),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Create implements task.Store.
func (s *TaskStore) Create(ctx context.Context, t *task.Task) error {
	if _, err := s.GetOperation(ctx, t.OperationID); err != nil {
		return err
	}
	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.insertTask(ctx, tx, t); err != nil {
			return err
		}
		return insertDependencies(ctx, tx, t)
	})
}

func (s *TaskStore) insertTask(ctx context.Context, tx store.DBTX, t *task.Task) error {
	if t == nil || t.ID == uuid.Nil {
		return fmt.Errorf("%w: task id is required", store.ErrInvalidEntity)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", store.ErrInvalidEntity, t.Status)
	}
	onSuccess, err := marshalTemplate(t.OnSuccess)
	if err != nil {
		return err
	}
	onFailure, err := marshalTemplate(t.OnFailure)
	if err != nil {
		return err
	}

	createdAt := s.stamp(t.CreatedAt)
	updatedAt := t.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	scheduledAt := t.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = createdAt
	}

	var parentID, trigger any
	if t.IsFollowUp() {
		parentID, trigger = t.ParentID, string(t.Trigger)
	}

	err = tx.QueryRowContext(ctx, insertTaskQuery,
		t.ID, t.OperationID, t.Ref, t.Type, nullJSON(t.Payload), string(t.Status),
		onSuccess, onFailure, t.AttemptCount, t.MaxAttempts,
		nullString(t.IdempotencyKey), parentID, trigger, nullString(t.ClaimedBy),
		nullJSON(t.Result), nullString(t.Error), createdAt, updatedAt, scheduledAt,
	).Scan(&t.Sequence)
	if err != nil {
		return MapError(err)
	}
	t.CreatedAt, t.UpdatedAt, t.ScheduledAt = createdAt, updatedAt, scheduledAt
	return nil
}

func insertDependencies(ctx context.Context, tx store.DBTX, t *task.Task) error {
	for i, dep := range t.DependsOn {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on, position)
			VALUES ($1, $2, $3)`, t.ID, dep, i)
		if err != nil {
			if IsForeignKeyViolation(err) {
				return fmt.Errorf("%w: dependency %s of task %s", store.ErrTaskNotFound, dep, t.ID)
			}
			return MapError(err)
		}
	}
	return nil
}

// Get implements task.Store.
func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}
	return t, nil
}

// CompareAndSetStatus implements task.Store.
func (s *TaskStore) CompareAndSetStatus(
	ctx context.Context,
	id uuid.UUID,
	expected, next task.Status,
	opts ...task.TransitionOption,
) (bool, error) {
	if !task.CanTransition(expected, next) {
		return false, fmt.Errorf("%w: %s -> %s", task.ErrInvalidTransition, expected, next)
	}
	tr := task.NewTransition(opts...)
	query, args := buildTransition(id, expected, next, tr, s.stamp(tr.At))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, MapError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, MapError(err)
	}
	if !exists {
		return false, store.ErrTaskNotFound
	}
	return false, nil
}

// buildTransition renders the conditional UPDATE for a status swap.
func buildTransition(
	id uuid.UUID,
	expected, next task.Status,
	tr task.Transition,
	at time.Time,
) (string, []any) {
	sets := []string{"status = $1", "updated_at = $2"}
	args := []any{string(next), at}
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}

	if tr.ClaimedBy != nil {
		set("claimed_by", nullString(*tr.ClaimedBy))
	}
	if tr.AttemptCount != nil {
		set("attempt_count", *tr.AttemptCount)
	}
	if tr.ScheduledAt != nil {
		set("scheduled_at", *tr.ScheduledAt)
	}
	if tr.Result != nil {
		set("result", nullJSON(tr.Result))
	}
	if tr.Error != nil {
		set("error_message", nullString(*tr.Error))
	}

	args = append(args, id, string(expected))
	where := fmt.Sprintf("id = $%d AND status = $%d", len(args)-1, len(args))
	if tr.ExpectClaimant != nil {
		args = append(args, *tr.ExpectClaimant)
		where += fmt.Sprintf(" AND COALESCE(claimed_by, '') = $%d", len(args))
	}
	return "UPDATE tasks SET " + strings.Join(sets, ", ") + " WHERE " + where, args
}

// ListByStatus implements task.Store.
func (s *TaskStore) ListByStatus(ctx context.Context, status task.Status, limit int) ([]*task.Task, error) {
	var bound any
	if limit > 0 {
		bound = limit
	}
	return s.query(ctx, `SELECT `+taskColumns+`
		FROM tasks t
		WHERE t.status = $1
		ORDER BY t.scheduled_at, t.seq
		LIMIT $2`, string(status), bound)
}

// ListDependents implements task.Store.
func (s *TaskStore) ListDependents(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id FROM task_dependencies WHERE depends_on = $1 ORDER BY task_id`, id)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var dep uuid.UUID
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("failed to scan dependent: %w", err)
		}
		ids = append(ids, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependents: %w", err)
	}
	return ids, nil
}

// ListByOperation implements task.Store.
func (s *TaskStore) ListByOperation(ctx context.Context, operationID uuid.UUID) ([]*task.Task, error) {
	if _, err := s.GetOperation(ctx, operationID); err != nil {
		return nil, err
	}
	return s.query(ctx, `SELECT `+taskColumns+`
		FROM tasks t
		WHERE t.operation_id = $1
		ORDER BY t.seq`, operationID)
}

// GetOperation implements task.Store.
func (s *TaskStore) GetOperation(ctx context.Context, id uuid.UUID) (*task.Operation, error) {
	return scanOperation(s.db.QueryRowContext(ctx, `
		SELECT `+operationColumns+` FROM operations WHERE id = $1`, id))
}

// GetOperationByIdempotencyKey implements task.Store.
func (s *TaskStore) GetOperationByIdempotencyKey(ctx context.Context, key string) (*task.Operation, error) {
	if key == "" {
		return nil, store.ErrOperationNotFound
	}
	return scanOperation(s.db.QueryRowContext(ctx, `
		SELECT `+operationColumns+` FROM operations WHERE idempotency_key = $1`, key))
}

const operationColumns = `id, idempotency_key, cancelled, created_at, updated_at`

func scanOperation(row rowScanner) (*task.Operation, error) {
	var (
		op  task.Operation
		key sql.NullString
	)
	err := row.Scan(&op.ID, &key, &op.Cancelled, &op.CreatedAt, &op.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrOperationNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}
	op.IdempotencyKey = key.String
	op.CreatedAt = op.CreatedAt.UTC()
	op.UpdatedAt = op.UpdatedAt.UTC()
	return &op, nil
}

// CancelOperation implements task.Store.
func (s *TaskStore) CancelOperation(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE operations SET cancelled = TRUE, updated_at = $2
		WHERE id = $1 AND NOT cancelled`, id, s.now().UTC())
	if err != nil {
		return MapError(err)
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	// Either already cancelled or missing.
	_, err = s.GetOperation(ctx, id)
	return err
}

func (s *TaskStore) query(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	tasks := make([]*task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

// stamp returns at in UTC, or the store clock when at is zero.
func (s *TaskStore) stamp(at time.Time) time.Time {
	if at.IsZero() {
		return s.now().UTC()
	}
	return at.UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t                    task.Task
		status               string
		payload, result      []byte
		onSuccess, onFailure []byte
		idemKey, trigger     sql.NullString
		claimedBy, errMsg    sql.NullString
		parentID             uuid.NullUUID
		deps                 string
	)
	err := row.Scan(
		&t.ID, &t.Sequence, &t.OperationID, &t.Ref, &t.Type, &payload, &status,
		&onSuccess, &onFailure, &t.AttemptCount, &t.MaxAttempts,
		&idemKey, &parentID, &trigger, &claimedBy,
		&result, &errMsg, &t.CreatedAt, &t.UpdatedAt, &t.ScheduledAt,
		&deps,
	)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.Payload = nullableRaw(payload)
	t.Result = nullableRaw(result)
	t.IdempotencyKey = idemKey.String
	t.Trigger = task.Trigger(trigger.String)
	t.ClaimedBy = claimedBy.String
	t.Error = errMsg.String
	if parentID.Valid {
		t.ParentID = parentID.UUID
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.ScheduledAt = t.ScheduledAt.UTC()

	if t.OnSuccess, err = unmarshalTemplate(onSuccess); err != nil {
		return nil, err
	}
	if t.OnFailure, err = unmarshalTemplate(onFailure); err != nil {
		return nil, err
	}
	if deps != "" {
		for _, raw := range strings.Split(deps, ",") {
			dep, err := uuid.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid dependency id %q: %w", raw, err)
			}
			t.DependsOn = append(t.DependsOn, dep)
		}
	}
	return &t, nil
}

func marshalTemplate(tmpl *task.Template) (any, error) {
	if tmpl == nil {
		return nil, nil
	}
	data, err := json.Marshal(tmpl)
	if err != nil {
		return nil, fmt.Errorf("%w: follow-up template: %v", store.ErrInvalidEntity, err)
	}
	return string(data), nil
}

func unmarshalTemplate(data []byte) (*task.Template, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var tmpl task.Template
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("invalid follow-up template: %w", err)
	}
	return &tmpl, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableRaw(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}
