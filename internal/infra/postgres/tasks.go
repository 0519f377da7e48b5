package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildd-ai/buildd-sub004/internal/domain/task"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

const tasksTable = "tasks"

const taskColumns = `id, workspace_id, title, description, priority, status, project,
	blocked_by_task_ids, mode, output_requirement, output_schema,
	claimed_by, claimed_at, expires_at, context, result, schedule_id,
	created_at, updated_at`

// TaskStore implements task.Store backed by Postgres.
type TaskStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ task.Store = (*TaskStore)(nil)

// NewTaskStore creates a Postgres-backed task store.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{
		pool:   pool,
		logger: logging.NewComponentLogger("TaskStore"),
	}
}

// EnsureSchema creates the tasks table and indexes if they do not exist.
func (s *TaskStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + tasksTable + ` (
    id                  TEXT PRIMARY KEY,
    workspace_id        TEXT NOT NULL,
    title               TEXT NOT NULL,
    description         TEXT NOT NULL DEFAULT '',
    priority            INTEGER NOT NULL DEFAULT 0,
    status              TEXT NOT NULL DEFAULT 'pending',
    project             TEXT NOT NULL DEFAULT '',
    blocked_by_task_ids TEXT[] NOT NULL DEFAULT '{}',
    mode                TEXT NOT NULL DEFAULT 'execute',
    output_requirement  TEXT NOT NULL DEFAULT 'auto',
    output_schema       JSONB,
    claimed_by          TEXT,
    claimed_at          TIMESTAMPTZ,
    expires_at          TIMESTAMPTZ,
    context             JSONB,
    result              JSONB,
    schedule_id         TEXT,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_workspace_dispatch
    ON ` + tasksTable + ` (workspace_id, status, priority DESC, created_at ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claimed_by
    ON ` + tasksTable + ` (claimed_by) WHERE claimed_by IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_schedule
    ON ` + tasksTable + ` (schedule_id) WHERE schedule_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_blockers
    ON ` + tasksTable + ` USING GIN (blocked_by_task_ids)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure tasks schema: %w", err)
		}
	}
	return nil
}

// Create persists a new task.
func (s *TaskStore) Create(ctx context.Context, t *task.Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	contextJSON, err := marshalNullable(t.Context)
	if err != nil {
		return fmt.Errorf("marshal task context: %w", err)
	}
	resultJSON, err := marshalNullable(t.Result)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+tasksTable+` (id, workspace_id, title, description, priority, status, project,
			blocked_by_task_ids, mode, output_requirement, output_schema,
			claimed_by, claimed_at, expires_at, context, result, schedule_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		t.ID, t.WorkspaceID, t.Title, t.Description, t.Priority, string(t.Status), t.Project,
		emptyToSlice(t.BlockedByTaskIDs), string(t.Mode), string(t.OutputRequirement), rawOrNil(t.OutputSchema),
		nullIfEmpty(t.ClaimedBy), t.ClaimedAt, t.ExpiresAt, contextJSON, resultJSON, nullIfEmpty(t.ScheduleID),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// Get retrieves a task by id.
func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	var t *task.Task
	err := withReadRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM `+tasksTable+` WHERE id = $1`, id)
		var scanErr error
		t, scanErr = scanTask(row)
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sharederrors.NotFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// List returns tasks matching the filter, highest priority first, then oldest
// first.
func (s *TaskStore) List(ctx context.Context, filter task.ListFilter) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM ` + tasksTable + ` WHERE 1=1`
	args := []any{}

	if filter.WorkspaceID != "" {
		args = append(args, filter.WorkspaceID)
		query += fmt.Sprintf(` AND workspace_id = $%d`, len(args))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	if filter.Project != "" {
		args = append(args, filter.Project)
		query += fmt.Sprintf(` AND project = $%d`, len(args))
	}
	if filter.ScheduleID != "" {
		args = append(args, filter.ScheduleID)
		query += fmt.Sprintf(` AND schedule_id = $%d`, len(args))
	}
	query += ` ORDER BY priority DESC, created_at ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var tasks []*task.Task
	err := withReadRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		tasks, err = scanTasks(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// Update persists the mutable fields of the task row and bumps updated_at.
func (s *TaskStore) Update(ctx context.Context, t *task.Task) error {
	contextJSON, err := marshalNullable(t.Context)
	if err != nil {
		return fmt.Errorf("marshal task context: %w", err)
	}
	resultJSON, err := marshalNullable(t.Result)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+tasksTable+` SET
			title = $2, description = $3, priority = $4, status = $5, project = $6,
			blocked_by_task_ids = $7, mode = $8, output_requirement = $9, output_schema = $10,
			claimed_by = $11, claimed_at = $12, expires_at = $13, context = $14, result = $15,
			updated_at = now()
		 WHERE id = $1`,
		t.ID, t.Title, t.Description, t.Priority, string(t.Status), t.Project,
		emptyToSlice(t.BlockedByTaskIDs), string(t.Mode), string(t.OutputRequirement), rawOrNil(t.OutputSchema),
		nullIfEmpty(t.ClaimedBy), t.ClaimedAt, t.ExpiresAt, contextJSON, resultJSON,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return sharederrors.NotFound("task", t.ID)
	}
	return nil
}

// Delete removes a task.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+tasksTable+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return sharederrors.NotFound("task", id)
	}
	return nil
}

// Statuses resolves the current status of each given task id.
func (s *TaskStore) Statuses(ctx context.Context, ids []string) (map[string]task.Status, error) {
	if len(ids) == 0 {
		return map[string]task.Status{}, nil
	}

	result := make(map[string]task.Status, len(ids))
	err := withReadRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT id, status FROM `+tasksTable+` WHERE id = ANY($1)`, ids)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id, status string
			if err := rows.Scan(&id, &status); err != nil {
				return err
			}
			result[id] = task.Status(status)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("resolve task statuses: %w", err)
	}
	return result, nil
}

// ListBlockedOn returns non-terminal tasks whose blocker list contains the
// given task id.
func (s *TaskStore) ListBlockedOn(ctx context.Context, blockerID string) ([]*task.Task, error) {
	var tasks []*task.Task
	err := withReadRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+taskColumns+` FROM `+tasksTable+`
			 WHERE $1 = ANY(blocked_by_task_ids) AND status NOT IN ($2, $3)`,
			blockerID, string(task.StatusCompleted), string(task.StatusFailed))
		if err != nil {
			return err
		}
		defer rows.Close()
		tasks, err = scanTasks(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks blocked on %s: %w", blockerID, err)
	}
	return tasks, nil
}

// MarkPendingIfBlocked atomically flips blocked → pending.
func (s *TaskStore) MarkPendingIfBlocked(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+tasksTable+` SET status = $2, updated_at = now()
		 WHERE id = $1 AND status = $3`,
		id, string(task.StatusPending), string(task.StatusBlocked))
	if err != nil {
		return false, fmt.Errorf("unblock task %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResetToPending clears the claim fields and returns the task to pending.
func (s *TaskStore) ResetToPending(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+tasksTable+` SET
			status = $2, claimed_by = NULL, claimed_at = NULL, expires_at = NULL, updated_at = now()
		 WHERE id = $1`,
		id, string(task.StatusPending))
	if err != nil {
		return fmt.Errorf("reset task %s to pending: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return sharederrors.NotFound("task", id)
	}
	return nil
}

// MarkRunning promotes an assigned task claimed by the given worker. A task
// already running under the same worker is left as is.
func (s *TaskStore) MarkRunning(ctx context.Context, id, workerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+tasksTable+` SET status = $3, updated_at = now()
		 WHERE id = $1 AND claimed_by = $2 AND status IN ($4, $3)`,
		id, workerID, string(task.StatusRunning), string(task.StatusAssigned))
	if err != nil {
		return fmt.Errorf("mark task %s running: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return sharederrors.Conflictf("task %s is not assigned to worker %s", id, workerID)
	}
	return nil
}

// ReassignToWorker re-points a task at a worker with a fresh lease, used by
// worker reactivation.
func (s *TaskStore) ReassignToWorker(ctx context.Context, id, workerID string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+tasksTable+` SET
			status = $3, claimed_by = $2, claimed_at = now(), expires_at = $4, updated_at = now()
		 WHERE id = $1`,
		id, workerID, string(task.StatusAssigned), expiresAt)
	if err != nil {
		return fmt.Errorf("reassign task %s to %s: %w", id, workerID, err)
	}
	if tag.RowsAffected() == 0 {
		return sharederrors.NotFound("task", id)
	}
	return nil
}

// RenewLease extends the claim lease for the owning worker.
func (s *TaskStore) RenewLease(ctx context.Context, id, workerID string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+tasksTable+` SET expires_at = $3, updated_at = now()
		 WHERE id = $1 AND claimed_by = $2`,
		id, workerID, expiresAt)
	if err != nil {
		return fmt.Errorf("renew lease on task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return sharederrors.Conflictf("task %s is not claimed by worker %s", id, workerID)
	}
	return nil
}

// Complete finalizes the task with a terminal status and its result snapshot.
func (s *TaskStore) Complete(ctx context.Context, id string, status task.Status, result *task.Result) error {
	if !status.IsTerminal() {
		return sharederrors.Invalidf("completion status %q is not terminal", status)
	}
	resultJSON, err := marshalNullable(result)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+tasksTable+` SET status = $2, result = $3, updated_at = now()
		 WHERE id = $1`,
		id, string(status), resultJSON)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return sharederrors.NotFound("task", id)
	}
	return nil
}

// CountLiveBySchedule counts non-terminal tasks instantiated from the
// schedule.
func (s *TaskStore) CountLiveBySchedule(ctx context.Context, scheduleID string) (int, error) {
	var count int
	err := withReadRetry(ctx, func() error {
		return s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM `+tasksTable+`
			 WHERE schedule_id = $1 AND status NOT IN ($2, $3)`,
			scheduleID, string(task.StatusCompleted), string(task.StatusFailed)).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("count live tasks for schedule %s: %w", scheduleID, err)
	}
	return count, nil
}

// pgxRow abstracts single-row scanning.
type pgxRow interface {
	Scan(dest ...any) error
}

// pgxRows abstracts pgx row iteration for scanning.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTasks(rows pgxRows) ([]*task.Task, error) {
	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row pgxRow) (*task.Task, error) {
	var t task.Task
	var status, mode, outputReq string
	var claimedBy, scheduleID *string
	var outputSchema, contextJSON, resultJSON []byte

	if err := row.Scan(
		&t.ID, &t.WorkspaceID, &t.Title, &t.Description, &t.Priority, &status, &t.Project,
		&t.BlockedByTaskIDs, &mode, &outputReq, &outputSchema,
		&claimedBy, &t.ClaimedAt, &t.ExpiresAt, &contextJSON, &resultJSON, &scheduleID,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.Mode = task.Mode(mode)
	t.OutputRequirement = task.OutputRequirement(outputReq)
	if claimedBy != nil {
		t.ClaimedBy = *claimedBy
	}
	if scheduleID != nil {
		t.ScheduleID = *scheduleID
	}
	if len(outputSchema) > 0 && string(outputSchema) != "null" {
		t.OutputSchema = json.RawMessage(outputSchema)
	}
	if len(contextJSON) > 0 && string(contextJSON) != "null" {
		if err := json.Unmarshal(contextJSON, &t.Context); err != nil {
			return nil, fmt.Errorf("decode task context: %w", err)
		}
	}
	if len(resultJSON) > 0 && string(resultJSON) != "null" {
		t.Result = &task.Result{}
		if err := json.Unmarshal(resultJSON, t.Result); err != nil {
			return nil, fmt.Errorf("decode task result: %w", err)
		}
	}
	if len(t.BlockedByTaskIDs) == 0 {
		t.BlockedByTaskIDs = nil
	}
	return &t, nil
}

// marshalNullable returns nil for nil maps/pointers so JSONB columns store
// SQL NULL instead of the string "null".
func marshalNullable(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]string:
		if val == nil {
			return nil, nil
		}
	case *task.Result:
		if val == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

func rawOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func emptyToSlice(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
