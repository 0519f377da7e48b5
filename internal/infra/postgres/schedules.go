package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildd-ai/buildd-sub004/internal/domain/schedule"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

const schedulesTable = "schedules"

const scheduleColumns = `id, workspace_id, name, cron_expr, timezone, enabled,
	task_template, trigger_config, next_run_at, max_concurrent,
	pause_after_failures, consecutive_failures, last_error, total_runs,
	created_at, updated_at`

// ScheduleStore implements schedule.Store backed by Postgres. Per-schedule
// mutual exclusion across cluster nodes rides on session advisory locks.
type ScheduleStore struct {
	pool    *pgxpool.Pool
	acquire acquireConnFunc
	logger  logging.Logger
}

var _ schedule.Store = (*ScheduleStore)(nil)

// NewScheduleStore creates a Postgres-backed schedule store.
func NewScheduleStore(pool *pgxpool.Pool) *ScheduleStore {
	return &ScheduleStore{
		pool: pool,
		acquire: func(ctx context.Context) (advisoryConn, error) {
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		logger: logging.NewSchedulerLogger("ScheduleStore"),
	}
}

// EnsureSchema creates the schedules table if it does not exist.
func (s *ScheduleStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("schedule store not initialized")
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + schedulesTable + ` (
    id                   TEXT PRIMARY KEY,
    workspace_id         TEXT NOT NULL,
    name                 TEXT NOT NULL,
    cron_expr            TEXT NOT NULL,
    timezone             TEXT NOT NULL DEFAULT 'UTC',
    enabled              BOOLEAN NOT NULL DEFAULT TRUE,
    task_template        JSONB NOT NULL,
    trigger_config       JSONB,
    next_run_at          TIMESTAMPTZ,
    max_concurrent       INTEGER NOT NULL DEFAULT 1,
    pause_after_failures INTEGER NOT NULL DEFAULT 5,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    last_error           TEXT NOT NULL DEFAULT '',
    total_runs           INTEGER NOT NULL DEFAULT 0,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_workspace
    ON ` + schedulesTable + ` (workspace_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due
    ON ` + schedulesTable + ` (next_run_at) WHERE enabled AND next_run_at IS NOT NULL`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schedules schema: %w", err)
		}
	}
	return nil
}

// Create persists a new schedule.
func (s *ScheduleStore) Create(ctx context.Context, sc *schedule.Schedule) error {
	now := time.Now().UTC()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now

	templateJSON, triggerJSON, err := marshalScheduleJSON(sc)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+schedulesTable+` (id, workspace_id, name, cron_expr, timezone, enabled,
			task_template, trigger_config, next_run_at, max_concurrent,
			pause_after_failures, consecutive_failures, last_error, total_runs, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		sc.ID, sc.WorkspaceID, sc.Name, sc.CronExpr, sc.Timezone, sc.Enabled,
		templateJSON, triggerJSON, sc.NextRunAt, sc.MaxConcurrentFromSchedule,
		sc.PauseAfterFailures, sc.ConsecutiveFailures, sc.LastError, sc.TotalRuns,
		sc.CreatedAt, sc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create schedule %s: %w", sc.ID, err)
	}
	return nil
}

// Get retrieves a schedule by id.
func (s *ScheduleStore) Get(ctx context.Context, id string) (*schedule.Schedule, error) {
	var sc *schedule.Schedule
	err := withReadRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM `+schedulesTable+` WHERE id = $1`, id)
		var scanErr error
		sc, scanErr = scanSchedule(row)
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sharederrors.NotFound("schedule", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule %s: %w", id, err)
	}
	return sc, nil
}

// ListByWorkspace returns the workspace's schedules, newest first.
func (s *ScheduleStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]*schedule.Schedule, error) {
	var schedules []*schedule.Schedule
	err := withReadRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+scheduleColumns+` FROM `+schedulesTable+`
			 WHERE workspace_id = $1 ORDER BY created_at DESC`, workspaceID)
		if err != nil {
			return err
		}
		defer rows.Close()
		schedules, err = scanSchedules(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list schedules for workspace %s: %w", workspaceID, err)
	}
	return schedules, nil
}

// ListDue returns enabled schedules whose nextRunAt has passed, soonest
// first.
func (s *ScheduleStore) ListDue(ctx context.Context, now time.Time) ([]*schedule.Schedule, error) {
	var schedules []*schedule.Schedule
	err := withReadRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+scheduleColumns+` FROM `+schedulesTable+`
			 WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
			 ORDER BY next_run_at ASC`, now.UTC())
		if err != nil {
			return err
		}
		defer rows.Close()
		schedules, err = scanSchedules(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	return schedules, nil
}

// Update persists the schedule's mutable fields.
func (s *ScheduleStore) Update(ctx context.Context, sc *schedule.Schedule) error {
	templateJSON, triggerJSON, err := marshalScheduleJSON(sc)
	if err != nil {
		return err
	}

	sc.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+schedulesTable+` SET
			name = $2, cron_expr = $3, timezone = $4, enabled = $5,
			task_template = $6, trigger_config = $7, next_run_at = $8, max_concurrent = $9,
			pause_after_failures = $10, consecutive_failures = $11, last_error = $12,
			total_runs = $13, updated_at = $14
		 WHERE id = $1`,
		sc.ID, sc.Name, sc.CronExpr, sc.Timezone, sc.Enabled,
		templateJSON, triggerJSON, sc.NextRunAt, sc.MaxConcurrentFromSchedule,
		sc.PauseAfterFailures, sc.ConsecutiveFailures, sc.LastError,
		sc.TotalRuns, sc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update schedule %s: %w", sc.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return sharederrors.NotFound("schedule", sc.ID)
	}
	return nil
}

// Delete removes a schedule.
func (s *ScheduleStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+schedulesTable+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return sharederrors.NotFound("schedule", id)
	}
	return nil
}

// TryLock takes the schedule's cluster-wide advisory lock so only one node
// processes it per tick.
func (s *ScheduleStore) TryLock(ctx context.Context, id string) (release func(), ok bool, err error) {
	return tryLockOnce(ctx, s.acquire, "schedule-"+id)
}

func marshalScheduleJSON(sc *schedule.Schedule) (templateJSON, triggerJSON []byte, err error) {
	templateJSON, err = json.Marshal(sc.TaskTemplate)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal task template: %w", err)
	}
	if sc.Trigger != nil {
		triggerJSON, err = json.Marshal(sc.Trigger)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal trigger: %w", err)
		}
	}
	return templateJSON, triggerJSON, nil
}

func scanSchedules(rows pgxRows) ([]*schedule.Schedule, error) {
	var schedules []*schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return schedules, err
		}
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

func scanSchedule(row pgxRow) (*schedule.Schedule, error) {
	var sc schedule.Schedule
	var templateJSON, triggerJSON []byte

	if err := row.Scan(
		&sc.ID, &sc.WorkspaceID, &sc.Name, &sc.CronExpr, &sc.Timezone, &sc.Enabled,
		&templateJSON, &triggerJSON, &sc.NextRunAt, &sc.MaxConcurrentFromSchedule,
		&sc.PauseAfterFailures, &sc.ConsecutiveFailures, &sc.LastError, &sc.TotalRuns,
		&sc.CreatedAt, &sc.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if len(templateJSON) > 0 {
		if err := json.Unmarshal(templateJSON, &sc.TaskTemplate); err != nil {
			return nil, fmt.Errorf("decode task template: %w", err)
		}
	}
	if len(triggerJSON) > 0 && string(triggerJSON) != "null" {
		sc.Trigger = &schedule.Trigger{}
		if err := json.Unmarshal(triggerJSON, sc.Trigger); err != nil {
			return nil, fmt.Errorf("decode trigger: %w", err)
		}
	}
	return &sc, nil
}
