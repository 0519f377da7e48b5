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
	"github.com/buildd-ai/buildd-sub004/internal/domain/worker"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

const workersTable = "workers"

const workerColumns = `id, account_id, task_id, workspace_id, branch, status,
	started_at, completed_at, error, cost_usd, turns, input_tokens, output_tokens,
	local_ui_url, current_action, milestones, waiting_for, last_question,
	last_commit_sha, commit_count, files_changed, lines_added, lines_removed,
	pr_url, pr_number, pending_instructions, plan_start_message_index, plan_content,
	session_generation, result_meta, updated_at`

// WorkerStore implements worker.Store backed by Postgres.
type WorkerStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ worker.Store = (*WorkerStore)(nil)

// NewWorkerStore creates a Postgres-backed worker store.
func NewWorkerStore(pool *pgxpool.Pool) *WorkerStore {
	return &WorkerStore{
		pool:   pool,
		logger: logging.NewComponentLogger("WorkerStore"),
	}
}

// EnsureSchema creates the workers table and indexes if they do not exist.
func (s *WorkerStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("worker store not initialized")
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + workersTable + ` (
    id                       TEXT PRIMARY KEY,
    account_id               TEXT NOT NULL,
    task_id                  TEXT NOT NULL,
    workspace_id             TEXT NOT NULL,
    branch                   TEXT NOT NULL DEFAULT '',
    status                   TEXT NOT NULL DEFAULT 'starting',
    started_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at             TIMESTAMPTZ,
    error                    TEXT NOT NULL DEFAULT '',
    cost_usd                 DOUBLE PRECISION NOT NULL DEFAULT 0,
    turns                    INTEGER NOT NULL DEFAULT 0,
    input_tokens             BIGINT NOT NULL DEFAULT 0,
    output_tokens            BIGINT NOT NULL DEFAULT 0,
    local_ui_url             TEXT,
    current_action           TEXT NOT NULL DEFAULT '',
    milestones               JSONB,
    waiting_for              JSONB,
    last_question            TEXT NOT NULL DEFAULT '',
    last_commit_sha          TEXT NOT NULL DEFAULT '',
    commit_count             INTEGER NOT NULL DEFAULT 0,
    files_changed            INTEGER NOT NULL DEFAULT 0,
    lines_added              INTEGER NOT NULL DEFAULT 0,
    lines_removed            INTEGER NOT NULL DEFAULT 0,
    pr_url                   TEXT NOT NULL DEFAULT '',
    pr_number                INTEGER NOT NULL DEFAULT 0,
    pending_instructions     TEXT NOT NULL DEFAULT '',
    plan_start_message_index INTEGER,
    plan_content             TEXT NOT NULL DEFAULT '',
    session_generation       INTEGER NOT NULL DEFAULT 1,
    result_meta              JSONB,
    updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_workers_task
    ON ` + workersTable + ` (task_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_workers_account_active
    ON ` + workersTable + ` (account_id)
    WHERE status IN ('starting', 'running', 'waiting_input', 'idle')`,
		`CREATE INDEX IF NOT EXISTS idx_workers_sweep
    ON ` + workersTable + ` (updated_at)
    WHERE status IN ('running', 'idle')`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure workers schema: %w", err)
		}
	}
	return nil
}

// activeStatusStrings returns the admission statuses as SQL-ready strings.
func activeStatusStrings() []string {
	active := worker.ActiveStatuses()
	out := make([]string, len(active))
	for i, st := range active {
		out[i] = string(st)
	}
	return out
}

// ClaimTask runs the atomic claim protocol in one transaction:
//
//  1. serialize per-account admission with a transaction advisory lock,
//  2. count the account's active workers against MaxConcurrent,
//  3. resolve the target task (explicit id or best pending pick),
//  4. assign it with a predicated update that loses races cleanly,
//  5. insert the worker row in status starting.
//
// The advisory lock makes the admission count reflect committed claims, so a
// racer that loses the last slot sees the winner's worker in its count.
func (s *WorkerStore) ClaimTask(ctx context.Context, params worker.ClaimParams) (*worker.Worker, *task.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, LockKey("claim-"+params.AccountID)); err != nil {
		return nil, nil, fmt.Errorf("serialize claim for account %s: %w", params.AccountID, err)
	}

	var active int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+workersTable+` WHERE account_id = $1 AND status = ANY($2)`,
		params.AccountID, activeStatusStrings()).Scan(&active); err != nil {
		return nil, nil, fmt.Errorf("count active workers: %w", err)
	}
	if active >= params.MaxConcurrent {
		return nil, nil, &sharederrors.CapacityError{Current: active, Limit: params.MaxConcurrent}
	}

	now := time.Now().UTC()
	claimed, err := s.resolveClaimTarget(ctx, tx, params, now)
	if err != nil {
		return nil, nil, err
	}

	expiresAt := now.Add(params.LeaseTTL)
	tag, err := tx.Exec(ctx,
		`UPDATE `+tasksTable+` SET
			status = $2, claimed_by = $3, claimed_at = $4, expires_at = $5, updated_at = now()
		 WHERE id = $1 AND status = $6 AND (claimed_by IS NULL OR expires_at < $4)`,
		claimed.ID, string(task.StatusAssigned), params.WorkerID, now, expiresAt, string(task.StatusPending))
	if err != nil {
		return nil, nil, fmt.Errorf("assign task %s: %w", claimed.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil, sharederrors.Conflictf("task %s already claimed", claimed.ID)
	}

	w := &worker.Worker{
		ID:                params.WorkerID,
		AccountID:         params.AccountID,
		TaskID:            claimed.ID,
		WorkspaceID:       claimed.WorkspaceID,
		Branch:            params.Branch,
		Status:            worker.StatusStarting,
		StartedAt:         now,
		SessionGeneration: 1,
		UpdatedAt:         now,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+workersTable+` (id, account_id, task_id, workspace_id, branch, status, started_at, session_generation, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.ID, w.AccountID, w.TaskID, w.WorkspaceID, w.Branch, string(w.Status), w.StartedAt, w.SessionGeneration, w.UpdatedAt,
	); err != nil {
		return nil, nil, fmt.Errorf("insert worker %s: %w", w.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit claim tx: %w", err)
	}

	claimed.Status = task.StatusAssigned
	claimed.ClaimedBy = params.WorkerID
	claimed.ClaimedAt = &now
	claimed.ExpiresAt = &expiresAt
	claimed.UpdatedAt = now

	s.logger.Info("worker %s claimed task %s (account %s, %d/%d active)",
		w.ID, claimed.ID, params.AccountID, active+1, params.MaxConcurrent)
	return w, claimed, nil
}

// resolveClaimTarget loads the explicit task or picks the best pending one.
func (s *WorkerStore) resolveClaimTarget(ctx context.Context, tx pgx.Tx, params worker.ClaimParams, now time.Time) (*task.Task, error) {
	if params.TaskID != "" {
		row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM `+tasksTable+` WHERE id = $1`, params.TaskID)
		t, err := scanTask(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sharederrors.NotFound("task", params.TaskID)
		}
		if err != nil {
			return nil, fmt.Errorf("load claim target %s: %w", params.TaskID, err)
		}
		if params.WorkspaceID != "" && t.WorkspaceID != params.WorkspaceID {
			return nil, sharederrors.NotFound("task", params.TaskID)
		}
		if t.Status != task.StatusPending {
			return nil, sharederrors.Conflictf("task %s is %s, not pending", t.ID, t.Status)
		}
		if t.ClaimedBy != "" && !t.ClaimExpired(now) {
			return nil, sharederrors.Conflictf("task %s already claimed by %s", t.ID, t.ClaimedBy)
		}
		return t, nil
	}

	// SKIP LOCKED lets concurrent auto-picks take different tasks instead of
	// queueing on the same row.
	row := tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM `+tasksTable+`
		 WHERE workspace_id = $1 AND status = $2 AND (claimed_by IS NULL OR expires_at < $3)
		 ORDER BY priority DESC, created_at ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		params.WorkspaceID, string(task.StatusPending), now)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sharederrors.NotFound("claimable task", "")
	}
	if err != nil {
		return nil, fmt.Errorf("pick claim target: %w", err)
	}
	return t, nil
}

// Get retrieves a worker by id.
func (s *WorkerStore) Get(ctx context.Context, id string) (*worker.Worker, error) {
	var w *worker.Worker
	err := withReadRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM `+workersTable+` WHERE id = $1`, id)
		var scanErr error
		w, scanErr = scanWorker(row)
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sharederrors.NotFound("worker", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get worker %s: %w", id, err)
	}
	return w, nil
}

// Update persists the worker's mutable fields, capping milestones, and bumps
// updated_at.
func (s *WorkerStore) Update(ctx context.Context, w *worker.Worker) error {
	w.Milestones = worker.CapMilestones(w.Milestones)

	milestonesJSON, err := marshalWorkerJSON(w.Milestones)
	if err != nil {
		return fmt.Errorf("marshal milestones: %w", err)
	}
	waitingJSON, err := marshalWorkerJSON(w.WaitingFor)
	if err != nil {
		return fmt.Errorf("marshal waiting_for: %w", err)
	}

	w.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+workersTable+` SET
			branch = $2, status = $3, completed_at = $4, error = $5,
			cost_usd = $6, turns = $7, input_tokens = $8, output_tokens = $9,
			local_ui_url = $10, current_action = $11, milestones = $12, waiting_for = $13,
			last_question = $14, last_commit_sha = $15, commit_count = $16,
			files_changed = $17, lines_added = $18, lines_removed = $19,
			pr_url = $20, pr_number = $21, pending_instructions = $22,
			plan_start_message_index = $23, plan_content = $24,
			session_generation = $25, result_meta = $26, updated_at = $27
		 WHERE id = $1`,
		w.ID, w.Branch, string(w.Status), w.CompletedAt, w.Error,
		w.CostUSD, w.Turns, w.InputTokens, w.OutputTokens,
		w.LocalUiUrl, w.CurrentAction, milestonesJSON, waitingJSON,
		w.LastQuestion, w.LastCommitSHA, w.CommitCount,
		w.FilesChanged, w.LinesAdded, w.LinesRemoved,
		w.PRURL, w.PRNumber, w.PendingInstructions,
		w.PlanStartMessageIndex, w.PlanContent,
		w.SessionGeneration, rawOrNil(w.ResultMeta), w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update worker %s: %w", w.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return sharederrors.NotFound("worker", w.ID)
	}
	return nil
}

// ListByAccount returns the account's workers, optionally filtered by status,
// newest first.
func (s *WorkerStore) ListByAccount(ctx context.Context, accountID string, statuses []worker.Status) ([]*worker.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM ` + workersTable + ` WHERE account_id = $1`
	args := []any{accountID}
	if len(statuses) > 0 {
		statusStrings := make([]string, len(statuses))
		for i, st := range statuses {
			statusStrings[i] = string(st)
		}
		args = append(args, statusStrings)
		query += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	query += ` ORDER BY started_at DESC`

	var workers []*worker.Worker
	err := withReadRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		workers, err = scanWorkers(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list workers for account %s: %w", accountID, err)
	}
	return workers, nil
}

// ListActiveByTask returns the task's non-terminal workers.
func (s *WorkerStore) ListActiveByTask(ctx context.Context, taskID string) ([]*worker.Worker, error) {
	var workers []*worker.Worker
	err := withReadRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+workerColumns+` FROM `+workersTable+`
			 WHERE task_id = $1 AND status = ANY($2)
			 ORDER BY started_at DESC`,
			taskID, activeStatusStrings())
		if err != nil {
			return err
		}
		defer rows.Close()
		workers, err = scanWorkers(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list active workers for task %s: %w", taskID, err)
	}
	return workers, nil
}

// CountActiveByAccount counts workers holding admission slots.
func (s *WorkerStore) CountActiveByAccount(ctx context.Context, accountID string) (int, error) {
	var count int
	err := withReadRetry(ctx, func() error {
		return s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM `+workersTable+` WHERE account_id = $1 AND status = ANY($2)`,
			accountID, activeStatusStrings()).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("count active workers for account %s: %w", accountID, err)
	}
	return count, nil
}

// FailActive marks every active worker of the task failed, returning the
// workers it failed.
func (s *WorkerStore) FailActive(ctx context.Context, taskID, errText string, completedAt time.Time) ([]*worker.Worker, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE `+workersTable+` SET
			status = $2, error = $3, completed_at = $4, waiting_for = NULL, updated_at = now()
		 WHERE task_id = $1 AND status = ANY($5)
		 RETURNING `+workerColumns,
		taskID, string(worker.StatusFailed), errText, completedAt, activeStatusStrings())
	if err != nil {
		return nil, fmt.Errorf("fail active workers for task %s: %w", taskID, err)
	}
	defer rows.Close()

	workers, err := scanWorkers(rows)
	if err != nil {
		return nil, fmt.Errorf("fail active workers for task %s: %w", taskID, err)
	}
	return workers, nil
}

// ListRunningIdleBefore returns running or idle workers whose last activity
// predates the cutoff. Plan-mode workers get the longer planning cutoff;
// waiting workers are never returned.
func (s *WorkerStore) ListRunningIdleBefore(ctx context.Context, cutoff, planningCutoff time.Time) ([]*worker.Worker, error) {
	var workers []*worker.Worker
	err := withReadRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+workerColumns+` FROM `+workersTable+`
			 WHERE status IN ($1, $2)
			   AND ((plan_start_message_index IS NULL AND updated_at < $3)
			     OR (plan_start_message_index IS NOT NULL AND updated_at < $4))
			 ORDER BY updated_at ASC`,
			string(worker.StatusRunning), string(worker.StatusIdle), cutoff, planningCutoff)
		if err != nil {
			return err
		}
		defer rows.Close()
		workers, err = scanWorkers(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list stale candidates: %w", err)
	}
	return workers, nil
}

// MarkStale transitions a worker to stale if it is still running or idle.
func (s *WorkerStore) MarkStale(ctx context.Context, id, errText string, completedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+workersTable+` SET
			status = $2, error = $3, completed_at = $4, waiting_for = NULL, updated_at = now()
		 WHERE id = $1 AND status IN ($5, $6)`,
		id, string(worker.StatusStale), errText, completedAt,
		string(worker.StatusRunning), string(worker.StatusIdle))
	if err != nil {
		return false, fmt.Errorf("mark worker %s stale: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanWorkers(rows pgxRows) ([]*worker.Worker, error) {
	var workers []*worker.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return workers, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func scanWorker(row pgxRow) (*worker.Worker, error) {
	var w worker.Worker
	var status string
	var milestonesJSON, waitingJSON, resultMeta []byte

	if err := row.Scan(
		&w.ID, &w.AccountID, &w.TaskID, &w.WorkspaceID, &w.Branch, &status,
		&w.StartedAt, &w.CompletedAt, &w.Error, &w.CostUSD, &w.Turns, &w.InputTokens, &w.OutputTokens,
		&w.LocalUiUrl, &w.CurrentAction, &milestonesJSON, &waitingJSON, &w.LastQuestion,
		&w.LastCommitSHA, &w.CommitCount, &w.FilesChanged, &w.LinesAdded, &w.LinesRemoved,
		&w.PRURL, &w.PRNumber, &w.PendingInstructions, &w.PlanStartMessageIndex, &w.PlanContent,
		&w.SessionGeneration, &resultMeta, &w.UpdatedAt,
	); err != nil {
		return nil, err
	}

	w.Status = worker.Status(status)
	if len(milestonesJSON) > 0 && string(milestonesJSON) != "null" {
		if err := json.Unmarshal(milestonesJSON, &w.Milestones); err != nil {
			return nil, fmt.Errorf("decode milestones: %w", err)
		}
	}
	if len(waitingJSON) > 0 && string(waitingJSON) != "null" {
		w.WaitingFor = &worker.WaitingFor{}
		if err := json.Unmarshal(waitingJSON, w.WaitingFor); err != nil {
			return nil, fmt.Errorf("decode waiting_for: %w", err)
		}
	}
	if len(resultMeta) > 0 && string(resultMeta) != "null" {
		w.ResultMeta = json.RawMessage(resultMeta)
	}
	return &w, nil
}

// marshalWorkerJSON nils out empty slices and nil pointers so JSONB columns
// store SQL NULL.
func marshalWorkerJSON(v any) ([]byte, error) {
	switch val := v.(type) {
	case []worker.Milestone:
		if len(val) == 0 {
			return nil, nil
		}
	case *worker.WaitingFor:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
