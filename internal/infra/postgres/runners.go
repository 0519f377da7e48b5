package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildd-ai/buildd-sub004/internal/domain/runner"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

const runnersTable = "runners"

// RunnerStore implements runner.Store backed by Postgres.
type RunnerStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ runner.Store = (*RunnerStore)(nil)

// NewRunnerStore creates a Postgres-backed runner registry.
func NewRunnerStore(pool *pgxpool.Pool) *RunnerStore {
	return &RunnerStore{
		pool:   pool,
		logger: logging.NewComponentLogger("RunnerStore"),
	}
}

// EnsureSchema creates the runners table if it does not exist.
func (s *RunnerStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("runner store not initialized")
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + runnersTable + ` (
    id                TEXT PRIMARY KEY,
    account_id        TEXT NOT NULL,
    url               TEXT NOT NULL DEFAULT '',
    workspace_ids     TEXT[] NOT NULL DEFAULT '{}',
    capacity          INTEGER NOT NULL DEFAULT 0,
    active_workers    INTEGER NOT NULL DEFAULT 0,
    version           TEXT NOT NULL DEFAULT '',
    last_heartbeat_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_runners_liveness
    ON ` + runnersTable + ` (account_id, last_heartbeat_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure runners schema: %w", err)
		}
	}
	return nil
}

// Upsert registers or refreshes a runner from its heartbeat.
func (s *RunnerStore) Upsert(ctx context.Context, hb runner.Heartbeat, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+runnersTable+` (id, account_id, url, workspace_ids, capacity, active_workers, version, last_heartbeat_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			url = EXCLUDED.url,
			workspace_ids = EXCLUDED.workspace_ids,
			capacity = EXCLUDED.capacity,
			active_workers = EXCLUDED.active_workers,
			version = EXCLUDED.version,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at`,
		hb.RunnerID, hb.AccountID, hb.URL, emptyToSlice(hb.WorkspaceIDs),
		hb.Capacity, hb.ActiveWorkers, hb.Version, now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert runner %s: %w", hb.RunnerID, err)
	}
	return nil
}

// ListActive returns runners heartbeating within the window and prunes rows
// that fell out of it. Empty accountID lists all accounts.
func (s *RunnerStore) ListActive(ctx context.Context, accountID string, window time.Duration, now time.Time) ([]*runner.Runner, error) {
	cutoff := now.UTC().Add(-window)

	// Lazy prune: dead rows cost nothing until somebody reads the registry.
	if tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+runnersTable+` WHERE last_heartbeat_at < $1`, cutoff); err == nil {
		if pruned := tag.RowsAffected(); pruned > 0 {
			s.logger.Debug("pruned %d stale runner registrations", pruned)
		}
	}

	query := `SELECT id, account_id, url, workspace_ids, capacity, active_workers, version, last_heartbeat_at
		 FROM ` + runnersTable + ` WHERE last_heartbeat_at >= $1`
	args := []any{cutoff}
	if accountID != "" {
		args = append(args, accountID)
		query += fmt.Sprintf(` AND account_id = $%d`, len(args))
	}
	query += ` ORDER BY last_heartbeat_at DESC`

	var runners []*runner.Runner
	err := withReadRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		runners = nil
		for rows.Next() {
			var r runner.Runner
			if err := rows.Scan(&r.ID, &r.AccountID, &r.URL, &r.WorkspaceIDs,
				&r.Capacity, &r.ActiveWorkers, &r.Version, &r.LastHeartbeatAt); err != nil {
				return err
			}
			runners = append(runners, &r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list active runners: %w", err)
	}
	return runners, nil
}

// Delete removes a runner registration.
func (s *RunnerStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+runnersTable+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete runner %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return sharederrors.NotFound("runner", id)
	}
	return nil
}
