package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildd-ai/buildd-sub004/internal/domain/account"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

const (
	accountsTable   = "accounts"
	workspacesTable = "workspaces"
)

// AccountStore implements account.Store backed by Postgres.
type AccountStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ account.Store = (*AccountStore)(nil)

// NewAccountStore creates a Postgres-backed account store.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{
		pool:   pool,
		logger: logging.NewComponentLogger("AccountStore"),
	}
}

// EnsureSchema creates the accounts table and indexes if they do not exist.
func (s *AccountStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("account store not initialized")
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + accountsTable + ` (
    id                     TEXT PRIMARY KEY,
    name                   TEXT NOT NULL,
    api_key_hash           TEXT NOT NULL,
    max_concurrent_workers INTEGER NOT NULL DEFAULT 3,
    admin                  BOOLEAN NOT NULL DEFAULT FALSE,
    created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_api_key_hash
    ON ` + accountsTable + ` (api_key_hash)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure accounts schema: %w", err)
		}
	}
	return nil
}

// Create persists a new account.
func (s *AccountStore) Create(ctx context.Context, a *account.Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.MaxConcurrentWorkers <= 0 {
		a.MaxConcurrentWorkers = account.DefaultMaxConcurrentWorkers
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+accountsTable+` (id, name, api_key_hash, max_concurrent_workers, admin, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Name, a.APIKeyHash, a.MaxConcurrentWorkers, a.Admin, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create account %s: %w", a.ID, err)
	}
	return nil
}

// Get retrieves an account by id.
func (s *AccountStore) Get(ctx context.Context, id string) (*account.Account, error) {
	return s.getBy(ctx, `id = $1`, id, id)
}

// GetByAPIKeyHash resolves a presented key's hash to its account.
func (s *AccountStore) GetByAPIKeyHash(ctx context.Context, hash string) (*account.Account, error) {
	return s.getBy(ctx, `api_key_hash = $1`, hash, "")
}

func (s *AccountStore) getBy(ctx context.Context, predicate string, arg any, notFoundID string) (*account.Account, error) {
	var a account.Account
	err := withReadRetry(ctx, func() error {
		return s.pool.QueryRow(ctx,
			`SELECT id, name, api_key_hash, max_concurrent_workers, admin, created_at
			 FROM `+accountsTable+` WHERE `+predicate, arg).
			Scan(&a.ID, &a.Name, &a.APIKeyHash, &a.MaxConcurrentWorkers, &a.Admin, &a.CreatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sharederrors.NotFound("account", notFoundID)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// Update persists the account's mutable fields.
func (s *AccountStore) Update(ctx context.Context, a *account.Account) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+accountsTable+` SET
			name = $2, api_key_hash = $3, max_concurrent_workers = $4, admin = $5
		 WHERE id = $1`,
		a.ID, a.Name, a.APIKeyHash, a.MaxConcurrentWorkers, a.Admin)
	if err != nil {
		return fmt.Errorf("update account %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return sharederrors.NotFound("account", a.ID)
	}
	return nil
}

// WorkspaceStore implements account.WorkspaceStore backed by Postgres.
type WorkspaceStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ account.WorkspaceStore = (*WorkspaceStore)(nil)

// NewWorkspaceStore creates a Postgres-backed workspace store.
func NewWorkspaceStore(pool *pgxpool.Pool) *WorkspaceStore {
	return &WorkspaceStore{
		pool:   pool,
		logger: logging.NewComponentLogger("WorkspaceStore"),
	}
}

// EnsureSchema creates the workspaces table if it does not exist.
func (s *WorkspaceStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("workspace store not initialized")
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + workspacesTable + ` (
    id             TEXT PRIMARY KEY,
    account_id     TEXT NOT NULL,
    name           TEXT NOT NULL,
    repo_url       TEXT NOT NULL DEFAULT '',
    default_branch TEXT NOT NULL DEFAULT '',
    settings       JSONB,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_workspaces_account
    ON ` + workspacesTable + ` (account_id, created_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure workspaces schema: %w", err)
		}
	}
	return nil
}

// Create persists a new workspace.
func (s *WorkspaceStore) Create(ctx context.Context, w *account.Workspace) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	settingsJSON, err := json.Marshal(w.Settings)
	if err != nil {
		return fmt.Errorf("marshal workspace settings: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+workspacesTable+` (id, account_id, name, repo_url, default_branch, settings, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.ID, w.AccountID, w.Name, w.RepoURL, w.DefaultBranch, settingsJSON, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("create workspace %s: %w", w.ID, err)
	}
	return nil
}

// Get retrieves a workspace by id.
func (s *WorkspaceStore) Get(ctx context.Context, id string) (*account.Workspace, error) {
	var w *account.Workspace
	err := withReadRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx,
			`SELECT id, account_id, name, repo_url, default_branch, settings, created_at
			 FROM `+workspacesTable+` WHERE id = $1`, id)
		var scanErr error
		w, scanErr = scanWorkspace(row)
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sharederrors.NotFound("workspace", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace %s: %w", id, err)
	}
	return w, nil
}

// ListByAccount returns the account's workspaces.
func (s *WorkspaceStore) ListByAccount(ctx context.Context, accountID string) ([]*account.Workspace, error) {
	var workspaces []*account.Workspace
	err := withReadRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT id, account_id, name, repo_url, default_branch, settings, created_at
			 FROM `+workspacesTable+` WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
		if err != nil {
			return err
		}
		defer rows.Close()

		workspaces = nil
		for rows.Next() {
			w, err := scanWorkspace(rows)
			if err != nil {
				return err
			}
			workspaces = append(workspaces, w)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list workspaces for account %s: %w", accountID, err)
	}
	return workspaces, nil
}

// Update persists the workspace's mutable fields.
func (s *WorkspaceStore) Update(ctx context.Context, w *account.Workspace) error {
	settingsJSON, err := json.Marshal(w.Settings)
	if err != nil {
		return fmt.Errorf("marshal workspace settings: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+workspacesTable+` SET
			name = $2, repo_url = $3, default_branch = $4, settings = $5
		 WHERE id = $1`,
		w.ID, w.Name, w.RepoURL, w.DefaultBranch, settingsJSON)
	if err != nil {
		return fmt.Errorf("update workspace %s: %w", w.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return sharederrors.NotFound("workspace", w.ID)
	}
	return nil
}

func scanWorkspace(row pgxRow) (*account.Workspace, error) {
	var w account.Workspace
	var settingsJSON []byte
	if err := row.Scan(&w.ID, &w.AccountID, &w.Name, &w.RepoURL, &w.DefaultBranch,
		&settingsJSON, &w.CreatedAt); err != nil {
		return nil, err
	}
	if len(settingsJSON) > 0 && string(settingsJSON) != "null" {
		if err := json.Unmarshal(settingsJSON, &w.Settings); err != nil {
			return nil, fmt.Errorf("decode workspace settings: %w", err)
		}
	}
	return &w, nil
}
