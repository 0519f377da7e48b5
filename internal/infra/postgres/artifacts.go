package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildd-ai/buildd-sub004/internal/domain/artifact"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

const artifactsTable = "artifacts"

const artifactColumns = `id, worker_id, workspace_id, key, type, title, content, metadata, share_token, created_at, updated_at`

// ArtifactStore implements artifact.Store backed by Postgres. Keyed upserts
// ride on a partial unique index over (workspace_id, key) so recurring tasks
// overwrite their previous output while the id and share token survive.
type ArtifactStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ artifact.Store = (*ArtifactStore)(nil)

// NewArtifactStore creates a Postgres-backed artifact store.
func NewArtifactStore(pool *pgxpool.Pool) *ArtifactStore {
	return &ArtifactStore{
		pool:   pool,
		logger: logging.NewComponentLogger("ArtifactStore"),
	}
}

// EnsureSchema creates the artifacts table and indexes if they do not exist.
func (s *ArtifactStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("artifact store not initialized")
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + artifactsTable + ` (
    id           TEXT PRIMARY KEY,
    worker_id    TEXT NOT NULL,
    workspace_id TEXT NOT NULL,
    key          TEXT NOT NULL DEFAULT '',
    type         TEXT NOT NULL,
    title        TEXT NOT NULL,
    content      TEXT NOT NULL DEFAULT '',
    metadata     JSONB,
    share_token  TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_workspace_key
    ON ` + artifactsTable + ` (workspace_id, key) WHERE key <> ''`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_share_token
    ON ` + artifactsTable + ` (share_token)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_worker
    ON ` + artifactsTable + ` (worker_id, created_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure artifacts schema: %w", err)
		}
	}
	return nil
}

// Upsert inserts the artifact, or updates the row matching
// (workspaceId, key) when Key is set. The stored id and share token survive
// updates; the returned artifact reflects the final row.
func (s *ArtifactStore) Upsert(ctx context.Context, a *artifact.Artifact) (*artifact.Artifact, error) {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	var row pgx.Row
	if a.Key == "" {
		row = s.pool.QueryRow(ctx,
			`INSERT INTO `+artifactsTable+` (id, worker_id, workspace_id, key, type, title, content, metadata, share_token, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 RETURNING `+artifactColumns,
			a.ID, a.WorkerID, a.WorkspaceID, a.Key, string(a.Type), a.Title, a.Content,
			rawOrNil(a.Metadata), a.ShareToken, a.CreatedAt, a.UpdatedAt)
	} else {
		row = s.pool.QueryRow(ctx,
			`INSERT INTO `+artifactsTable+` (id, worker_id, workspace_id, key, type, title, content, metadata, share_token, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (workspace_id, key) WHERE key <> '' DO UPDATE SET
				worker_id = EXCLUDED.worker_id,
				type = EXCLUDED.type,
				title = EXCLUDED.title,
				content = EXCLUDED.content,
				metadata = EXCLUDED.metadata,
				updated_at = EXCLUDED.updated_at
			 RETURNING `+artifactColumns,
			a.ID, a.WorkerID, a.WorkspaceID, a.Key, string(a.Type), a.Title, a.Content,
			rawOrNil(a.Metadata), a.ShareToken, a.CreatedAt, a.UpdatedAt)
	}

	stored, err := scanArtifact(row)
	if err != nil {
		return nil, fmt.Errorf("upsert artifact %s: %w", a.ID, err)
	}
	return stored, nil
}

// Get retrieves an artifact by id.
func (s *ArtifactStore) Get(ctx context.Context, id string) (*artifact.Artifact, error) {
	var a *artifact.Artifact
	err := withReadRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx,
			`SELECT `+artifactColumns+` FROM `+artifactsTable+` WHERE id = $1`, id)
		var scanErr error
		a, scanErr = scanArtifact(row)
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sharederrors.NotFound("artifact", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", id, err)
	}
	return a, nil
}

// GetByShareToken resolves a public share link.
func (s *ArtifactStore) GetByShareToken(ctx context.Context, token string) (*artifact.Artifact, error) {
	var a *artifact.Artifact
	err := withReadRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx,
			`SELECT `+artifactColumns+` FROM `+artifactsTable+` WHERE share_token = $1`, token)
		var scanErr error
		a, scanErr = scanArtifact(row)
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sharederrors.NotFound("artifact", "")
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact by share token: %w", err)
	}
	return a, nil
}

// ListByWorker returns the worker's artifacts, newest first.
func (s *ArtifactStore) ListByWorker(ctx context.Context, workerID string) ([]*artifact.Artifact, error) {
	var artifacts []*artifact.Artifact
	err := withReadRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+artifactColumns+` FROM `+artifactsTable+`
			 WHERE worker_id = $1 ORDER BY created_at DESC`, workerID)
		if err != nil {
			return err
		}
		defer rows.Close()

		artifacts = nil
		for rows.Next() {
			a, err := scanArtifact(rows)
			if err != nil {
				return err
			}
			artifacts = append(artifacts, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts for worker %s: %w", workerID, err)
	}
	return artifacts, nil
}

// CountByWorker counts the worker's artifacts.
func (s *ArtifactStore) CountByWorker(ctx context.Context, workerID string) (int, error) {
	var count int
	err := withReadRetry(ctx, func() error {
		return s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM `+artifactsTable+` WHERE worker_id = $1`, workerID).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("count artifacts for worker %s: %w", workerID, err)
	}
	return count, nil
}

func scanArtifact(row pgxRow) (*artifact.Artifact, error) {
	var a artifact.Artifact
	var typ string
	var metadata []byte
	if err := row.Scan(&a.ID, &a.WorkerID, &a.WorkspaceID, &a.Key, &typ, &a.Title,
		&a.Content, &metadata, &a.ShareToken, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Type = artifact.Type(typ)
	if len(metadata) > 0 && string(metadata) != "null" {
		a.Metadata = json.RawMessage(metadata)
	}
	return &a, nil
}
