package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildd-ai/buildd-sub004/internal/domain/skill"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

const skillsTable = "workspace_skills"

const skillColumns = `id, workspace_id, slug, name, description, content, content_hash,
	source, origin, enabled, reference_files, created_at, updated_at`

// SkillStore implements skill.Store backed by Postgres.
type SkillStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ skill.Store = (*SkillStore)(nil)

// NewSkillStore creates a Postgres-backed skill store.
func NewSkillStore(pool *pgxpool.Pool) *SkillStore {
	return &SkillStore{
		pool:   pool,
		logger: logging.NewComponentLogger("SkillStore"),
	}
}

// EnsureSchema creates the workspace_skills table and indexes if they do not
// exist.
func (s *SkillStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("skill store not initialized")
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + skillsTable + ` (
    id              TEXT PRIMARY KEY,
    workspace_id    TEXT NOT NULL,
    slug            TEXT NOT NULL,
    name            TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    content         TEXT NOT NULL DEFAULT '',
    content_hash    TEXT NOT NULL DEFAULT '',
    source          TEXT NOT NULL DEFAULT '',
    origin          TEXT NOT NULL DEFAULT 'manual',
    enabled         BOOLEAN NOT NULL DEFAULT TRUE,
    reference_files JSONB,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (workspace_id, slug)
)`,
		`CREATE INDEX IF NOT EXISTS idx_skills_workspace
    ON ` + skillsTable + ` (workspace_id, enabled DESC, name ASC)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure skills schema: %w", err)
		}
	}
	return nil
}

// Upsert inserts the skill or updates the row matching (workspaceId, slug),
// preserving the existing id. The returned skill reflects the final row.
func (s *SkillStore) Upsert(ctx context.Context, sk *skill.Skill) (*skill.Skill, error) {
	now := time.Now().UTC()
	if sk.CreatedAt.IsZero() {
		sk.CreatedAt = now
	}
	sk.UpdatedAt = now

	refsJSON, err := marshalReferenceFiles(sk.ReferenceFiles)
	if err != nil {
		return nil, fmt.Errorf("marshal reference files: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+skillsTable+` (id, workspace_id, slug, name, description, content, content_hash,
			source, origin, enabled, reference_files, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (workspace_id, slug) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			content = EXCLUDED.content,
			content_hash = EXCLUDED.content_hash,
			source = EXCLUDED.source,
			origin = EXCLUDED.origin,
			enabled = EXCLUDED.enabled,
			reference_files = EXCLUDED.reference_files,
			updated_at = EXCLUDED.updated_at
		 RETURNING `+skillColumns,
		sk.ID, sk.WorkspaceID, sk.Slug, sk.Name, sk.Description, sk.Content, sk.ContentHash,
		sk.Source, string(sk.Origin), sk.Enabled, refsJSON, sk.CreatedAt, sk.UpdatedAt)

	stored, err := scanSkill(row)
	if err != nil {
		return nil, fmt.Errorf("upsert skill %s/%s: %w", sk.WorkspaceID, sk.Slug, err)
	}
	return stored, nil
}

// Get retrieves a skill by id.
func (s *SkillStore) Get(ctx context.Context, id string) (*skill.Skill, error) {
	var sk *skill.Skill
	err := withReadRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx, `SELECT `+skillColumns+` FROM `+skillsTable+` WHERE id = $1`, id)
		var scanErr error
		sk, scanErr = scanSkill(row)
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sharederrors.NotFound("skill", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get skill %s: %w", id, err)
	}
	return sk, nil
}

// GetBySlug retrieves a workspace's skill by slug.
func (s *SkillStore) GetBySlug(ctx context.Context, workspaceID, slug string) (*skill.Skill, error) {
	var sk *skill.Skill
	err := withReadRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx,
			`SELECT `+skillColumns+` FROM `+skillsTable+` WHERE workspace_id = $1 AND slug = $2`,
			workspaceID, slug)
		var scanErr error
		sk, scanErr = scanSkill(row)
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sharederrors.NotFound("skill", slug)
	}
	if err != nil {
		return nil, fmt.Errorf("get skill %s/%s: %w", workspaceID, slug, err)
	}
	return sk, nil
}

// List returns the workspace's skills, enabled first, then by name.
func (s *SkillStore) List(ctx context.Context, workspaceID string) ([]*skill.Skill, error) {
	var skills []*skill.Skill
	err := withReadRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+skillColumns+` FROM `+skillsTable+`
			 WHERE workspace_id = $1 ORDER BY enabled DESC, name ASC`, workspaceID)
		if err != nil {
			return err
		}
		defer rows.Close()

		skills = nil
		for rows.Next() {
			sk, err := scanSkill(rows)
			if err != nil {
				return err
			}
			skills = append(skills, sk)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list skills for workspace %s: %w", workspaceID, err)
	}
	return skills, nil
}

// Update persists the skill's mutable fields.
func (s *SkillStore) Update(ctx context.Context, sk *skill.Skill) error {
	refsJSON, err := marshalReferenceFiles(sk.ReferenceFiles)
	if err != nil {
		return fmt.Errorf("marshal reference files: %w", err)
	}

	sk.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+skillsTable+` SET
			name = $2, description = $3, content = $4, content_hash = $5,
			source = $6, origin = $7, enabled = $8, reference_files = $9, updated_at = $10
		 WHERE id = $1`,
		sk.ID, sk.Name, sk.Description, sk.Content, sk.ContentHash,
		sk.Source, string(sk.Origin), sk.Enabled, refsJSON, sk.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update skill %s: %w", sk.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return sharederrors.NotFound("skill", sk.ID)
	}
	return nil
}

// Delete removes a skill.
func (s *SkillStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+skillsTable+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete skill %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return sharederrors.NotFound("skill", id)
	}
	return nil
}

func scanSkill(row pgxRow) (*skill.Skill, error) {
	var sk skill.Skill
	var origin string
	var refsJSON []byte
	if err := row.Scan(&sk.ID, &sk.WorkspaceID, &sk.Slug, &sk.Name, &sk.Description,
		&sk.Content, &sk.ContentHash, &sk.Source, &origin, &sk.Enabled, &refsJSON,
		&sk.CreatedAt, &sk.UpdatedAt); err != nil {
		return nil, err
	}
	sk.Origin = skill.Origin(origin)
	if len(refsJSON) > 0 && string(refsJSON) != "null" {
		if err := json.Unmarshal(refsJSON, &sk.ReferenceFiles); err != nil {
			return nil, fmt.Errorf("decode reference files: %w", err)
		}
	}
	return &sk, nil
}

func marshalReferenceFiles(refs map[string]string) ([]byte, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	return json.Marshal(refs)
}
