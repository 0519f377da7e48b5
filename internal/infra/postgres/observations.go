package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildd-ai/buildd-sub004/internal/domain/observation"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

const observationsTable = "observations"

const observationColumns = `id, workspace_id, type, title, content, files, concepts, created_at`

// ObservationStore implements observation.Store backed by Postgres. File and
// concept arrays are indexed with GIN so overlap search stays cheap.
type ObservationStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ observation.Store = (*ObservationStore)(nil)

// NewObservationStore creates a Postgres-backed observation store.
func NewObservationStore(pool *pgxpool.Pool) *ObservationStore {
	return &ObservationStore{
		pool:   pool,
		logger: logging.NewComponentLogger("ObservationStore"),
	}
}

// EnsureSchema creates the observations table and indexes if they do not
// exist.
func (s *ObservationStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("observation store not initialized")
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + observationsTable + ` (
    id           TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    type         TEXT NOT NULL,
    title        TEXT NOT NULL,
    content      TEXT NOT NULL DEFAULT '',
    files        TEXT[] NOT NULL DEFAULT '{}',
    concepts     TEXT[] NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_workspace
    ON ` + observationsTable + ` (workspace_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_files
    ON ` + observationsTable + ` USING GIN (files)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_concepts
    ON ` + observationsTable + ` USING GIN (concepts)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure observations schema: %w", err)
		}
	}
	return nil
}

// Create persists one observation.
func (s *ObservationStore) Create(ctx context.Context, o *observation.Observation) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+observationsTable+` (id, workspace_id, type, title, content, files, concepts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.WorkspaceID, string(o.Type), o.Title, o.Content,
		emptyToSlice(o.Files), emptyToSlice(o.Concepts), o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create observation %s: %w", o.ID, err)
	}
	return nil
}

// CreateBatch persists up to MaxBatchSize observations in one transaction.
func (s *ObservationStore) CreateBatch(ctx context.Context, os []*observation.Observation) error {
	if len(os) == 0 {
		return nil
	}
	if len(os) > observation.MaxBatchSize {
		return sharederrors.Invalidf("batch of %d exceeds limit of %d", len(os), observation.MaxBatchSize)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin observation batch tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	now := time.Now().UTC()
	for _, o := range os {
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+observationsTable+` (id, workspace_id, type, title, content, files, concepts, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			o.ID, o.WorkspaceID, string(o.Type), o.Title, o.Content,
			emptyToSlice(o.Files), emptyToSlice(o.Concepts), o.CreatedAt,
		); err != nil {
			return fmt.Errorf("batch insert observation %s: %w", o.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit observation batch: %w", err)
	}
	return nil
}

// Get retrieves an observation by id.
func (s *ObservationStore) Get(ctx context.Context, id string) (*observation.Observation, error) {
	var o *observation.Observation
	err := withReadRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx,
			`SELECT `+observationColumns+` FROM `+observationsTable+` WHERE id = $1`, id)
		var scanErr error
		o, scanErr = scanObservation(row)
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sharederrors.NotFound("observation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get observation %s: %w", id, err)
	}
	return o, nil
}

// GetBatch resolves multiple ids; missing ids are skipped.
func (s *ObservationStore) GetBatch(ctx context.Context, ids []string) ([]*observation.Observation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var result []*observation.Observation
	err := withReadRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+observationColumns+` FROM `+observationsTable+`
			 WHERE id = ANY($1) ORDER BY created_at DESC`, ids)
		if err != nil {
			return err
		}
		defer rows.Close()
		result, err = scanObservations(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get observation batch: %w", err)
	}
	return result, nil
}

// List returns the workspace's observations, newest first.
func (s *ObservationStore) List(ctx context.Context, workspaceID string, limit int) ([]*observation.Observation, error) {
	query := `SELECT ` + observationColumns + ` FROM ` + observationsTable + `
		 WHERE workspace_id = $1 ORDER BY created_at DESC`
	args := []any{workspaceID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var result []*observation.Observation
	err := withReadRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		result, err = scanObservations(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	return result, nil
}

// Search ranks by file/concept overlap, then text match, newest first within
// equal rank. An empty query degrades to List.
func (s *ObservationStore) Search(ctx context.Context, q observation.SearchQuery) ([]*observation.Observation, error) {
	if len(q.Files) == 0 && len(q.Concepts) == 0 && q.Text == "" {
		return s.List(ctx, q.WorkspaceID, q.Limit)
	}

	files := emptyToSlice(q.Files)
	concepts := emptyToSlice(q.Concepts)
	textPattern := "%" + q.Text + "%"
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + observationColumns + `,
		(SELECT COUNT(*) FROM unnest(files) f WHERE f = ANY($2))
		  + (SELECT COUNT(*) FROM unnest(concepts) c WHERE c = ANY($3)) AS overlap
	 FROM ` + observationsTable + `
	 WHERE workspace_id = $1
	   AND (files && $2 OR concepts && $3
	     OR ($4 <> '' AND (title ILIKE $5 OR content ILIKE $5)))
	 ORDER BY overlap DESC, created_at DESC
	 LIMIT $6`

	var result []*observation.Observation
	err := withReadRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, query,
			q.WorkspaceID, files, concepts, q.Text, textPattern, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		result = nil
		for rows.Next() {
			var o observation.Observation
			var typ string
			var overlap int
			if err := rows.Scan(&o.ID, &o.WorkspaceID, &typ, &o.Title, &o.Content,
				&o.Files, &o.Concepts, &o.CreatedAt, &overlap); err != nil {
				return err
			}
			o.Type = observation.Type(typ)
			normalizeObservationArrays(&o)
			result = append(result, &o)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("search observations: %w", err)
	}
	return result, nil
}

// Update persists the observation's mutable fields.
func (s *ObservationStore) Update(ctx context.Context, o *observation.Observation) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+observationsTable+` SET
			type = $2, title = $3, content = $4, files = $5, concepts = $6
		 WHERE id = $1`,
		o.ID, string(o.Type), o.Title, o.Content, emptyToSlice(o.Files), emptyToSlice(o.Concepts))
	if err != nil {
		return fmt.Errorf("update observation %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return sharederrors.NotFound("observation", o.ID)
	}
	return nil
}

// Delete removes an observation.
func (s *ObservationStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+observationsTable+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete observation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return sharederrors.NotFound("observation", id)
	}
	return nil
}

// CountByType tallies the workspace's observations per type.
func (s *ObservationStore) CountByType(ctx context.Context, workspaceID string) (map[observation.Type]int, error) {
	counts := make(map[observation.Type]int)
	err := withReadRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT type, COUNT(*) FROM `+observationsTable+`
			 WHERE workspace_id = $1 GROUP BY type`, workspaceID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var typ string
			var count int
			if err := rows.Scan(&typ, &count); err != nil {
				return err
			}
			counts[observation.Type(typ)] = count
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("count observations by type: %w", err)
	}
	return counts, nil
}

// DistinctConcepts returns the workspace's concept vocabulary,
// alphabetically.
func (s *ObservationStore) DistinctConcepts(ctx context.Context, workspaceID string) ([]string, error) {
	var concepts []string
	err := withReadRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx,
			`SELECT DISTINCT unnest(concepts) AS concept FROM `+observationsTable+`
			 WHERE workspace_id = $1 ORDER BY concept ASC`, workspaceID)
		if err != nil {
			return err
		}
		defer rows.Close()

		concepts = nil
		for rows.Next() {
			var c string
			if err := rows.Scan(&c); err != nil {
				return err
			}
			concepts = append(concepts, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list distinct concepts: %w", err)
	}
	return concepts, nil
}

func scanObservations(rows pgxRows) ([]*observation.Observation, error) {
	var result []*observation.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return result, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanObservation(row pgxRow) (*observation.Observation, error) {
	var o observation.Observation
	var typ string
	if err := row.Scan(&o.ID, &o.WorkspaceID, &typ, &o.Title, &o.Content,
		&o.Files, &o.Concepts, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.Type = observation.Type(typ)
	normalizeObservationArrays(&o)
	return &o, nil
}

func normalizeObservationArrays(o *observation.Observation) {
	if len(o.Files) == 0 {
		o.Files = nil
	}
	if len(o.Concepts) == 0 {
		o.Concepts = nil
	}
}
