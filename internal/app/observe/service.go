// Package observe manages the workspace observation index: agent memory
// written by one session and recalled by the next.
package observe

import (
	"context"
	"fmt"
	"strings"

	"github.com/buildd-ai/buildd-sub004/internal/domain/observation"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
	id "github.com/buildd-ai/buildd-sub004/internal/shared/utils/id"
)

// DefaultSearchLimit bounds search results when the caller does not ask for
// a specific count.
const DefaultSearchLimit = 50

// Service manages observation CRUD, search, and the compact digest.
type Service struct {
	observations observation.Store
	logger       logging.Logger
}

// NewService creates the observation service.
func NewService(observations observation.Store, logger logging.Logger) *Service {
	return &Service{
		observations: observations,
		logger:       logging.OrNop(logger),
	}
}

// CreateParams describes one new observation.
type CreateParams struct {
	Type     observation.Type `json:"type"`
	Title    string           `json:"title"`
	Content  string           `json:"content"`
	Files    []string         `json:"files,omitempty"`
	Concepts []string         `json:"concepts,omitempty"`
}

func (p CreateParams) validate() error {
	if !p.Type.Valid() {
		return sharederrors.Invalidf("unknown observation type %q", p.Type)
	}
	if strings.TrimSpace(p.Title) == "" {
		return sharederrors.Invalidf("observation title required")
	}
	if strings.TrimSpace(p.Content) == "" {
		return sharederrors.Invalidf("observation content required")
	}
	return nil
}

func (p CreateParams) build(workspaceID string) *observation.Observation {
	return &observation.Observation{
		ID:          id.NewObservationID(),
		WorkspaceID: workspaceID,
		Type:        p.Type,
		Title:       strings.TrimSpace(p.Title),
		Content:     p.Content,
		Files:       normalizeList(p.Files),
		Concepts:    normalizeList(p.Concepts),
	}
}

// Create persists one observation.
func (s *Service) Create(ctx context.Context, workspaceID string, p CreateParams) (*observation.Observation, error) {
	if workspaceID == "" {
		return nil, sharederrors.Invalidf("workspaceId required")
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	o := p.build(workspaceID)
	if err := s.observations.Create(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// CreateBatch persists up to observation.MaxBatchSize observations in one
// call. The whole batch is validated before anything is written.
func (s *Service) CreateBatch(ctx context.Context, workspaceID string, params []CreateParams) ([]*observation.Observation, error) {
	if workspaceID == "" {
		return nil, sharederrors.Invalidf("workspaceId required")
	}
	if len(params) == 0 {
		return nil, sharederrors.Invalidf("batch requires at least one observation")
	}
	if len(params) > observation.MaxBatchSize {
		return nil, sharederrors.Invalidf("batch size %d exceeds limit %d", len(params), observation.MaxBatchSize)
	}
	batch := make([]*observation.Observation, 0, len(params))
	for i, p := range params {
		if err := p.validate(); err != nil {
			return nil, sharederrors.Invalidf("observation %d: %s", i, err)
		}
		batch = append(batch, p.build(workspaceID))
	}
	if err := s.observations.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// Get retrieves one observation scoped to the workspace.
func (s *Service) Get(ctx context.Context, workspaceID, observationID string) (*observation.Observation, error) {
	o, err := s.observations.Get(ctx, observationID)
	if err != nil {
		return nil, err
	}
	if o.WorkspaceID != workspaceID {
		return nil, sharederrors.NotFound("observation", observationID)
	}
	return o, nil
}

// GetBatch resolves ids within the workspace; missing or foreign ids are
// silently skipped.
func (s *Service) GetBatch(ctx context.Context, workspaceID string, ids []string) ([]*observation.Observation, error) {
	found, err := s.observations.GetBatch(ctx, ids)
	if err != nil {
		return nil, err
	}
	scoped := found[:0]
	for _, o := range found {
		if o.WorkspaceID == workspaceID {
			scoped = append(scoped, o)
		}
	}
	return scoped, nil
}

// List returns the workspace's observations, newest first.
func (s *Service) List(ctx context.Context, workspaceID string, limit int) ([]*observation.Observation, error) {
	return s.observations.List(ctx, workspaceID, limit)
}

// Search ranks the workspace's observations by file and concept overlap,
// falling back to title/content substring match.
func (s *Service) Search(ctx context.Context, workspaceID, text string, files, concepts []string, limit int) ([]*observation.Observation, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return s.observations.Search(ctx, observation.SearchQuery{
		WorkspaceID: workspaceID,
		Text:        strings.TrimSpace(text),
		Files:       normalizeList(files),
		Concepts:    normalizeList(concepts),
		Limit:       limit,
	})
}

// Compact builds the digest a fresh session reads first: counts per type,
// the newest entries as one-liners, and the concept vocabulary.
func (s *Service) Compact(ctx context.Context, workspaceID string) (*observation.Digest, error) {
	counts, err := s.observations.CountByType(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	recent, err := s.observations.List(ctx, workspaceID, observation.DigestRecentLimit)
	if err != nil {
		return nil, err
	}
	concepts, err := s.observations.DistinctConcepts(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	lines := make([]string, 0, len(recent))
	for _, o := range recent {
		lines = append(lines, fmt.Sprintf("[%s] %s", o.Type, o.Title))
	}
	return &observation.Digest{
		CountsByType: counts,
		Recent:       lines,
		Concepts:     concepts,
	}, nil
}

// Update applies a partial update to a workspace observation.
func (s *Service) Update(ctx context.Context, workspaceID, observationID string, p observation.Patch) (*observation.Observation, error) {
	o, err := s.Get(ctx, workspaceID, observationID)
	if err != nil {
		return nil, err
	}
	if p.Type != nil {
		if !p.Type.Valid() {
			return nil, sharederrors.Invalidf("unknown observation type %q", *p.Type)
		}
		o.Type = *p.Type
	}
	if p.Title != nil {
		if strings.TrimSpace(*p.Title) == "" {
			return nil, sharederrors.Invalidf("observation title required")
		}
		o.Title = strings.TrimSpace(*p.Title)
	}
	if p.Content != nil {
		if strings.TrimSpace(*p.Content) == "" {
			return nil, sharederrors.Invalidf("observation content required")
		}
		o.Content = *p.Content
	}
	if p.Files != nil {
		o.Files = normalizeList(*p.Files)
	}
	if p.Concepts != nil {
		o.Concepts = normalizeList(*p.Concepts)
	}
	if err := s.observations.Update(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Delete removes a workspace observation.
func (s *Service) Delete(ctx context.Context, workspaceID, observationID string) error {
	if _, err := s.Get(ctx, workspaceID, observationID); err != nil {
		return err
	}
	return s.observations.Delete(ctx, observationID)
}

// normalizeList trims entries and drops empties, returning nil for an
// all-empty list.
func normalizeList(in []string) []string {
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
