// Package artifacts manages worker deliverables and their public share
// links.
package artifacts

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/buildd-ai/buildd-sub004/internal/domain/artifact"
	"github.com/buildd-ai/buildd-sub004/internal/domain/worker"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

// Service manages artifact writes and reads on behalf of workers.
type Service struct {
	artifacts artifact.Store
	workers   worker.Store
	logger    logging.Logger
}

// NewService creates the artifact service.
func NewService(artifacts artifact.Store, workers worker.Store, logger logging.Logger) *Service {
	return &Service{
		artifacts: artifacts,
		workers:   workers,
		logger:    logging.OrNop(logger),
	}
}

// CreateParams describes one deliverable.
type CreateParams struct {
	// Key makes the artifact upsert per workspace; recurring tasks use it
	// so each run overwrites the previous output.
	Key      string          `json:"key,omitempty"`
	Type     artifact.Type   `json:"type"`
	Title    string          `json:"title"`
	Content  string          `json:"content,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Create upserts a deliverable for the worker. Only the worker's own
// account may write artifacts against it.
func (s *Service) Create(ctx context.Context, accountID, workerID string, p CreateParams) (*artifact.Artifact, error) {
	w, err := s.workers.Get(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if w.AccountID != accountID {
		return nil, sharederrors.Forbiddenf("worker %s belongs to another account", workerID)
	}
	if !p.Type.Valid() {
		return nil, sharederrors.Invalidf("unknown artifact type %q", p.Type)
	}
	if strings.TrimSpace(p.Title) == "" {
		return nil, sharederrors.Invalidf("artifact title required")
	}
	return s.artifacts.Upsert(ctx, &artifact.Artifact{
		WorkerID:    workerID,
		WorkspaceID: w.WorkspaceID,
		Key:         strings.TrimSpace(p.Key),
		Type:        p.Type,
		Title:       strings.TrimSpace(p.Title),
		Content:     p.Content,
		Metadata:    p.Metadata,
	})
}

// List returns the worker's artifacts, newest first. Owner only.
func (s *Service) List(ctx context.Context, accountID, workerID string) ([]*artifact.Artifact, error) {
	w, err := s.workers.Get(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if w.AccountID != accountID {
		return nil, sharederrors.Forbiddenf("worker %s belongs to another account", workerID)
	}
	return s.artifacts.ListByWorker(ctx, workerID)
}

// SharedRead resolves a public share link to the redacted artifact view.
// No authentication: the token is the capability.
func (s *Service) SharedRead(ctx context.Context, token string) (*artifact.SharedView, error) {
	if strings.TrimSpace(token) == "" {
		return nil, sharederrors.NotFound("artifact", "")
	}
	a, err := s.artifacts.GetByShareToken(ctx, token)
	if err != nil {
		return nil, err
	}
	view := a.Shared()
	return &view, nil
}
