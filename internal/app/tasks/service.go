// Package tasks handles task intake: creation, edits, and manual dispatch.
//
// Creation decides the initial pending/blocked state from the blocker list
// and broadcasts pending work to the workspace channel. Manual dispatch
// re-announces a pending task with a concrete runner target picked from
// the registry; it deliberately skips the scheduler's per-schedule
// concurrency gate.
package tasks

import (
	"context"
	"strings"
	"time"

	"github.com/buildd-ai/buildd-sub004/internal/domain/account"
	"github.com/buildd-ai/buildd-sub004/internal/domain/bus"
	"github.com/buildd-ai/buildd-sub004/internal/domain/task"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
	id "github.com/buildd-ai/buildd-sub004/internal/shared/utils/id"
)

// TargetResolver picks the dispatch hint for a workspace. Satisfied by the
// runner registry.
type TargetResolver interface {
	Target(ctx context.Context, workspaceID string) (string, error)
}

// Service manages the task intake surface.
type Service struct {
	tasks      task.Store
	workspaces account.WorkspaceStore
	targets    TargetResolver
	publisher  bus.Publisher
	logger     logging.Logger
}

// NewService creates the task intake service. targets may be nil when no
// runner registry is wired; dispatch then always broadcasts untargeted.
func NewService(tasks task.Store, workspaces account.WorkspaceStore, targets TargetResolver, publisher bus.Publisher, logger logging.Logger) *Service {
	return &Service{
		tasks:      tasks,
		workspaces: workspaces,
		targets:    targets,
		publisher:  publisher,
		logger:     logging.OrNop(logger),
	}
}

// CreateParams describes a new task.
type CreateParams struct {
	WorkspaceID       string                 `json:"workspaceId"`
	Title             string                 `json:"title"`
	Description       string                 `json:"description,omitempty"`
	Priority          int                    `json:"priority,omitempty"`
	Project           string                 `json:"project,omitempty"`
	Mode              task.Mode              `json:"mode,omitempty"`
	OutputRequirement task.OutputRequirement `json:"outputRequirement,omitempty"`
	BlockedByTaskIDs  []string               `json:"blockedByTaskIds,omitempty"`
	Context           map[string]string      `json:"context,omitempty"`
}

// Create persists a new task. Tasks with unfinished blockers start blocked;
// everything else starts pending and is announced on the workspace channel.
func (s *Service) Create(ctx context.Context, p CreateParams) (*task.Task, error) {
	if strings.TrimSpace(p.WorkspaceID) == "" {
		return nil, sharederrors.Invalidf("workspaceId required")
	}
	if strings.TrimSpace(p.Title) == "" {
		return nil, sharederrors.Invalidf("task title required")
	}
	mode := p.Mode
	if mode == "" {
		mode = task.ModeExecute
	}
	if mode != task.ModeExecute && mode != task.ModePlanning {
		return nil, sharederrors.Invalidf("unknown task mode %q", mode)
	}
	requirement := p.OutputRequirement
	if requirement == "" {
		requirement = task.OutputAuto
	}
	if !validRequirement(requirement) {
		return nil, sharederrors.Invalidf("unknown output requirement %q", requirement)
	}
	if _, err := s.workspaces.Get(ctx, p.WorkspaceID); err != nil {
		return nil, err
	}

	blockers := normalizeIDs(p.BlockedByTaskIDs)
	status, err := s.initialStatus(ctx, blockers)
	if err != nil {
		return nil, err
	}

	t := &task.Task{
		ID:                id.NewTaskID(),
		WorkspaceID:       p.WorkspaceID,
		Title:             strings.TrimSpace(p.Title),
		Description:       p.Description,
		Priority:          task.ClampPriority(p.Priority),
		Status:            status,
		Project:           p.Project,
		BlockedByTaskIDs:  blockers,
		Mode:              mode,
		OutputRequirement: requirement,
		Context:           copyContext(p.Context),
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.tasks.Create(ctx, t); err != nil {
		return nil, err
	}
	if t.Status == task.StatusPending {
		s.publishAssigned(ctx, t, nil)
	}
	return t, nil
}

// Get retrieves a task by id.
func (s *Service) Get(ctx context.Context, taskID string) (*task.Task, error) {
	return s.tasks.Get(ctx, taskID)
}

// List returns tasks matching the filter, highest priority first, then
// oldest first.
func (s *Service) List(ctx context.Context, filter task.ListFilter) ([]*task.Task, error) {
	return s.tasks.List(ctx, filter)
}

// Update applies a partial edit. Only unclaimed tasks (pending or blocked)
// are editable; changing the blocker list recomputes the pending/blocked
// state.
func (s *Service) Update(ctx context.Context, taskID string, p task.Patch) (*task.Task, error) {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusPending && t.Status != task.StatusBlocked {
		return nil, sharederrors.Conflictf("task %s is %s and can no longer be edited", t.ID, t.Status)
	}

	if p.Title != nil {
		if strings.TrimSpace(*p.Title) == "" {
			return nil, sharederrors.Invalidf("task title required")
		}
		t.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Priority != nil {
		t.Priority = task.ClampPriority(*p.Priority)
	}
	if p.Project != nil {
		t.Project = *p.Project
	}
	if p.Mode != nil {
		if *p.Mode != task.ModeExecute && *p.Mode != task.ModePlanning {
			return nil, sharederrors.Invalidf("unknown task mode %q", *p.Mode)
		}
		t.Mode = *p.Mode
	}
	if p.OutputRequirement != nil {
		if !validRequirement(*p.OutputRequirement) {
			return nil, sharederrors.Invalidf("unknown output requirement %q", *p.OutputRequirement)
		}
		t.OutputRequirement = *p.OutputRequirement
	}
	if p.Context != nil {
		t.Context = copyContext(*p.Context)
	}
	announce := false
	if p.BlockedByTaskIDs != nil {
		t.BlockedByTaskIDs = normalizeIDs(*p.BlockedByTaskIDs)
		status, err := s.initialStatus(ctx, t.BlockedByTaskIDs)
		if err != nil {
			return nil, err
		}
		announce = t.Status == task.StatusBlocked && status == task.StatusPending
		t.Status = status
	}

	if err := s.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	if announce {
		s.publishAssigned(ctx, t, nil)
	}
	return t, nil
}

// Delete removes an unclaimed or finished task. Claimed tasks must be
// reassigned first so their worker is not orphaned.
func (s *Service) Delete(ctx context.Context, taskID string) error {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status == task.StatusAssigned || t.Status == task.StatusRunning {
		return sharederrors.Conflictf("task %s is %s; reassign it before deleting", t.ID, t.Status)
	}
	return s.tasks.Delete(ctx, taskID)
}

// StartResult reports a manual dispatch. Started is false when no live
// runner advertises the workspace; the announcement still goes out
// untargeted so the next runner to connect can pick the task up.
type StartResult struct {
	Started          bool    `json:"started"`
	TargetLocalUiUrl *string `json:"targetLocalUiUrl"`
}

// Start dispatches a pending task to the best-placed live runner. Only the
// workspace owner may start tasks.
func (s *Service) Start(ctx context.Context, accountID, taskID string) (*StartResult, error) {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	ws, err := s.workspaces.Get(ctx, t.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if ws.AccountID != accountID {
		return nil, sharederrors.Forbiddenf("account %s does not own workspace %s", accountID, ws.ID)
	}
	switch t.Status {
	case task.StatusPending:
	case task.StatusBlocked:
		return nil, sharederrors.Conflictf("task %s is blocked by unfinished dependencies", t.ID)
	default:
		return nil, sharederrors.Conflictf("task %s is already %s", t.ID, t.Status)
	}

	var target *string
	if s.targets != nil {
		url, err := s.targets.Target(ctx, t.WorkspaceID)
		if err != nil {
			s.logger.Warn("tasks: resolving dispatch target for %s: %v", t.WorkspaceID, err)
		} else if url != "" {
			target = &url
		}
	}
	s.publishAssigned(ctx, t, target)
	return &StartResult{Started: target != nil, TargetLocalUiUrl: target}, nil
}

// initialStatus resolves the blocker list: any unfinished or unknown
// blocker keeps the task blocked.
func (s *Service) initialStatus(ctx context.Context, blockers []string) (task.Status, error) {
	if len(blockers) == 0 {
		return task.StatusPending, nil
	}
	statuses, err := s.tasks.Statuses(ctx, blockers)
	if err != nil {
		return "", err
	}
	for _, blockerID := range blockers {
		if statuses[blockerID] != task.StatusCompleted {
			return task.StatusBlocked, nil
		}
	}
	return task.StatusPending, nil
}

func (s *Service) publishAssigned(ctx context.Context, t *task.Task, target *string) {
	if s.publisher == nil {
		return
	}
	payload := bus.TaskAssignedPayload{Task: t, TargetLocalUiUrl: target}
	if err := s.publisher.Publish(ctx, bus.WorkspaceChannel(t.WorkspaceID), bus.EventTaskAssigned, payload); err != nil {
		s.logger.Warn("tasks: publishing TaskAssigned for %s: %v", t.ID, err)
	}
}

func validRequirement(r task.OutputRequirement) bool {
	switch r {
	case task.OutputAuto, task.OutputPRRequired, task.OutputArtifactRequired, task.OutputNone:
		return true
	default:
		return false
	}
}

func normalizeIDs(in []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func copyContext(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
