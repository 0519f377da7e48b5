// Package reassign reclaims stuck tasks.
//
// Reclaiming happens two ways: an operator calls ReassignTask to take a task
// away from its workers, or the background sweeper notices a worker that went
// quiet and marks it stale. Both paths fail the displaced workers, return the
// task to the pending pool, and re-broadcast the open dispatch so any
// connected runner can pick it up.
package reassign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buildd-ai/buildd-sub004/internal/domain/account"
	busdomain "github.com/buildd-ai/buildd-sub004/internal/domain/bus"
	"github.com/buildd-ai/buildd-sub004/internal/domain/task"
	"github.com/buildd-ai/buildd-sub004/internal/domain/worker"
	"github.com/buildd-ai/buildd-sub004/internal/observability"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
)

const (
	// DefaultIdleTimeout is how long a running worker may go without an
	// update before the sweep marks it stale.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultPlanningTimeout replaces the idle timeout while a worker is in
	// plan mode, where long silent stretches are normal.
	DefaultPlanningTimeout = 15 * time.Minute

	reassignedError = "Task was reassigned"
	staleError      = "Worker went stale: no activity within the idle window"
)

// Service reclaims tasks from unresponsive or displaced workers.
type Service struct {
	tasks      task.Store
	workers    worker.Store
	workspaces account.WorkspaceStore
	publisher  busdomain.Publisher
	metrics    *observability.MetricsCollector
	logger     logging.Logger

	idleTimeout     time.Duration
	planningTimeout time.Duration
}

// NewService creates the reassignment engine.
func NewService(tasks task.Store, workers worker.Store, workspaces account.WorkspaceStore, publisher busdomain.Publisher, metrics *observability.MetricsCollector, logger logging.Logger) *Service {
	return &Service{
		tasks:           tasks,
		workers:         workers,
		workspaces:      workspaces,
		publisher:       publisher,
		metrics:         metrics,
		logger:          logging.OrNop(logger),
		idleTimeout:     DefaultIdleTimeout,
		planningTimeout: DefaultPlanningTimeout,
	}
}

// SetTimeouts overrides the sweep windows. Zero or negative values keep the
// defaults.
func (s *Service) SetTimeouts(idle, planning time.Duration) {
	if idle > 0 {
		s.idleTimeout = idle
	}
	if planning > 0 {
		s.planningTimeout = planning
	}
}

// Outcome reports what a reassignment request did. CanTakeover is only set
// on the informational (non-forced) path.
type Outcome struct {
	Reassigned  bool   `json:"reassigned"`
	WasAssigned bool   `json:"wasAssigned"`
	Reason      string `json:"reason,omitempty"`
	CanTakeover *bool  `json:"canTakeover,omitempty"`
}

// ReassignTask reclaims a task on behalf of accountID.
//
// A pending task just gets its dispatch re-broadcast. An assigned or running
// task reports who holds it unless force is set; forcing requires the caller
// to own the workspace or the claim lease to be expired, and then fails every
// active worker and returns the task to pending. Terminal tasks are left
// alone.
func (s *Service) ReassignTask(ctx context.Context, accountID, taskID string, force bool) (*Outcome, error) {
	tk, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch tk.Status {
	case task.StatusCompleted, task.StatusFailed:
		return &Outcome{Reassigned: false, Reason: "already " + string(tk.Status)}, nil

	case task.StatusBlocked:
		return &Outcome{Reassigned: false, Reason: "task is blocked by unfinished dependencies"}, nil

	case task.StatusPending:
		s.publishAssigned(ctx, tk)
		s.recordReassignment(ctx, "manual")
		return &Outcome{Reassigned: true, WasAssigned: false}, nil
	}

	// assigned or running from here on.
	now := time.Now().UTC()
	isStale := tk.ExpiresAt != nil && tk.ExpiresAt.Before(now)
	isOwner, err := s.isWorkspaceOwner(ctx, accountID, tk.WorkspaceID)
	if err != nil {
		return nil, err
	}

	if !force {
		can := isOwner || isStale
		return &Outcome{
			Reassigned:  false,
			Reason:      fmt.Sprintf("task is already claimed by worker %s", tk.ClaimedBy),
			CanTakeover: &can,
		}, nil
	}

	if !isOwner && !isStale {
		return nil, sharederrors.Forbiddenf(
			"task %s is not stale and the caller is not the workspace owner", taskID)
	}

	failed, err := s.workers.FailActive(ctx, taskID, reassignedError, now)
	if err != nil {
		return nil, err
	}
	if err := s.tasks.ResetToPending(ctx, taskID); err != nil {
		return nil, err
	}

	for _, w := range failed {
		s.publish(ctx, busdomain.WorkerChannel(w.ID), busdomain.EventWorkerFailed, busdomain.WorkerPayload{Worker: w})
		s.publish(ctx, busdomain.WorkspaceChannel(w.WorkspaceID), busdomain.EventWorkerFailed, busdomain.WorkerPayload{Worker: w})
	}

	fresh, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		fresh = tk
		fresh.Status = task.StatusPending
	}
	s.publishAssigned(ctx, fresh)
	s.recordReassignment(ctx, "manual")

	s.logger.Info("reassign: task %s reclaimed by account %s, %d workers displaced",
		taskID, accountID, len(failed))
	return &Outcome{Reassigned: true, WasAssigned: len(failed) > 0}, nil
}

// SweepResult summarizes one pass of the stale sweep.
type SweepResult struct {
	Checked int `json:"checked"`
	Marked  int `json:"marked"`
}

// SweepStale marks workers with no recent activity as stale and fails their
// tasks. Workers in plan mode get the longer planning window; waiting
// workers are never considered.
func (s *Service) SweepStale(ctx context.Context) (SweepResult, error) {
	now := time.Now().UTC()
	candidates, err := s.workers.ListRunningIdleBefore(ctx,
		now.Add(-s.idleTimeout), now.Add(-s.planningTimeout))
	if err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{Checked: len(candidates)}
	for _, w := range candidates {
		marked, err := s.workers.MarkStale(ctx, w.ID, staleError, now)
		if err != nil {
			s.logger.Warn("reassign: marking worker %s stale: %v", w.ID, err)
			continue
		}
		if !marked {
			continue
		}
		result.Marked++

		w.Status = worker.StatusStale
		w.Error = staleError
		done := now
		w.CompletedAt = &done

		if w.TaskID != "" {
			if err := s.tasks.Complete(ctx, w.TaskID, task.StatusFailed, worker.BuildTaskResult(w)); err != nil {
				s.logger.Warn("reassign: failing task %s for stale worker %s: %v", w.TaskID, w.ID, err)
			}
		}
		s.publish(ctx, busdomain.WorkerChannel(w.ID), busdomain.EventWorkerFailed, busdomain.WorkerPayload{Worker: w})
		s.publish(ctx, busdomain.WorkspaceChannel(w.WorkspaceID), busdomain.EventWorkerFailed, busdomain.WorkerPayload{Worker: w})
		s.recordReassignment(ctx, "sweep")

		s.logger.Info("reassign: worker %s marked stale (task=%s idle since %s)",
			w.ID, w.TaskID, w.UpdatedAt.Format(time.RFC3339))
	}
	return result, nil
}

func (s *Service) isWorkspaceOwner(ctx context.Context, accountID, workspaceID string) (bool, error) {
	if accountID == "" || s.workspaces == nil {
		return false, nil
	}
	ws, err := s.workspaces.Get(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, sharederrors.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return ws.AccountID == accountID, nil
}

func (s *Service) publishAssigned(ctx context.Context, tk *task.Task) {
	s.publish(ctx, busdomain.WorkspaceChannel(tk.WorkspaceID), busdomain.EventTaskAssigned,
		busdomain.TaskAssignedPayload{Task: tk, TargetLocalUiUrl: nil})
}

func (s *Service) publish(ctx context.Context, channel, event string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, channel, event, payload); err != nil {
		s.logger.Warn("reassign: publishing %s to %s: %v", event, channel, err)
	}
}

func (s *Service) recordReassignment(ctx context.Context, trigger string) {
	if s.metrics != nil {
		s.metrics.RecordReassignment(ctx, trigger)
	}
}
