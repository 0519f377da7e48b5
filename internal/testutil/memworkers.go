package testutil

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/buildd-ai/buildd-sub004/internal/domain/task"
	"github.com/buildd-ai/buildd-sub004/internal/domain/worker"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
)

// MemWorkerStore is an in-memory worker.Store. Claim transactions resolve
// their task against the paired MemTaskStore, mirroring the Postgres claim
// protocol's admission count and assignment predicates.
type MemWorkerStore struct {
	mu      sync.Mutex
	workers map[string]*worker.Worker

	// Tasks backs the claim transaction.
	Tasks *MemTaskStore
}

var _ worker.Store = (*MemWorkerStore)(nil)

// NewMemWorkerStore creates an in-memory worker store claiming against tasks.
func NewMemWorkerStore(tasks *MemTaskStore) *MemWorkerStore {
	return &MemWorkerStore{workers: make(map[string]*worker.Worker), Tasks: tasks}
}

func cloneWorker(w *worker.Worker) *worker.Worker {
	if w == nil {
		return nil
	}
	c := *w
	if w.CompletedAt != nil {
		v := *w.CompletedAt
		c.CompletedAt = &v
	}
	if w.LocalUiUrl != nil {
		v := *w.LocalUiUrl
		c.LocalUiUrl = &v
	}
	if w.Milestones != nil {
		c.Milestones = append([]worker.Milestone(nil), w.Milestones...)
	}
	if w.WaitingFor != nil {
		wf := *w.WaitingFor
		if w.WaitingFor.Options != nil {
			wf.Options = append([]string(nil), w.WaitingFor.Options...)
		}
		c.WaitingFor = &wf
	}
	if w.PlanStartMessageIndex != nil {
		v := *w.PlanStartMessageIndex
		c.PlanStartMessageIndex = &v
	}
	if w.ResultMeta != nil {
		c.ResultMeta = append(json.RawMessage(nil), w.ResultMeta...)
	}
	return &c
}

// EnsureSchema is a no-op for the in-memory store.
func (s *MemWorkerStore) EnsureSchema(context.Context) error { return nil }

// Put seeds a worker directly, bypassing the claim protocol.
func (s *MemWorkerStore) Put(w *worker.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now().UTC()
	}
	s.workers[w.ID] = cloneWorker(w)
}

// ClaimTask runs the claim: admission count, task resolution and assignment,
// worker insertion.
func (s *MemWorkerStore) ClaimTask(_ context.Context, params worker.ClaimParams) (*worker.Worker, *task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	for _, w := range s.workers {
		if w.AccountID == params.AccountID && w.Status.IsActive() {
			active++
		}
	}
	if active >= params.MaxConcurrent {
		return nil, nil, &sharederrors.CapacityError{Current: active, Limit: params.MaxConcurrent}
	}

	now := time.Now().UTC()
	claimed, err := s.Tasks.claimTarget(claimResolveParams{
		taskID:      params.TaskID,
		workspaceID: params.WorkspaceID,
		workerID:    params.WorkerID,
		leaseTTL:    params.LeaseTTL,
		now:         now,
	})
	if err != nil {
		return nil, nil, err
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
	s.workers[w.ID] = cloneWorker(w)
	return w, claimed, nil
}

// Get retrieves a worker by id.
func (s *MemWorkerStore) Get(_ context.Context, id string) (*worker.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, sharederrors.NotFound("worker", id)
	}
	return cloneWorker(w), nil
}

// Update persists the worker's mutable fields, capping milestones.
func (s *MemWorkerStore) Update(_ context.Context, w *worker.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.workers[w.ID]
	if !ok {
		return sharederrors.NotFound("worker", w.ID)
	}
	w.Milestones = worker.CapMilestones(w.Milestones)
	w.UpdatedAt = time.Now().UTC()
	c := cloneWorker(w)
	c.AccountID = existing.AccountID
	c.TaskID = existing.TaskID
	c.WorkspaceID = existing.WorkspaceID
	c.StartedAt = existing.StartedAt
	s.workers[w.ID] = c
	return nil
}

// ListByAccount returns the account's workers, optionally filtered by status,
// newest first.
func (s *MemWorkerStore) ListByAccount(_ context.Context, accountID string, statuses []worker.Status) ([]*worker.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*worker.Worker
	for _, w := range s.workers {
		if w.AccountID != accountID {
			continue
		}
		if len(statuses) > 0 {
			matched := false
			for _, st := range statuses {
				if w.Status == st {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		out = append(out, cloneWorker(w))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// ListActiveByTask returns the task's non-terminal workers.
func (s *MemWorkerStore) ListActiveByTask(_ context.Context, taskID string) ([]*worker.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*worker.Worker
	for _, w := range s.workers {
		if w.TaskID == taskID && w.Status.IsActive() {
			out = append(out, cloneWorker(w))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// CountActiveByAccount counts workers holding admission slots.
func (s *MemWorkerStore) CountActiveByAccount(_ context.Context, accountID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, w := range s.workers {
		if w.AccountID == accountID && w.Status.IsActive() {
			count++
		}
	}
	return count, nil
}

// FailActive marks every active worker of the task failed, returning them.
func (s *MemWorkerStore) FailActive(_ context.Context, taskID, errText string, completedAt time.Time) ([]*worker.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*worker.Worker
	for _, w := range s.workers {
		if w.TaskID != taskID || !w.Status.IsActive() {
			continue
		}
		w.Status = worker.StatusFailed
		w.Error = errText
		done := completedAt
		w.CompletedAt = &done
		w.WaitingFor = nil
		w.UpdatedAt = time.Now().UTC()
		out = append(out, cloneWorker(w))
	}
	return out, nil
}

// ListRunningIdleBefore returns running or idle workers whose last activity
// predates the cutoff, applying the longer planning cutoff to plan-mode
// workers.
func (s *MemWorkerStore) ListRunningIdleBefore(_ context.Context, cutoff, planningCutoff time.Time) ([]*worker.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*worker.Worker
	for _, w := range s.workers {
		if w.Status != worker.StatusRunning && w.Status != worker.StatusIdle {
			continue
		}
		limit := cutoff
		if w.PlanStartMessageIndex != nil {
			limit = planningCutoff
		}
		if w.UpdatedAt.Before(limit) {
			out = append(out, cloneWorker(w))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

// MarkStale transitions a worker to stale if it is still running or idle.
func (s *MemWorkerStore) MarkStale(_ context.Context, id, errText string, completedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok || (w.Status != worker.StatusRunning && w.Status != worker.StatusIdle) {
		return false, nil
	}
	w.Status = worker.StatusStale
	w.Error = errText
	done := completedAt
	w.CompletedAt = &done
	w.WaitingFor = nil
	w.UpdatedAt = time.Now().UTC()
	return true, nil
}
