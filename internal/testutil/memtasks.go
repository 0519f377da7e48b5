package testutil

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/buildd-ai/buildd-sub004/internal/domain/task"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
)

// MemTaskStore is an in-memory task.Store mirroring the Postgres store's
// transition semantics.
type MemTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
}

var _ task.Store = (*MemTaskStore)(nil)

// NewMemTaskStore creates an empty in-memory task store.
func NewMemTaskStore() *MemTaskStore {
	return &MemTaskStore{tasks: make(map[string]*task.Task)}
}

func cloneTask(t *task.Task) *task.Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.BlockedByTaskIDs != nil {
		c.BlockedByTaskIDs = append([]string(nil), t.BlockedByTaskIDs...)
	}
	if t.Context != nil {
		c.Context = make(map[string]string, len(t.Context))
		for k, v := range t.Context {
			c.Context[k] = v
		}
	}
	if t.ClaimedAt != nil {
		v := *t.ClaimedAt
		c.ClaimedAt = &v
	}
	if t.ExpiresAt != nil {
		v := *t.ExpiresAt
		c.ExpiresAt = &v
	}
	if t.OutputSchema != nil {
		c.OutputSchema = append(json.RawMessage(nil), t.OutputSchema...)
	}
	if t.Result != nil {
		r := *t.Result
		if t.Result.Phases != nil {
			r.Phases = append([]task.PhaseEntry(nil), t.Result.Phases...)
		}
		if t.Result.Output != nil {
			r.Output = append(json.RawMessage(nil), t.Result.Output...)
		}
		c.Result = &r
	}
	return &c
}

// EnsureSchema is a no-op for the in-memory store.
func (s *MemTaskStore) EnsureSchema(context.Context) error { return nil }

// Create persists a new task.
func (s *MemTaskStore) Create(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

// Get retrieves a task by id.
func (s *MemTaskStore) Get(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, sharederrors.NotFound("task", id)
	}
	return cloneTask(t), nil
}

// List returns tasks matching the filter, highest priority first, then oldest
// first.
func (s *MemTaskStore) List(_ context.Context, filter task.ListFilter) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*task.Task
	for _, t := range s.tasks {
		if filter.WorkspaceID != "" && t.WorkspaceID != filter.WorkspaceID {
			continue
		}
		if filter.Project != "" && t.Project != filter.Project {
			continue
		}
		if filter.ScheduleID != "" && t.ScheduleID != filter.ScheduleID {
			continue
		}
		if len(filter.Statuses) > 0 {
			matched := false
			for _, st := range filter.Statuses {
				if t.Status == st {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		out = append(out, cloneTask(t))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Update persists the mutable fields of the task and bumps updated_at.
func (s *MemTaskStore) Update(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[t.ID]
	if !ok {
		return sharederrors.NotFound("task", t.ID)
	}
	c := cloneTask(t)
	c.CreatedAt = existing.CreatedAt
	c.ScheduleID = existing.ScheduleID
	c.UpdatedAt = time.Now().UTC()
	s.tasks[t.ID] = c
	return nil
}

// Delete removes a task.
func (s *MemTaskStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return sharederrors.NotFound("task", id)
	}
	delete(s.tasks, id)
	return nil
}

// Statuses resolves the current status of each given task id.
func (s *MemTaskStore) Statuses(_ context.Context, ids []string) (map[string]task.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]task.Status, len(ids))
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok {
			result[id] = t.Status
		}
	}
	return result, nil
}

// ListBlockedOn returns non-terminal tasks whose blocker list contains the
// given task id.
func (s *MemTaskStore) ListBlockedOn(_ context.Context, blockerID string) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.Status.IsTerminal() {
			continue
		}
		for _, b := range t.BlockedByTaskIDs {
			if b == blockerID {
				out = append(out, cloneTask(t))
				break
			}
		}
	}
	return out, nil
}

// MarkPendingIfBlocked atomically flips blocked to pending.
func (s *MemTaskStore) MarkPendingIfBlocked(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != task.StatusBlocked {
		return false, nil
	}
	t.Status = task.StatusPending
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ResetToPending clears the claim fields and returns the task to pending.
func (s *MemTaskStore) ResetToPending(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return sharederrors.NotFound("task", id)
	}
	t.Status = task.StatusPending
	t.ClaimedBy = ""
	t.ClaimedAt = nil
	t.ExpiresAt = nil
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkRunning promotes an assigned task claimed by the given worker.
func (s *MemTaskStore) MarkRunning(_ context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.ClaimedBy != workerID ||
		(t.Status != task.StatusAssigned && t.Status != task.StatusRunning) {
		return sharederrors.Conflictf("task %s is not assigned to worker %s", id, workerID)
	}
	t.Status = task.StatusRunning
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// ReassignToWorker re-points a task at a worker with a fresh lease.
func (s *MemTaskStore) ReassignToWorker(_ context.Context, id, workerID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return sharederrors.NotFound("task", id)
	}
	now := time.Now().UTC()
	t.Status = task.StatusAssigned
	t.ClaimedBy = workerID
	t.ClaimedAt = &now
	t.ExpiresAt = &expiresAt
	t.UpdatedAt = now
	return nil
}

// RenewLease extends the claim lease for the owning worker.
func (s *MemTaskStore) RenewLease(_ context.Context, id, workerID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.ClaimedBy != workerID {
		return sharederrors.Conflictf("task %s is not claimed by worker %s", id, workerID)
	}
	t.ExpiresAt = &expiresAt
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Complete finalizes the task with a terminal status and result snapshot.
func (s *MemTaskStore) Complete(_ context.Context, id string, status task.Status, result *task.Result) error {
	if !status.IsTerminal() {
		return sharederrors.Invalidf("completion status %q is not terminal", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return sharederrors.NotFound("task", id)
	}
	t.Status = status
	t.Result = result
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// CountLiveBySchedule counts non-terminal tasks instantiated from the
// schedule.
func (s *MemTaskStore) CountLiveBySchedule(_ context.Context, scheduleID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, t := range s.tasks {
		if t.ScheduleID == scheduleID && !t.Status.IsTerminal() {
			count++
		}
	}
	return count, nil
}

// claimTarget resolves and assigns a claimable task on behalf of
// MemWorkerStore.ClaimTask, mirroring the Postgres claim predicates.
func (s *MemTaskStore) claimTarget(params claimResolveParams) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *task.Task
	if params.taskID != "" {
		t, ok := s.tasks[params.taskID]
		if !ok {
			return nil, sharederrors.NotFound("task", params.taskID)
		}
		if params.workspaceID != "" && t.WorkspaceID != params.workspaceID {
			return nil, sharederrors.NotFound("task", params.taskID)
		}
		if t.Status != task.StatusPending {
			return nil, sharederrors.Conflictf("task %s is %s, not pending", t.ID, t.Status)
		}
		if t.ClaimedBy != "" && !t.ClaimExpired(params.now) {
			return nil, sharederrors.Conflictf("task %s already claimed by %s", t.ID, t.ClaimedBy)
		}
		target = t
	} else {
		for _, t := range s.tasks {
			if t.WorkspaceID != params.workspaceID || t.Status != task.StatusPending {
				continue
			}
			if t.ClaimedBy != "" && !t.ClaimExpired(params.now) {
				continue
			}
			if target == nil ||
				t.Priority > target.Priority ||
				(t.Priority == target.Priority && t.CreatedAt.Before(target.CreatedAt)) {
				target = t
			}
		}
		if target == nil {
			return nil, sharederrors.NotFound("claimable task", "")
		}
	}

	expiresAt := params.now.Add(params.leaseTTL)
	target.Status = task.StatusAssigned
	target.ClaimedBy = params.workerID
	claimedAt := params.now
	target.ClaimedAt = &claimedAt
	target.ExpiresAt = &expiresAt
	target.UpdatedAt = params.now
	return cloneTask(target), nil
}

type claimResolveParams struct {
	taskID      string
	workspaceID string
	workerID    string
	leaseTTL    time.Duration
	now         time.Time
}
