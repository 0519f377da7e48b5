// Package task defines the task domain model and store port.
//
// A task is the unit of work runners claim and execute. The store is the
// single source of truth for task state; every transition that matters for
// coordination (claim, reassign, dependency unblock, completion) is expressed
// as a predicated update so concurrent actors cannot double-apply it.
package task

import (
	"context"
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBlocked   Status = "blocked"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsLive reports whether a task still occupies a schedule's concurrency
// budget: anything not yet terminal.
func (s Status) IsLive() bool {
	return !s.IsTerminal()
}

// Mode selects how the claiming agent should approach the task.
type Mode string

const (
	ModeExecute  Mode = "execute"
	ModePlanning Mode = "planning"
)

// OutputRequirement declares what a worker must produce before it may close.
type OutputRequirement string

const (
	// OutputAuto passes workers with no commits, otherwise requires a PR or
	// an artifact.
	OutputAuto             OutputRequirement = "auto"
	OutputPRRequired       OutputRequirement = "pr_required"
	OutputArtifactRequired OutputRequirement = "artifact_required"
	OutputNone             OutputRequirement = "none"
)

// PhaseEntry is one step of the execution timeline captured in the result.
type PhaseEntry struct {
	Label     string    `json:"label"`
	Timestamp time.Time `json:"ts"`
}

// Result is the completion snapshot copied onto the task when its worker
// finishes.
type Result struct {
	Commits      int             `json:"commits"`
	FilesChanged int             `json:"filesChanged"`
	LinesAdded   int             `json:"linesAdded"`
	LinesRemoved int             `json:"linesRemoved"`
	SHA          string          `json:"sha,omitempty"`
	PRURL        string          `json:"prUrl,omitempty"`
	Phases       []PhaseEntry    `json:"phases,omitempty"`
	LastQuestion string          `json:"lastQuestion,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
}

// Task is the coordination record for one unit of work.
type Task struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority"`
	Status      Status `json:"status"`
	Project     string `json:"project,omitempty"`

	// BlockedByTaskIDs lists tasks that must complete before this one is
	// claimable. Non-empty with unfinished blockers keeps the task blocked.
	BlockedByTaskIDs []string `json:"blockedByTaskIds,omitempty"`

	Mode              Mode              `json:"mode"`
	OutputRequirement OutputRequirement `json:"outputRequirement"`
	OutputSchema      json.RawMessage   `json:"outputSchema,omitempty"`

	// Claim lease. ClaimedBy is empty until a worker wins the claim
	// transaction; ExpiresAt bounds how long the claim is honored without
	// renewal.
	ClaimedBy string     `json:"claimedBy,omitempty"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	// Context carries agent-visible hints, including skill slugs.
	Context map[string]string `json:"context,omitempty"`

	Result *Result `json:"result,omitempty"`

	// ScheduleID is set at instantiation by the recurring scheduler and
	// never updated afterwards.
	ScheduleID string `json:"scheduleId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ClaimExpired reports whether the task's claim lease has lapsed.
func (t *Task) ClaimExpired(now time.Time) bool {
	if t.ClaimedBy == "" || t.ExpiresAt == nil {
		return false
	}
	return t.ExpiresAt.Before(now)
}

// ClampPriority narrows a requested priority into the supported range.
func ClampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 10 {
		return 10
	}
	return p
}

// Patch carries a partial task update. Nil pointers mean "leave unchanged";
// BlockedByTaskIDs and Context replace wholesale when present.
type Patch struct {
	Title             *string            `json:"title,omitempty"`
	Description       *string            `json:"description,omitempty"`
	Priority          *int               `json:"priority,omitempty"`
	Project           *string            `json:"project,omitempty"`
	BlockedByTaskIDs  *[]string          `json:"blockedByTaskIds,omitempty"`
	OutputRequirement *OutputRequirement `json:"outputRequirement,omitempty"`
	Mode              *Mode              `json:"mode,omitempty"`
	Context           *map[string]string `json:"context,omitempty"`
}

// ListFilter narrows List queries.
type ListFilter struct {
	WorkspaceID string
	Statuses    []Status
	Project     string
	ScheduleID  string
	Limit       int
}

// Store is the task persistence port.
type Store interface {
	// EnsureSchema creates the tasks table and indexes if absent.
	EnsureSchema(ctx context.Context) error

	// Create persists a new task.
	Create(ctx context.Context, t *Task) error

	// Get retrieves a task by id.
	Get(ctx context.Context, id string) (*Task, error)

	// List returns tasks matching the filter, highest priority first, then
	// oldest first.
	List(ctx context.Context, filter ListFilter) ([]*Task, error)

	// Update persists the mutable fields of the task row and bumps
	// updated_at.
	Update(ctx context.Context, t *Task) error

	// Delete removes a task.
	Delete(ctx context.Context, id string) error

	// Statuses resolves the current status of each given task id. Missing
	// ids are absent from the result.
	Statuses(ctx context.Context, ids []string) (map[string]Status, error)

	// ListBlockedOn returns non-terminal tasks whose blocker list contains
	// the given task id.
	ListBlockedOn(ctx context.Context, blockerID string) ([]*Task, error)

	// MarkPendingIfBlocked atomically flips blocked → pending. Returns
	// false when the task was not blocked, which makes concurrent
	// dependency walks idempotent.
	MarkPendingIfBlocked(ctx context.Context, id string) (bool, error)

	// ResetToPending clears the claim fields and returns the task to
	// pending regardless of current status. Used by reassignment.
	ResetToPending(ctx context.Context, id string) error

	// MarkRunning promotes an assigned task claimed by the given worker.
	MarkRunning(ctx context.Context, id, workerID string) error

	// ReassignToWorker re-points a claimed task at a new worker within the
	// same lease semantics as a fresh claim. Used by reactivation.
	ReassignToWorker(ctx context.Context, id, workerID string, expiresAt time.Time) error

	// RenewLease extends the claim lease for the owning worker.
	RenewLease(ctx context.Context, id, workerID string, expiresAt time.Time) error

	// Complete finalizes the task with a terminal status and its result
	// snapshot.
	Complete(ctx context.Context, id string, status Status, result *Result) error

	// CountLiveBySchedule counts non-terminal tasks instantiated from the
	// schedule.
	CountLiveBySchedule(ctx context.Context, scheduleID string) (int, error)
}
