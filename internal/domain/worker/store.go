// Package worker defines the worker domain model and store port.
//
// A worker is one agent session bound to a claimed task. Its status machine
// drives dispatch: active workers count against the account admission limit,
// waiting workers hold a tool-use open for an external answer, and terminal
// workers release their task. The store persists every worker the task
// accumulated across reassignments; only one may be active at a time.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/buildd-ai/buildd-sub004/internal/domain/task"
)

// Status represents the lifecycle state of a worker.
type Status string

const (
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusWaitingInput Status = "waiting_input"
	StatusIdle         Status = "idle"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusStale        Status = "stale"
)

// IsActive reports whether the worker occupies an admission slot.
func (s Status) IsActive() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusWaitingInput, StatusIdle:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a final state. Stale counts as
// terminal for dispatch but stays distinguishable in reports.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStale:
		return true
	default:
		return false
	}
}

// ActiveStatuses returns the statuses counted by the admission gate.
func ActiveStatuses() []Status {
	return []Status{StatusStarting, StatusRunning, StatusWaitingInput, StatusIdle}
}

// MaxMilestones bounds the milestone ring at persist time.
const MaxMilestones = 50

// Milestone is one progress marker reported by the runner.
type Milestone struct {
	Type      string    `json:"type"`
	Label     string    `json:"label"`
	Timestamp time.Time `json:"ts"`
	Progress  float64   `json:"progress,omitempty"`
	ToolCount int       `json:"toolCount,omitempty"`
}

// MilestonePhase marks a phase boundary; phase milestones become the task
// result timeline.
const MilestonePhase = "phase"

// key identifies a milestone for dedup purposes.
func (m Milestone) key() string {
	return m.Type + "\x00" + m.Label + "\x00" + m.Timestamp.UTC().Format(time.RFC3339Nano)
}

// MergeMilestones appends incoming milestones that are not already present,
// deduplicating by (type, label, ts) and preserving report order.
func MergeMilestones(existing, incoming []Milestone) []Milestone {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing))
	for _, m := range existing {
		seen[m.key()] = struct{}{}
	}
	merged := existing
	for _, m := range incoming {
		k := m.key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, m)
	}
	return merged
}

// CapMilestones keeps the most recent MaxMilestones entries. Applied at
// persist time so in-memory merges stay append-only within a request.
func CapMilestones(ms []Milestone) []Milestone {
	if len(ms) <= MaxMilestones {
		return ms
	}
	return ms[len(ms)-MaxMilestones:]
}

// Waiting reason types.
const (
	WaitingPlanApproval = "plan_approval"
	WaitingQuestion     = "question"
)

// PlanApprovalOptions are the three responses offered for a submitted plan,
// in presentation order.
func PlanApprovalOptions() []string {
	return []string{
		"Approve & implement (bypass permissions)",
		"Approve & implement (with review)",
		"Request changes",
	}
}

// WaitingFor describes the external input a worker is blocked on.
type WaitingFor struct {
	Type      string   `json:"type"`
	Prompt    string   `json:"prompt"`
	ToolUseID string   `json:"toolUseId"`
	Options   []string `json:"options,omitempty"`
}

// Worker is one agent session executing a claimed task.
type Worker struct {
	ID          string `json:"id"`
	AccountID   string `json:"accountId"`
	TaskID      string `json:"taskId"`
	WorkspaceID string `json:"workspaceId"`
	Branch      string `json:"branch,omitempty"`

	Status Status `json:"status"`

	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`

	CostUSD      float64 `json:"costUsd"`
	Turns        int     `json:"turns"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`

	// LocalUiUrl points at the runner UI hosting this worker; null when the
	// runner offers none.
	LocalUiUrl *string `json:"localUiUrl"`

	CurrentAction string      `json:"currentAction,omitempty"`
	Milestones    []Milestone `json:"milestones,omitempty"`
	WaitingFor    *WaitingFor `json:"waitingFor,omitempty"`

	// LastQuestion keeps the most recent waiting prompt after WaitingFor is
	// cleared, for the task result snapshot.
	LastQuestion string `json:"lastQuestion,omitempty"`

	LastCommitSHA string `json:"lastCommitSha,omitempty"`
	CommitCount   int    `json:"commitCount"`
	FilesChanged  int    `json:"filesChanged"`
	LinesAdded    int    `json:"linesAdded"`
	LinesRemoved  int    `json:"linesRemoved"`

	PRURL    string `json:"prUrl,omitempty"`
	PRNumber int    `json:"prNumber,omitempty"`

	// PendingInstructions is a one-shot payload delivered in the next PATCH
	// response, then cleared.
	PendingInstructions string `json:"pendingInstructions,omitempty"`

	// PlanStartMessageIndex marks where plan-mode began in the session
	// transcript; nil outside plan mode.
	PlanStartMessageIndex *int   `json:"planStartMessageIndex,omitempty"`
	PlanContent           string `json:"planContent,omitempty"`

	// SessionGeneration increments for every fresh agent session on this
	// worker; events and updates carrying an older generation are dropped.
	SessionGeneration int `json:"sessionGeneration"`

	ResultMeta json.RawMessage `json:"resultMeta,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// InPlanMode reports whether the worker is between EnterPlanMode and plan
// resolution.
func (w *Worker) InPlanMode() bool {
	return w.PlanStartMessageIndex != nil
}

// BuildTaskResult derives the task completion snapshot from the worker's
// final state: git stats, PR link, phase timeline, and the last question
// asked.
func BuildTaskResult(w *Worker) *task.Result {
	result := &task.Result{
		Commits:      w.CommitCount,
		FilesChanged: w.FilesChanged,
		LinesAdded:   w.LinesAdded,
		LinesRemoved: w.LinesRemoved,
		SHA:          w.LastCommitSHA,
		PRURL:        w.PRURL,
		LastQuestion: w.LastQuestion,
		Output:       w.ResultMeta,
	}
	for _, m := range w.Milestones {
		if m.Type != MilestonePhase {
			continue
		}
		result.Phases = append(result.Phases, task.PhaseEntry{Label: m.Label, Timestamp: m.Timestamp})
	}
	return result
}

// ClaimParams drives the atomic claim transaction.
type ClaimParams struct {
	// WorkerID is pre-generated by the caller so events can reference it
	// before the transaction commits.
	WorkerID    string
	AccountID   string
	WorkspaceID string

	// TaskID pins the claim to one task; empty lets the store pick the
	// highest-priority pending task in the workspace.
	TaskID string

	Branch string

	// MaxConcurrent is the account admission limit; the active-worker count
	// it gates is read inside the claim transaction.
	MaxConcurrent int

	LeaseTTL time.Duration
}

// StaleCandidate pairs a worker with the activity cutoff that applies to it.
type StaleCandidate struct {
	Worker     *Worker
	LastActive time.Time
}

// Store is the worker persistence port.
type Store interface {
	// EnsureSchema creates the workers table and indexes if absent.
	EnsureSchema(ctx context.Context) error

	// ClaimTask runs the atomic claim: count the account's active workers,
	// gate on MaxConcurrent, conditionally assign the task, and insert the
	// worker row, all in one transaction. Returns the new worker and the
	// claimed task. Fails with a capacity error, a not-found error, or a
	// conflict error from the shared taxonomy.
	ClaimTask(ctx context.Context, params ClaimParams) (*Worker, *task.Task, error)

	// Get retrieves a worker by id.
	Get(ctx context.Context, id string) (*Worker, error)

	// Update persists the worker's mutable fields, capping milestones, and
	// bumps updated_at.
	Update(ctx context.Context, w *Worker) error

	// ListByAccount returns the account's workers, optionally filtered by
	// status, newest first.
	ListByAccount(ctx context.Context, accountID string, statuses []Status) ([]*Worker, error)

	// ListActiveByTask returns the task's non-terminal workers.
	ListActiveByTask(ctx context.Context, taskID string) ([]*Worker, error)

	// CountActiveByAccount counts workers holding admission slots.
	CountActiveByAccount(ctx context.Context, accountID string) (int, error)

	// FailActive marks every active worker of the task failed with the
	// given error and completion time, returning the workers it failed.
	FailActive(ctx context.Context, taskID, errText string, completedAt time.Time) ([]*Worker, error)

	// ListRunningIdleBefore returns running workers whose last activity
	// predates the cutoff, for the stale sweep. Workers in plan mode are
	// only returned when older than planningCutoff; waiting workers never
	// appear.
	ListRunningIdleBefore(ctx context.Context, cutoff, planningCutoff time.Time) ([]*Worker, error)

	// MarkStale transitions a worker to stale if still running, returning
	// false when another actor moved it first.
	MarkStale(ctx context.Context, id, errText string, completedAt time.Time) (bool, error)
}
