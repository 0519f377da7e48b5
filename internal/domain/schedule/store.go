// Package schedule defines recurring schedules and their store port.
//
// A schedule instantiates tasks from a template on a cron cadence, optionally
// gated by an external trigger probe. Probe bookkeeping (last value, check
// counts, failure streaks) lives on the schedule row so any cluster node can
// pick up where another left off.
package schedule

import (
	"context"
	"strings"
	"time"
)

// DefaultMaxConcurrent caps live tasks per schedule unless overridden.
const DefaultMaxConcurrent = 1

// DefaultPauseAfterFailures disables a schedule after this many consecutive
// probe or instantiation failures.
const DefaultPauseAfterFailures = 5

// TriggerType selects the probe protocol.
type TriggerType string

const (
	TriggerHTTPJSON TriggerType = "http_json"
	TriggerRSS      TriggerType = "rss"
)

// Trigger couples probe configuration with its persisted state. The schedule
// fires only when the probed value changes.
type Trigger struct {
	Type    TriggerType       `json:"type"`
	URL     string            `json:"url"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	LastCheckedAt    *time.Time `json:"lastCheckedAt,omitempty"`
	LastTriggerValue string     `json:"lastTriggerValue,omitempty"`
	TotalChecks      int        `json:"totalChecks"`
}

// TaskTemplate is the blueprint for instantiated tasks. Title and
// description may reference {{triggerValue}}.
type TaskTemplate struct {
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Priority    int               `json:"priority"`
	Context     map[string]string `json:"context,omitempty"`
}

// RenderTemplate substitutes the trigger value into a template string.
func RenderTemplate(text, triggerValue string) string {
	return strings.ReplaceAll(text, "{{triggerValue}}", triggerValue)
}

// Schedule is one recurring task source.
type Schedule struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`

	CronExpr string `json:"cronExpr"`
	Timezone string `json:"timezone"`
	Enabled  bool   `json:"enabled"`

	TaskTemplate TaskTemplate `json:"taskTemplate"`
	Trigger      *Trigger     `json:"trigger,omitempty"`

	// NextRunAt is the next fire moment in UTC; null while disabled.
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`

	MaxConcurrentFromSchedule int `json:"maxConcurrentFromSchedule"`

	// PauseAfterFailures auto-disables the schedule once
	// ConsecutiveFailures reaches it.
	PauseAfterFailures  int    `json:"pauseAfterFailures"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastError           string `json:"lastError,omitempty"`

	TotalRuns int `json:"totalRuns"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Normalize applies defaults for unset tuning fields.
func (s *Schedule) Normalize() {
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if s.MaxConcurrentFromSchedule <= 0 {
		s.MaxConcurrentFromSchedule = DefaultMaxConcurrent
	}
	if s.PauseAfterFailures <= 0 {
		s.PauseAfterFailures = DefaultPauseAfterFailures
	}
}

// RecordFailure bumps the failure streak and reports whether the schedule
// should pause.
func (s *Schedule) RecordFailure(errText string) (paused bool) {
	s.ConsecutiveFailures++
	s.LastError = errText
	if s.ConsecutiveFailures >= s.PauseAfterFailures {
		s.Enabled = false
		s.NextRunAt = nil
		return true
	}
	return false
}

// RecordSuccess clears the failure streak.
func (s *Schedule) RecordSuccess() {
	s.ConsecutiveFailures = 0
	s.LastError = ""
}

// Patch carries a partial schedule update.
type Patch struct {
	Name                      *string       `json:"name,omitempty"`
	CronExpr                  *string       `json:"cronExpr,omitempty"`
	Timezone                  *string       `json:"timezone,omitempty"`
	Enabled                   *bool         `json:"enabled,omitempty"`
	TaskTemplate              *TaskTemplate `json:"taskTemplate,omitempty"`
	Trigger                   *Trigger      `json:"trigger,omitempty"`
	MaxConcurrentFromSchedule *int          `json:"maxConcurrentFromSchedule,omitempty"`
	PauseAfterFailures        *int          `json:"pauseAfterFailures,omitempty"`
}

// Store is the schedule persistence port.
type Store interface {
	// EnsureSchema creates the schedules table if absent.
	EnsureSchema(ctx context.Context) error

	// Create persists a new schedule.
	Create(ctx context.Context, s *Schedule) error

	// Get retrieves a schedule by id.
	Get(ctx context.Context, id string) (*Schedule, error)

	// ListByWorkspace returns the workspace's schedules, newest first.
	ListByWorkspace(ctx context.Context, workspaceID string) ([]*Schedule, error)

	// ListDue returns enabled schedules whose nextRunAt has passed.
	ListDue(ctx context.Context, now time.Time) ([]*Schedule, error)

	// Update persists the schedule's mutable fields.
	Update(ctx context.Context, s *Schedule) error

	// Delete removes a schedule.
	Delete(ctx context.Context, id string) error

	// TryLock takes the schedule's cluster-wide advisory lock so only one
	// node processes it per tick. ok is false when another holder exists;
	// release must be called exactly once when ok.
	TryLock(ctx context.Context, id string) (release func(), ok bool, err error)
}
