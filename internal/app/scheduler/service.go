package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/buildd-ai/buildd-sub004/internal/domain/schedule"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
	id "github.com/buildd-ai/buildd-sub004/internal/shared/utils/id"
)

// Service manages schedule CRUD. The engine consumes what this service
// writes; the two share nothing but the store.
type Service struct {
	schedules schedule.Store
	logger    logging.Logger
}

// NewService creates the schedule management service.
func NewService(schedules schedule.Store, logger logging.Logger) *Service {
	return &Service{
		schedules: schedules,
		logger:    logging.OrNop(logger),
	}
}

// CreateParams describes a new schedule. Schedules start enabled unless
// Disabled is set.
type CreateParams struct {
	Name     string                `json:"name"`
	CronExpr string                `json:"cronExpr"`
	Timezone string                `json:"timezone,omitempty"`
	Disabled bool                  `json:"disabled,omitempty"`
	Template schedule.TaskTemplate `json:"taskTemplate"`
	Trigger  *schedule.Trigger     `json:"trigger,omitempty"`

	MaxConcurrentFromSchedule int `json:"maxConcurrentFromSchedule,omitempty"`
	PauseAfterFailures        int `json:"pauseAfterFailures,omitempty"`
}

// Create validates and persists a new schedule, computing its first fire.
func (s *Service) Create(ctx context.Context, workspaceID string, p CreateParams) (*schedule.Schedule, error) {
	if workspaceID == "" {
		return nil, sharederrors.Invalidf("workspaceId required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, sharederrors.Invalidf("schedule name required")
	}
	if strings.TrimSpace(p.Template.Title) == "" {
		return nil, sharederrors.Invalidf("task template title required")
	}
	if err := schedule.Validate(p.CronExpr, p.Timezone); err != nil {
		return nil, sharederrors.Invalidf("%s", err)
	}
	if err := validateTrigger(p.Trigger); err != nil {
		return nil, err
	}

	sch := &schedule.Schedule{
		ID:                        id.NewScheduleID(),
		WorkspaceID:               workspaceID,
		Name:                      strings.TrimSpace(p.Name),
		CronExpr:                  strings.TrimSpace(p.CronExpr),
		Timezone:                  p.Timezone,
		Enabled:                   !p.Disabled,
		TaskTemplate:              p.Template,
		Trigger:                   cloneTrigger(p.Trigger),
		MaxConcurrentFromSchedule: p.MaxConcurrentFromSchedule,
		PauseAfterFailures:        p.PauseAfterFailures,
	}
	sch.Normalize()
	if sch.Enabled {
		s.computeNextRun(sch, time.Now())
	}

	if err := s.schedules.Create(ctx, sch); err != nil {
		return nil, err
	}
	s.logger.Info("schedule %s (%s) created in workspace %s, next fire %s",
		sch.ID, sch.Name, workspaceID, formatNextRun(sch.NextRunAt))
	return sch, nil
}

// Get retrieves a schedule scoped to the workspace.
func (s *Service) Get(ctx context.Context, workspaceID, scheduleID string) (*schedule.Schedule, error) {
	sch, err := s.schedules.Get(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if sch.WorkspaceID != workspaceID {
		return nil, sharederrors.NotFound("schedule", scheduleID)
	}
	return sch, nil
}

// List returns the workspace's schedules, newest first.
func (s *Service) List(ctx context.Context, workspaceID string) ([]*schedule.Schedule, error) {
	return s.schedules.ListByWorkspace(ctx, workspaceID)
}

// Update applies a partial update. Cron or timezone changes are re-validated
// and the next fire recomputed; re-enabling clears the failure streak.
func (s *Service) Update(ctx context.Context, workspaceID, scheduleID string, p schedule.Patch) (*schedule.Schedule, error) {
	sch, err := s.Get(ctx, workspaceID, scheduleID)
	if err != nil {
		return nil, err
	}

	expr, zone := sch.CronExpr, sch.Timezone
	if p.CronExpr != nil {
		expr = strings.TrimSpace(*p.CronExpr)
	}
	if p.Timezone != nil {
		zone = *p.Timezone
	}
	cadenceChanged := expr != sch.CronExpr || zone != sch.Timezone
	if cadenceChanged {
		if err := schedule.Validate(expr, zone); err != nil {
			return nil, sharederrors.Invalidf("%s", err)
		}
		sch.CronExpr, sch.Timezone = expr, zone
	}
	if p.Trigger != nil {
		if err := validateTrigger(p.Trigger); err != nil {
			return nil, err
		}
		sch.Trigger = cloneTrigger(p.Trigger)
	}
	if p.Name != nil {
		if strings.TrimSpace(*p.Name) == "" {
			return nil, sharederrors.Invalidf("schedule name required")
		}
		sch.Name = strings.TrimSpace(*p.Name)
	}
	if p.TaskTemplate != nil {
		if strings.TrimSpace(p.TaskTemplate.Title) == "" {
			return nil, sharederrors.Invalidf("task template title required")
		}
		sch.TaskTemplate = *p.TaskTemplate
	}
	if p.MaxConcurrentFromSchedule != nil {
		sch.MaxConcurrentFromSchedule = *p.MaxConcurrentFromSchedule
	}
	if p.PauseAfterFailures != nil {
		sch.PauseAfterFailures = *p.PauseAfterFailures
	}

	enabling := false
	if p.Enabled != nil && *p.Enabled != sch.Enabled {
		sch.Enabled = *p.Enabled
		enabling = sch.Enabled
		if enabling {
			sch.RecordSuccess()
		} else {
			sch.NextRunAt = nil
		}
	}
	sch.Normalize()

	if sch.Enabled && (cadenceChanged || enabling || sch.NextRunAt == nil) {
		s.computeNextRun(sch, time.Now())
	}

	if err := s.schedules.Update(ctx, sch); err != nil {
		return nil, err
	}
	return sch, nil
}

// Delete removes a schedule from the workspace.
func (s *Service) Delete(ctx context.Context, workspaceID, scheduleID string) error {
	if _, err := s.Get(ctx, workspaceID, scheduleID); err != nil {
		return err
	}
	return s.schedules.Delete(ctx, scheduleID)
}

// ValidationResult previews a cron expression for the validate endpoint.
type ValidationResult struct {
	Valid       bool        `json:"valid"`
	Error       string      `json:"error,omitempty"`
	Description string      `json:"description,omitempty"`
	NextRuns    []time.Time `json:"nextRuns,omitempty"`
}

// ValidateCron checks an expression and previews its next fires.
func (s *Service) ValidateCron(expr, timezone string) ValidationResult {
	if err := schedule.Validate(expr, timezone); err != nil {
		return ValidationResult{Valid: false, Error: err.Error()}
	}
	fires, err := schedule.NextFires(expr, timezone, time.Now(), 3)
	if err != nil {
		return ValidationResult{Valid: false, Error: err.Error()}
	}
	return ValidationResult{
		Valid:       true,
		Description: schedule.Describe(expr),
		NextRuns:    fires,
	}
}

func (s *Service) computeNextRun(sch *schedule.Schedule, now time.Time) {
	next, err := schedule.NextFire(sch.CronExpr, sch.Timezone, now)
	if err != nil || next.IsZero() {
		sch.NextRunAt = nil
		return
	}
	sch.NextRunAt = &next
}

func validateTrigger(trig *schedule.Trigger) error {
	if trig == nil {
		return nil
	}
	switch trig.Type {
	case schedule.TriggerHTTPJSON, schedule.TriggerRSS:
	default:
		return sharederrors.Invalidf("unsupported trigger type %q", trig.Type)
	}
	if strings.TrimSpace(trig.URL) == "" {
		return sharederrors.Invalidf("trigger url required")
	}
	return nil
}

func cloneTrigger(trig *schedule.Trigger) *schedule.Trigger {
	if trig == nil {
		return nil
	}
	c := *trig
	if trig.Headers != nil {
		c.Headers = make(map[string]string, len(trig.Headers))
		for k, v := range trig.Headers {
			c.Headers[k] = v
		}
	}
	if trig.LastCheckedAt != nil {
		v := *trig.LastCheckedAt
		c.LastCheckedAt = &v
	}
	return &c
}

func formatNextRun(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
