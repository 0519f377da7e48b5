// Package scheduler turns recurring schedules into tasks.
//
// One engine per cluster drives the tick loop; leadership is held through a
// Postgres advisory lock so restarts and multi-node deployments stay safe.
// Each due schedule is processed under its own per-schedule lock: probe the
// trigger if one is configured, gate on live-task concurrency, instantiate a
// task from the template, and recompute the next fire. Repeated failures
// pause the schedule and notify.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildd-ai/buildd-sub004/internal/domain/account"
	busdomain "github.com/buildd-ai/buildd-sub004/internal/domain/bus"
	"github.com/buildd-ai/buildd-sub004/internal/domain/schedule"
	"github.com/buildd-ai/buildd-sub004/internal/domain/task"
	"github.com/buildd-ai/buildd-sub004/internal/observability"
	"github.com/buildd-ai/buildd-sub004/internal/shared/async"
	"github.com/buildd-ai/buildd-sub004/internal/shared/logging"
	id "github.com/buildd-ai/buildd-sub004/internal/shared/utils/id"
)

// DefaultTickInterval is the cadence of the cluster-wide scheduler pass.
const DefaultTickInterval = 30 * time.Second

// Leader gates the tick loop to a single node. Acquire blocks until
// leadership is won or ctx ends.
type Leader interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Config tunes the engine.
type Config struct {
	// TickInterval overrides the pass cadence; zero keeps the default.
	TickInterval time.Duration
}

// Engine is the recurring-schedule tick loop.
type Engine struct {
	schedules  schedule.Store
	tasks      task.Store
	workspaces account.WorkspaceStore
	prober     Prober
	publisher  busdomain.Publisher
	notifier   Notifier
	leader     Leader
	metrics    *observability.MetricsCollector
	logger     logging.Logger
	interval   time.Duration

	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewEngine creates the tick engine. leader may be nil for single-node
// deployments and tests; notifier may be nil to disable notifications.
func NewEngine(cfg Config, schedules schedule.Store, tasks task.Store, workspaces account.WorkspaceStore, prober Prober, publisher busdomain.Publisher, notifier Notifier, leader Leader, metrics *observability.MetricsCollector, logger logging.Logger) *Engine {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{
		schedules:  schedules,
		tasks:      tasks,
		workspaces: workspaces,
		prober:     prober,
		publisher:  publisher,
		notifier:   notifier,
		leader:     leader,
		metrics:    metrics,
		logger:     logging.OrNop(logger),
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Run acquires leadership and ticks until ctx is cancelled or Stop is
// called. It blocks for the engine's whole lifetime.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler engine already running")
	}
	if e.leader != nil {
		ok, err := e.leader.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquiring scheduler leadership: %w", err)
		}
		if !ok {
			return nil
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.leader.Release(releaseCtx); err != nil {
				e.logger.Warn("scheduler: releasing leadership: %v", err)
			}
		}()
	}

	e.logger.Info("scheduler: leading, ticking every %s", e.interval)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopCh:
			return nil
		case <-ticker.C:
			func() {
				defer async.Recover(e.logger, "scheduler.tick")
				e.Tick(ctx)
			}()
		}
	}
}

// Stop ends the tick loop. Safe to call multiple times.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
}

// Tick runs one scheduler pass over all due schedules. Exported so
// maintenance endpoints and tests can force a pass.
func (e *Engine) Tick(ctx context.Context) {
	if e.metrics != nil {
		e.metrics.RecordSchedulerTick(ctx)
	}
	now := time.Now().UTC()
	due, err := e.schedules.ListDue(ctx, now)
	if err != nil {
		e.logger.Warn("scheduler: listing due schedules: %v", err)
		return
	}
	for _, s := range due {
		e.processSchedule(ctx, s, now)
	}
}

func (e *Engine) processSchedule(ctx context.Context, s *schedule.Schedule, now time.Time) {
	release, ok, err := e.schedules.TryLock(ctx, s.ID)
	if err != nil {
		e.logger.Warn("scheduler: locking schedule %s: %v", s.ID, err)
		return
	}
	if !ok {
		e.logger.Debug("scheduler: schedule %s held by another node", s.ID)
		return
	}
	defer release()

	outcome := e.fireSchedule(ctx, s, now)
	if e.metrics != nil {
		e.metrics.RecordScheduleFire(ctx, outcome)
	}
}

// fireSchedule runs steps probe, gate, instantiate, reschedule for one
// schedule and returns the outcome label.
func (e *Engine) fireSchedule(ctx context.Context, s *schedule.Schedule, now time.Time) string {
	s.Normalize()

	if e.workspacePaused(ctx, s.WorkspaceID) {
		e.reschedule(s, now)
		e.persist(ctx, s)
		return "workspace_paused"
	}

	triggerValue := ""
	if s.Trigger != nil {
		value, err := e.prober.Probe(ctx, s.Trigger)
		if err != nil {
			return e.recordFailure(ctx, s, now, fmt.Errorf("trigger probe: %w", err))
		}
		checked := now
		s.Trigger.LastCheckedAt = &checked
		s.Trigger.TotalChecks++

		if value == s.Trigger.LastTriggerValue {
			e.reschedule(s, now)
			e.persist(ctx, s)
			return "unchanged"
		}
		triggerValue = value
	}

	live, err := e.tasks.CountLiveBySchedule(ctx, s.ID)
	if err != nil {
		e.logger.Warn("scheduler: counting live tasks for schedule %s: %v", s.ID, err)
		return "error"
	}
	if live >= s.MaxConcurrentFromSchedule {
		e.logger.Debug("scheduler: schedule %s at concurrency limit (%d live)", s.ID, live)
		e.reschedule(s, now)
		e.persist(ctx, s)
		return "skipped"
	}

	tk := e.instantiate(s, triggerValue)
	if err := e.tasks.Create(ctx, tk); err != nil {
		return e.recordFailure(ctx, s, now, fmt.Errorf("instantiating task: %w", err))
	}

	s.TotalRuns++
	if s.Trigger != nil {
		s.Trigger.LastTriggerValue = triggerValue
	}
	s.RecordSuccess()
	e.reschedule(s, now)
	e.persist(ctx, s)

	e.publish(ctx, busdomain.WorkspaceChannel(s.WorkspaceID), busdomain.EventTaskAssigned,
		busdomain.TaskAssignedPayload{Task: tk, TargetLocalUiUrl: nil})

	e.logger.Info("scheduler: schedule %s (%s) fired, created task %s", s.ID, s.Name, tk.ID)
	return "fired"
}

func (e *Engine) instantiate(s *schedule.Schedule, triggerValue string) *task.Task {
	tpl := s.TaskTemplate
	var taskCtx map[string]string
	if len(tpl.Context) > 0 {
		taskCtx = make(map[string]string, len(tpl.Context))
		for k, v := range tpl.Context {
			taskCtx[k] = v
		}
	}
	return &task.Task{
		ID:                id.NewTaskID(),
		WorkspaceID:       s.WorkspaceID,
		Title:             schedule.RenderTemplate(tpl.Title, triggerValue),
		Description:       schedule.RenderTemplate(tpl.Description, triggerValue),
		Priority:          task.ClampPriority(tpl.Priority),
		Status:            task.StatusPending,
		Mode:              task.ModeExecute,
		OutputRequirement: task.OutputAuto,
		Context:           taskCtx,
		ScheduleID:        s.ID,
	}
}

// recordFailure bumps the failure streak, pausing and notifying when the
// streak crosses the schedule's threshold.
func (e *Engine) recordFailure(ctx context.Context, s *schedule.Schedule, now time.Time, cause error) string {
	paused := s.RecordFailure(cause.Error())
	if !paused {
		e.reschedule(s, now)
	}
	e.persist(ctx, s)

	e.logger.Warn("scheduler: schedule %s failed (%d/%d): %v",
		s.ID, s.ConsecutiveFailures, s.PauseAfterFailures, cause)
	if !paused {
		return "failed"
	}
	if err := e.notifier.SchedulePaused(ctx, s, cause.Error()); err != nil {
		e.logger.Warn("scheduler: pause notification for schedule %s: %v", s.ID, err)
	}
	return "paused"
}

func (e *Engine) reschedule(s *schedule.Schedule, now time.Time) {
	next, err := schedule.NextFire(s.CronExpr, s.Timezone, now)
	if err != nil || next.IsZero() {
		if err != nil {
			e.logger.Warn("scheduler: computing next fire for schedule %s: %v", s.ID, err)
		}
		s.NextRunAt = nil
		return
	}
	s.NextRunAt = &next
}

func (e *Engine) persist(ctx context.Context, s *schedule.Schedule) {
	if err := e.schedules.Update(ctx, s); err != nil {
		e.logger.Warn("scheduler: persisting schedule %s: %v", s.ID, err)
	}
}

func (e *Engine) workspacePaused(ctx context.Context, workspaceID string) bool {
	if e.workspaces == nil {
		return false
	}
	ws, err := e.workspaces.Get(ctx, workspaceID)
	if err != nil {
		e.logger.Debug("scheduler: loading workspace %s: %v", workspaceID, err)
		return false
	}
	return ws.Settings.SchedulerPaused
}

func (e *Engine) publish(ctx context.Context, channel, event string, payload any) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, channel, event, payload); err != nil {
		e.logger.Warn("scheduler: publishing %s to %s: %v", event, channel, err)
	}
}
