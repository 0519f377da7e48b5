package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildd-ai/buildd-sub004/internal/domain/account"
	busdomain "github.com/buildd-ai/buildd-sub004/internal/domain/bus"
	"github.com/buildd-ai/buildd-sub004/internal/domain/schedule"
	"github.com/buildd-ai/buildd-sub004/internal/domain/task"
	"github.com/buildd-ai/buildd-sub004/internal/testutil"
)

type fakeProber struct {
	value string
	err   error
	calls int
}

func (p *fakeProber) Probe(_ context.Context, _ *schedule.Trigger) (string, error) {
	p.calls++
	return p.value, p.err
}

type recordingNotifier struct {
	paused []string
}

func (n *recordingNotifier) SchedulePaused(_ context.Context, s *schedule.Schedule, reason string) error {
	n.paused = append(n.paused, fmt.Sprintf("%s: %s", s.ID, reason))
	return nil
}

type engineFixture struct {
	engine     *Engine
	schedules  *testutil.MemScheduleStore
	tasks      *testutil.MemTaskStore
	workspaces *testutil.MemWorkspaceStore
	prober     *fakeProber
	notifier   *recordingNotifier
	recorder   *testutil.BusRecorder
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	schedules := testutil.NewMemScheduleStore()
	tasks := testutil.NewMemTaskStore()
	workspaces := testutil.NewMemWorkspaceStore()
	prober := &fakeProber{}
	notifier := &recordingNotifier{}
	recorder := testutil.NewBusRecorder()
	require.NoError(t, workspaces.Create(context.Background(), &account.Workspace{
		ID:        "ws-1",
		AccountID: "acct-1",
		Name:      "primary",
	}))
	return &engineFixture{
		engine:     NewEngine(Config{}, schedules, tasks, workspaces, prober, recorder, notifier, nil, nil, nil),
		schedules:  schedules,
		tasks:      tasks,
		workspaces: workspaces,
		prober:     prober,
		notifier:   notifier,
		recorder:   recorder,
	}
}

func (f *engineFixture) seedDue(t *testing.T, id string, trig *schedule.Trigger) *schedule.Schedule {
	t.Helper()
	past := time.Now().Add(-time.Minute).UTC()
	s := &schedule.Schedule{
		ID:          id,
		WorkspaceID: "ws-1",
		Name:        "nightly " + id,
		CronExpr:    "*/5 * * * *",
		Timezone:    "UTC",
		Enabled:     true,
		TaskTemplate: schedule.TaskTemplate{
			Title:       "Review release {{triggerValue}}",
			Description: "Triggered by {{triggerValue}}",
			Priority:    7,
		},
		Trigger:   trig,
		NextRunAt: &past,
	}
	s.Normalize()
	require.NoError(t, f.schedules.Create(context.Background(), s))
	return s
}

func (f *engineFixture) reload(t *testing.T, id string) *schedule.Schedule {
	t.Helper()
	s, err := f.schedules.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *engineFixture) workspaceTasks(t *testing.T) []*task.Task {
	t.Helper()
	tasks, err := f.tasks.List(context.Background(), task.ListFilter{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	return tasks
}

func TestTickFiresDueSchedule(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedDue(t, "sched-1", nil)

	f.engine.Tick(ctx)

	created := f.workspaceTasks(t)
	require.Len(t, created, 1)
	tk := created[0]
	assert.Equal(t, "sched-1", tk.ScheduleID)
	assert.Equal(t, task.StatusPending, tk.Status)
	assert.Equal(t, 7, tk.Priority)
	assert.Equal(t, "ws-1", tk.WorkspaceID)

	s := f.reload(t, "sched-1")
	assert.Equal(t, 1, s.TotalRuns)
	assert.Zero(t, s.ConsecutiveFailures)
	require.NotNil(t, s.NextRunAt)
	assert.True(t, s.NextRunAt.After(time.Now()), "next fire recomputed into the future")

	assigned := f.recorder.ByEvent(busdomain.EventTaskAssigned)
	require.Len(t, assigned, 1)
	assert.Equal(t, busdomain.WorkspaceChannel("ws-1"), assigned[0].Channel)

	var payload map[string]any
	require.NoError(t, assigned[0].DecodePayload(&payload))
	target, present := payload["targetLocalUiUrl"]
	assert.True(t, present)
	assert.Nil(t, target)
}

func TestTickIgnoresFutureAndDisabledSchedules(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	s := f.seedDue(t, "sched-future", nil)
	future := time.Now().Add(time.Hour).UTC()
	s.NextRunAt = &future
	require.NoError(t, f.schedules.Update(ctx, s))

	d := f.seedDue(t, "sched-off", nil)
	d.Enabled = false
	require.NoError(t, f.schedules.Update(ctx, d))

	f.engine.Tick(ctx)
	assert.Empty(t, f.workspaceTasks(t))
}

func TestTickTriggerUnchangedOnlyBumpsBookkeeping(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.prober.value = "rel-7"
	f.seedDue(t, "sched-1", &schedule.Trigger{
		Type:             schedule.TriggerHTTPJSON,
		URL:              "http://feed.internal/releases",
		Path:             "$.latest",
		LastTriggerValue: "rel-7",
		TotalChecks:      3,
	})

	f.engine.Tick(ctx)

	assert.Empty(t, f.workspaceTasks(t), "unchanged trigger must not instantiate")
	s := f.reload(t, "sched-1")
	assert.Zero(t, s.TotalRuns)
	require.NotNil(t, s.Trigger.LastCheckedAt)
	assert.Equal(t, 4, s.Trigger.TotalChecks)
	assert.Equal(t, "rel-7", s.Trigger.LastTriggerValue)
	require.NotNil(t, s.NextRunAt)
	assert.True(t, s.NextRunAt.After(time.Now()))
}

func TestTickTriggerChangeFiresAndRendersTemplate(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.prober.value = "rel-8"
	f.seedDue(t, "sched-1", &schedule.Trigger{
		Type:             schedule.TriggerHTTPJSON,
		URL:              "http://feed.internal/releases",
		Path:             "$.latest",
		LastTriggerValue: "rel-7",
	})

	f.engine.Tick(ctx)

	created := f.workspaceTasks(t)
	require.Len(t, created, 1)
	assert.Equal(t, "Review release rel-8", created[0].Title)
	assert.Equal(t, "Triggered by rel-8", created[0].Description)

	s := f.reload(t, "sched-1")
	assert.Equal(t, 1, s.TotalRuns)
	assert.Equal(t, "rel-8", s.Trigger.LastTriggerValue)
	assert.Equal(t, 1, s.Trigger.TotalChecks)
}

func TestTickConcurrencyGateSkipsWithoutFailure(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedDue(t, "sched-1", nil)

	require.NoError(t, f.tasks.Create(ctx, &task.Task{
		ID:          "task-live",
		WorkspaceID: "ws-1",
		Title:       "still running",
		Status:      task.StatusRunning,
		Mode:        task.ModeExecute,
		ScheduleID:  "sched-1",
	}))

	f.engine.Tick(ctx)

	assert.Len(t, f.workspaceTasks(t), 1, "only the pre-existing live task")
	s := f.reload(t, "sched-1")
	assert.Zero(t, s.TotalRuns)
	assert.Zero(t, s.ConsecutiveFailures, "a concurrency skip is not a failure")
	require.NotNil(t, s.NextRunAt)
	assert.True(t, s.NextRunAt.After(time.Now()))
}

func TestTickFailureStreakPausesAndNotifies(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.prober.err = fmt.Errorf("connection refused")
	s := f.seedDue(t, "sched-1", &schedule.Trigger{
		Type: schedule.TriggerHTTPJSON,
		URL:  "http://feed.internal/releases",
		Path: "$.latest",
	})
	s.PauseAfterFailures = 2
	require.NoError(t, f.schedules.Update(ctx, s))

	f.engine.Tick(ctx)

	s = f.reload(t, "sched-1")
	assert.Equal(t, 1, s.ConsecutiveFailures)
	assert.Contains(t, s.LastError, "connection refused")
	assert.True(t, s.Enabled, "one failure does not pause")
	require.NotNil(t, s.NextRunAt)
	assert.Empty(t, f.notifier.paused)

	// Pull the next fire back and fail again to cross the threshold.
	past := time.Now().Add(-time.Minute).UTC()
	s.NextRunAt = &past
	require.NoError(t, f.schedules.Update(ctx, s))

	f.engine.Tick(ctx)

	s = f.reload(t, "sched-1")
	assert.Equal(t, 2, s.ConsecutiveFailures)
	assert.False(t, s.Enabled)
	assert.Nil(t, s.NextRunAt)
	require.Len(t, f.notifier.paused, 1)
	assert.Contains(t, f.notifier.paused[0], "sched-1")
}

func TestTickRecoveryClearsFailureStreak(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.prober.err = fmt.Errorf("timeout")
	s := f.seedDue(t, "sched-1", &schedule.Trigger{
		Type: schedule.TriggerHTTPJSON,
		URL:  "http://feed.internal/releases",
		Path: "$.latest",
	})

	f.engine.Tick(ctx)
	require.Equal(t, 1, f.reload(t, "sched-1").ConsecutiveFailures)

	f.prober.err = nil
	f.prober.value = "rel-1"
	s = f.reload(t, "sched-1")
	past := time.Now().Add(-time.Minute).UTC()
	s.NextRunAt = &past
	require.NoError(t, f.schedules.Update(ctx, s))

	f.engine.Tick(ctx)

	s = f.reload(t, "sched-1")
	assert.Zero(t, s.ConsecutiveFailures)
	assert.Empty(t, s.LastError)
	assert.Equal(t, 1, s.TotalRuns)
}

func TestTickHonorsWorkspacePause(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	ws, err := f.workspaces.Get(ctx, "ws-1")
	require.NoError(t, err)
	ws.Settings.SchedulerPaused = true
	require.NoError(t, f.workspaces.Update(ctx, ws))
	f.seedDue(t, "sched-1", nil)

	f.engine.Tick(ctx)

	assert.Empty(t, f.workspaceTasks(t))
	s := f.reload(t, "sched-1")
	assert.Zero(t, s.ConsecutiveFailures)
	require.NotNil(t, s.NextRunAt)
	assert.True(t, s.NextRunAt.After(time.Now()), "paused workspaces still advance the cadence")
}

func TestTickSkipsScheduleLockedElsewhere(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.seedDue(t, "sched-1", nil)

	release, ok, err := f.schedules.TryLock(ctx, "sched-1")
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	f.engine.Tick(ctx)
	assert.Empty(t, f.workspaceTasks(t), "another holder owns the schedule this tick")
}

func TestEngineRunTicksUntilStopped(t *testing.T) {
	f := newEngineFixture(t)
	f.seedDue(t, "sched-1", nil)

	engine := NewEngine(Config{TickInterval: 10 * time.Millisecond},
		f.schedules, f.tasks, f.workspaces, f.prober, f.recorder, f.notifier, nil, nil, nil)

	done := make(chan error, 1)
	go func() { done <- engine.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.workspaceTasks(t)) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotEmpty(t, f.workspaceTasks(t), "run loop never fired")

	engine.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}
