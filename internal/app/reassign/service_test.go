package reassign

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildd-ai/buildd-sub004/internal/domain/account"
	busdomain "github.com/buildd-ai/buildd-sub004/internal/domain/bus"
	"github.com/buildd-ai/buildd-sub004/internal/domain/task"
	"github.com/buildd-ai/buildd-sub004/internal/domain/worker"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/testutil"
)

type fixture struct {
	svc        *Service
	tasks      *testutil.MemTaskStore
	workers    *testutil.MemWorkerStore
	workspaces *testutil.MemWorkspaceStore
	recorder   *testutil.BusRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tasks := testutil.NewMemTaskStore()
	workers := testutil.NewMemWorkerStore(tasks)
	workspaces := testutil.NewMemWorkspaceStore()
	recorder := testutil.NewBusRecorder()
	require.NoError(t, workspaces.Create(context.Background(), &account.Workspace{
		ID:        "ws-1",
		AccountID: "acct-owner",
		Name:      "primary",
	}))
	return &fixture{
		svc:        NewService(tasks, workers, workspaces, recorder, nil, nil),
		tasks:      tasks,
		workers:    workers,
		workspaces: workspaces,
		recorder:   recorder,
	}
}

func (f *fixture) seedTask(t *testing.T, id string, status task.Status) {
	t.Helper()
	err := f.tasks.Create(context.Background(), &task.Task{
		ID:          id,
		WorkspaceID: "ws-1",
		Title:       "task " + id,
		Priority:    5,
		Status:      status,
		Mode:        task.ModeExecute,
	})
	require.NoError(t, err)
}

func (f *fixture) claim(t *testing.T, workerID, taskID string) *worker.Worker {
	t.Helper()
	w, _, err := f.workers.ClaimTask(context.Background(), worker.ClaimParams{
		WorkerID:      workerID,
		AccountID:     "acct-runner",
		WorkspaceID:   "ws-1",
		TaskID:        taskID,
		MaxConcurrent: 10,
		LeaseTTL:      15 * time.Minute,
	})
	require.NoError(t, err)
	return w
}

func (f *fixture) expireLease(t *testing.T, taskID string) {
	t.Helper()
	ctx := context.Background()
	tk, err := f.tasks.Get(ctx, taskID)
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute).UTC()
	tk.ExpiresAt = &past
	require.NoError(t, f.tasks.Update(ctx, tk))
}

// backdate rewrites the worker's last-activity timestamp.
func (f *fixture) backdate(t *testing.T, workerID string, age time.Duration, status worker.Status) {
	t.Helper()
	w, err := f.workers.Get(context.Background(), workerID)
	require.NoError(t, err)
	w.Status = status
	w.UpdatedAt = time.Now().Add(-age).UTC()
	f.workers.Put(w)
}

func TestReassignPendingRebroadcastsDispatch(t *testing.T) {
	f := newFixture(t)
	f.seedTask(t, "task-1", task.StatusPending)

	out, err := f.svc.ReassignTask(context.Background(), "acct-other", "task-1", false)
	require.NoError(t, err)
	assert.True(t, out.Reassigned)
	assert.False(t, out.WasAssigned)

	assigned := f.recorder.ByEvent(busdomain.EventTaskAssigned)
	require.Len(t, assigned, 1)
	assert.Equal(t, busdomain.WorkspaceChannel("ws-1"), assigned[0].Channel)

	var payload map[string]any
	require.NoError(t, assigned[0].DecodePayload(&payload))
	target, present := payload["targetLocalUiUrl"]
	assert.True(t, present)
	assert.Nil(t, target)
}

func TestReassignReportsHolderWithoutForce(t *testing.T) {
	tests := []struct {
		name        string
		caller      string
		expireLease bool
		canTakeover bool
	}{
		{name: "stranger with live lease", caller: "acct-other", canTakeover: false},
		{name: "workspace owner", caller: "acct-owner", canTakeover: true},
		{name: "stranger after lease expiry", caller: "acct-other", expireLease: true, canTakeover: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedTask(t, "task-1", task.StatusPending)
			f.claim(t, "worker-1", "task-1")
			if tt.expireLease {
				f.expireLease(t, "task-1")
			}

			out, err := f.svc.ReassignTask(context.Background(), tt.caller, "task-1", false)
			require.NoError(t, err)
			assert.False(t, out.Reassigned)
			assert.Contains(t, out.Reason, "worker-1")
			require.NotNil(t, out.CanTakeover)
			assert.Equal(t, tt.canTakeover, *out.CanTakeover)
		})
	}
}

func TestReassignForceByStrangerOnLiveLease(t *testing.T) {
	f := newFixture(t)
	f.seedTask(t, "task-1", task.StatusPending)
	f.claim(t, "worker-1", "task-1")

	_, err := f.svc.ReassignTask(context.Background(), "acct-other", "task-1", true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sharederrors.ErrForbidden))
	assert.Contains(t, err.Error(), "not stale")
	assert.Contains(t, err.Error(), "not the workspace owner")

	// Nothing was touched.
	tk, err := f.tasks.Get(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusAssigned, tk.Status)
	assert.Equal(t, "worker-1", tk.ClaimedBy)
}

func TestReassignForceByOwnerDisplacesWorkers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTask(t, "task-1", task.StatusPending)
	w := f.claim(t, "worker-1", "task-1")

	out, err := f.svc.ReassignTask(ctx, "acct-owner", "task-1", true)
	require.NoError(t, err)
	assert.True(t, out.Reassigned)
	assert.True(t, out.WasAssigned)

	displaced, err := f.workers.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.StatusFailed, displaced.Status)
	assert.Equal(t, "Task was reassigned", displaced.Error)
	require.NotNil(t, displaced.CompletedAt)

	tk, err := f.tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, tk.Status)
	assert.Empty(t, tk.ClaimedBy)
	assert.Nil(t, tk.ExpiresAt)

	failedEvents := f.recorder.ByEvent(busdomain.EventWorkerFailed)
	require.Len(t, failedEvents, 2)
	assigned := f.recorder.ByEvent(busdomain.EventTaskAssigned)
	require.Len(t, assigned, 1)
}

func TestReassignForceByStrangerOnExpiredLease(t *testing.T) {
	f := newFixture(t)
	f.seedTask(t, "task-1", task.StatusPending)
	f.claim(t, "worker-1", "task-1")
	f.expireLease(t, "task-1")

	out, err := f.svc.ReassignTask(context.Background(), "acct-other", "task-1", true)
	require.NoError(t, err)
	assert.True(t, out.Reassigned)
	assert.True(t, out.WasAssigned)
}

func TestReassignForceTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTask(t, "task-1", task.StatusPending)
	w := f.claim(t, "worker-1", "task-1")

	first, err := f.svc.ReassignTask(ctx, "acct-owner", "task-1", true)
	require.NoError(t, err)
	require.True(t, first.Reassigned)

	second, err := f.svc.ReassignTask(ctx, "acct-owner", "task-1", true)
	require.NoError(t, err)
	assert.True(t, second.Reassigned)
	assert.False(t, second.WasAssigned, "no workers left to displace")

	tk, err := f.tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, tk.Status)

	displaced, err := f.workers.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.StatusFailed, displaced.Status)
}

func TestReassignTerminalAndBlockedTasks(t *testing.T) {
	f := newFixture(t)
	f.seedTask(t, "task-done", task.StatusCompleted)
	f.seedTask(t, "task-gone", task.StatusFailed)
	f.seedTask(t, "task-held", task.StatusBlocked)

	out, err := f.svc.ReassignTask(context.Background(), "acct-owner", "task-done", true)
	require.NoError(t, err)
	assert.False(t, out.Reassigned)
	assert.Equal(t, "already completed", out.Reason)

	out, err = f.svc.ReassignTask(context.Background(), "acct-owner", "task-gone", true)
	require.NoError(t, err)
	assert.False(t, out.Reassigned)
	assert.Equal(t, "already failed", out.Reason)

	out, err = f.svc.ReassignTask(context.Background(), "acct-owner", "task-held", true)
	require.NoError(t, err)
	assert.False(t, out.Reassigned)
	assert.Contains(t, out.Reason, "blocked")
}

func TestReassignUnknownTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ReassignTask(context.Background(), "acct-owner", "task-missing", false)
	assert.True(t, errors.Is(err, sharederrors.ErrNotFound))
}

func TestSweepMarksIdleWorkersStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTask(t, "task-1", task.StatusPending)
	w := f.claim(t, "worker-1", "task-1")
	f.backdate(t, w.ID, 6*time.Minute, worker.StatusRunning)

	res, err := f.svc.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 1, res.Marked)

	swept, err := f.workers.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.StatusStale, swept.Status)
	require.NotNil(t, swept.CompletedAt)

	tk, err := f.tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, tk.Status)

	failedEvents := f.recorder.ByEvent(busdomain.EventWorkerFailed)
	require.Len(t, failedEvents, 2)
}

func TestSweepGivesPlanningWorkersALongerWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedTask(t, "task-1", task.StatusPending)
	w1 := f.claim(t, "worker-1", "task-1")

	planning, err := f.workers.Get(ctx, w1.ID)
	require.NoError(t, err)
	idx := 5
	planning.PlanStartMessageIndex = &idx
	f.workers.Put(planning)

	f.backdate(t, w1.ID, 6*time.Minute+42*time.Second, worker.StatusRunning)

	res, err := f.svc.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Marked, "6.7 minutes of planning silence is fine")

	f.backdate(t, w1.ID, 16*time.Minute+42*time.Second, worker.StatusRunning)

	res, err = f.svc.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Marked, "16.7 minutes exceeds even the planning window")
}

func TestSweepNeverTouchesWaitingWorkers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTask(t, "task-1", task.StatusPending)
	w := f.claim(t, "worker-1", "task-1")
	f.backdate(t, w.ID, time.Hour, worker.StatusWaitingInput)

	res, err := f.svc.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Checked)
	assert.Equal(t, 0, res.Marked)

	untouched, err := f.workers.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.StatusWaitingInput, untouched.Status)
}

func TestSweeperLoopRunsAndStops(t *testing.T) {
	f := newFixture(t)
	f.seedTask(t, "task-1", task.StatusPending)
	w := f.claim(t, "worker-1", "task-1")
	f.backdate(t, w.ID, 10*time.Minute, worker.StatusRunning)

	sweeper := NewSweeper(f.svc, 10*time.Millisecond, nil)
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		swept, err := f.workers.Get(context.Background(), w.ID)
		require.NoError(t, err)
		if swept.Status == worker.StatusStale {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sweeper never marked the idle worker stale")
}
