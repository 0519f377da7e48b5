package claim

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

func newClaimFixture() (*Service, *testutil.MemTaskStore, *testutil.MemWorkerStore, *testutil.BusRecorder) {
	tasks := testutil.NewMemTaskStore()
	workers := testutil.NewMemWorkerStore(tasks)
	recorder := testutil.NewBusRecorder()
	return NewService(workers, recorder, nil, nil), tasks, workers, recorder
}

func seedPendingTask(t *testing.T, tasks *testutil.MemTaskStore, id, workspaceID string, priority int, createdAt time.Time) {
	t.Helper()
	err := tasks.Create(context.Background(), &task.Task{
		ID:                id,
		WorkspaceID:       workspaceID,
		Title:             "task " + id,
		Priority:          priority,
		Status:            task.StatusPending,
		Mode:              task.ModeExecute,
		OutputRequirement: task.OutputAuto,
		CreatedAt:         createdAt,
	})
	require.NoError(t, err)
}

func testAccount(id string, limit int) *account.Account {
	return &account.Account{ID: id, Name: id, MaxConcurrentWorkers: limit}
}

func TestClaimRaceOneWinnerOneCapacityOneConflict(t *testing.T) {
	svc, tasks, workers, _ := newClaimFixture()
	ctx := context.Background()

	seedPendingTask(t, tasks, "task-1", "ws-1", 5, time.Now().UTC())
	workers.Put(&worker.Worker{
		ID:          "worker-seed",
		AccountID:   "acct-1",
		TaskID:      "task-0",
		WorkspaceID: "ws-1",
		Status:      worker.StatusRunning,
		StartedAt:   time.Now().UTC(),
	})

	owner := testAccount("acct-1", 2)

	w, claimed, err := svc.Claim(ctx, Request{Account: owner, WorkspaceID: "ws-1", TaskID: "task-1"})
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "task-1", w.TaskID)
	assert.Equal(t, worker.StatusStarting, w.Status)
	assert.Equal(t, 1, w.SessionGeneration)
	assert.Equal(t, task.StatusAssigned, claimed.Status)
	assert.Equal(t, w.ID, claimed.ClaimedBy)
	require.NotNil(t, claimed.ExpiresAt)

	_, _, err = svc.Claim(ctx, Request{Account: owner, WorkspaceID: "ws-1", TaskID: "task-1"})
	capErr, ok := sharederrors.AsCapacity(err)
	require.True(t, ok, "expected a capacity error, got %v", err)
	assert.Equal(t, 2, capErr.Current)
	assert.Equal(t, 2, capErr.Limit)

	_, _, err = svc.Claim(ctx, Request{Account: testAccount("acct-2", 2), WorkspaceID: "ws-1", TaskID: "task-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sharederrors.ErrConflict), "expected conflict, got %v", err)
}

func TestClaimAutoPicksHighestPriorityThenOldest(t *testing.T) {
	svc, tasks, _, _ := newClaimFixture()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	seedPendingTask(t, tasks, "task-low", "ws-1", 1, base)
	seedPendingTask(t, tasks, "task-high-new", "ws-1", 9, base.Add(10*time.Minute))
	seedPendingTask(t, tasks, "task-high-old", "ws-1", 9, base.Add(5*time.Minute))

	acct := testAccount("acct-1", 3)

	_, first, err := svc.Claim(ctx, Request{Account: acct, WorkspaceID: "ws-1"})
	require.NoError(t, err)
	assert.Equal(t, "task-high-old", first.ID)

	_, second, err := svc.Claim(ctx, Request{Account: acct, WorkspaceID: "ws-1"})
	require.NoError(t, err)
	assert.Equal(t, "task-high-new", second.ID)

	_, third, err := svc.Claim(ctx, Request{Account: acct, WorkspaceID: "ws-1"})
	require.NoError(t, err)
	assert.Equal(t, "task-low", third.ID)
}

func TestClaimAutoWithNothingPending(t *testing.T) {
	svc, _, _, _ := newClaimFixture()

	_, _, err := svc.Claim(context.Background(), Request{Account: testAccount("acct-1", 3), WorkspaceID: "ws-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sharederrors.ErrNotFound))
}

func TestClaimValidatesRequest(t *testing.T) {
	svc, _, _, _ := newClaimFixture()
	ctx := context.Background()

	_, _, err := svc.Claim(ctx, Request{WorkspaceID: "ws-1"})
	assert.True(t, errors.Is(err, sharederrors.ErrInvalid))

	_, _, err = svc.Claim(ctx, Request{Account: testAccount("acct-1", 3)})
	assert.True(t, errors.Is(err, sharederrors.ErrInvalid))
}

func TestClaimScopesPinnedTaskToWorkspace(t *testing.T) {
	svc, tasks, _, _ := newClaimFixture()

	seedPendingTask(t, tasks, "task-1", "ws-other", 5, time.Now().UTC())

	_, _, err := svc.Claim(context.Background(), Request{
		Account:     testAccount("acct-1", 3),
		WorkspaceID: "ws-1",
		TaskID:      "task-1",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sharederrors.ErrNotFound))
}

func TestClaimDefaultsAdmissionLimit(t *testing.T) {
	svc, tasks, workers, _ := newClaimFixture()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, wid := range []string{"worker-a", "worker-b", "worker-c"} {
		workers.Put(&worker.Worker{
			ID:          wid,
			AccountID:   "acct-1",
			TaskID:      "task-seed",
			WorkspaceID: "ws-1",
			Status:      worker.StatusRunning,
			StartedAt:   now.Add(time.Duration(i) * time.Second),
		})
	}
	seedPendingTask(t, tasks, "task-1", "ws-1", 5, now)

	// MaxConcurrentWorkers unset falls back to the account default of 3.
	_, _, err := svc.Claim(ctx, Request{Account: &account.Account{ID: "acct-1"}, WorkspaceID: "ws-1", TaskID: "task-1"})
	capErr, ok := sharederrors.AsCapacity(err)
	require.True(t, ok, "expected a capacity error, got %v", err)
	assert.Equal(t, 3, capErr.Current)
	assert.Equal(t, account.DefaultMaxConcurrentWorkers, capErr.Limit)
}

func TestClaimPublishesDispatchEvents(t *testing.T) {
	svc, tasks, _, recorder := newClaimFixture()

	seedPendingTask(t, tasks, "task-1", "ws-1", 5, time.Now().UTC())

	w, claimed, err := svc.Claim(context.Background(), Request{
		Account:     testAccount("acct-1", 3),
		WorkspaceID: "ws-1",
		TaskID:      "task-1",
		Branch:      "feature/x",
	})
	require.NoError(t, err)
	assert.Equal(t, "feature/x", w.Branch)

	claimedEvents := recorder.ByEvent(busdomain.EventTaskClaimed)
	require.Len(t, claimedEvents, 2)
	channels := []string{claimedEvents[0].Channel, claimedEvents[1].Channel}
	assert.Contains(t, channels, busdomain.TaskChannel(claimed.ID))
	assert.Contains(t, channels, busdomain.WorkspaceChannel("ws-1"))

	startedEvents := recorder.ByEvent(busdomain.EventWorkerStarted)
	require.Len(t, startedEvents, 2)
	channels = []string{startedEvents[0].Channel, startedEvents[1].Channel}
	assert.Contains(t, channels, busdomain.WorkerChannel(w.ID))
	assert.Contains(t, channels, busdomain.WorkspaceChannel("ws-1"))
}

func TestClaimSwallowsPublishFailures(t *testing.T) {
	tasks := testutil.NewMemTaskStore()
	workers := testutil.NewMemWorkerStore(tasks)
	recorder := testutil.NewBusRecorder()
	recorder.FailWith = errors.New("bus down")
	svc := NewService(workers, recorder, nil, nil)

	seedPendingTask(t, tasks, "task-1", "ws-1", 5, time.Now().UTC())

	w, _, err := svc.Claim(context.Background(), Request{
		Account:     testAccount("acct-1", 3),
		WorkspaceID: "ws-1",
		TaskID:      "task-1",
	})
	require.NoError(t, err)
	require.NotNil(t, w)
}

func TestClaimReclaimsExpiredLease(t *testing.T) {
	svc, tasks, _, _ := newClaimFixture()
	ctx := context.Background()
	now := time.Now().UTC()

	seedPendingTask(t, tasks, "task-1", "ws-1", 5, now.Add(-time.Hour))
	// A lapsed claim from a dead worker still written on the row.
	stale, err := tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	claimedAt := now.Add(-2 * time.Hour)
	expiredAt := now.Add(-time.Hour)
	stale.ClaimedBy = "worker-dead"
	stale.ClaimedAt = &claimedAt
	stale.ExpiresAt = &expiredAt
	require.NoError(t, tasks.Update(ctx, stale))

	w, claimed, err := svc.Claim(ctx, Request{Account: testAccount("acct-1", 3), WorkspaceID: "ws-1", TaskID: "task-1"})
	require.NoError(t, err)
	assert.Equal(t, w.ID, claimed.ClaimedBy)
	assert.True(t, claimed.ExpiresAt.After(now))
}

func TestSetLeaseTTL(t *testing.T) {
	svc, tasks, _, _ := newClaimFixture()
	svc.SetLeaseTTL(time.Minute)
	svc.SetLeaseTTL(0) // ignored
	ctx := context.Background()
	now := time.Now().UTC()

	seedPendingTask(t, tasks, "task-1", "ws-1", 5, now)

	_, claimed, err := svc.Claim(ctx, Request{Account: testAccount("acct-1", 3), WorkspaceID: "ws-1", TaskID: "task-1"})
	require.NoError(t, err)
	require.NotNil(t, claimed.ExpiresAt)
	assert.WithinDuration(t, now.Add(time.Minute), *claimed.ExpiresAt, 10*time.Second)
}
