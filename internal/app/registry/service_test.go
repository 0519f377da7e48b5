package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildd-ai/buildd-sub004/internal/domain/runner"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/testutil"
)

func heartbeat(rid, account, url string, workspaces []string, active, capacity int) runner.Heartbeat {
	return runner.Heartbeat{
		RunnerID:      rid,
		AccountID:     account,
		URL:           url,
		WorkspaceIDs:  workspaces,
		ActiveWorkers: active,
		Capacity:      capacity,
	}
}

func TestHeartbeatRegistersAndAcks(t *testing.T) {
	svc := NewService(testutil.NewMemRunnerStore(), nil)
	ctx := context.Background()

	ack, err := svc.Heartbeat(ctx, heartbeat("runner-1", "acct-1", "http://10.0.0.1:4570", []string{"ws-1"}, 1, 4))
	require.NoError(t, err)
	assert.Equal(t, 30, ack.IntervalSeconds)

	active, err := svc.Active(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "runner-1", active[0].ID)
	assert.Equal(t, "http://10.0.0.1:4570", active[0].URL)
	assert.Equal(t, 1, active[0].ActiveWorkers)
	assert.WithinDuration(t, time.Now(), active[0].LastHeartbeatAt, 5*time.Second)
}

func TestHeartbeatValidation(t *testing.T) {
	svc := NewService(testutil.NewMemRunnerStore(), nil)
	ctx := context.Background()

	cases := []struct {
		name string
		hb   runner.Heartbeat
	}{
		{"missing runner id", heartbeat("", "acct-1", "http://r", nil, 0, 1)},
		{"missing account id", heartbeat("runner-1", "", "http://r", nil, 0, 1)},
		{"missing url", heartbeat("runner-1", "acct-1", "", nil, 0, 1)},
		{"negative capacity", heartbeat("runner-1", "acct-1", "http://r", nil, 0, -1)},
		{"negative active workers", heartbeat("runner-1", "acct-1", "http://r", nil, -1, 1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Heartbeat(ctx, tc.hb)
			assert.True(t, errors.Is(err, sharederrors.ErrInvalid))
		})
	}
}

func TestLivenessWindowExpiresSilentRunners(t *testing.T) {
	store := testutil.NewMemRunnerStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	hb := heartbeat("runner-1", "acct-1", "http://r1", []string{"ws-1"}, 0, 2)
	require.NoError(t, store.Upsert(ctx, hb, time.Now().Add(-2*time.Minute)))

	active, err := svc.Active(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, active, "runner past the 90s window is gone")

	_, err = svc.Heartbeat(ctx, hb)
	require.NoError(t, err)
	active, err = svc.Active(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, active, 1, "a fresh heartbeat revives the runner")
}

func TestCapacityAndTargetSelection(t *testing.T) {
	svc := NewService(testutil.NewMemRunnerStore(), nil)
	ctx := context.Background()

	_, err := svc.Heartbeat(ctx, heartbeat("runner-1", "acct-1", "http://r1", []string{"ws-1"}, 1, 4))
	require.NoError(t, err)
	_, err = svc.Heartbeat(ctx, heartbeat("runner-2", "acct-1", "http://r2", []string{"ws-1", "ws-2"}, 0, 2))
	require.NoError(t, err)
	_, err = svc.Heartbeat(ctx, heartbeat("runner-3", "acct-2", "http://r3", []string{"ws-2"}, 5, 5))
	require.NoError(t, err)

	free, err := svc.FreeCapacity(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 5, free, "3 free on runner-1 plus 2 on runner-2")

	target, err := svc.Target(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "http://r1", target, "most free slots wins")

	free, err = svc.FreeCapacity(ctx, "ws-2")
	require.NoError(t, err)
	assert.Equal(t, 2, free, "saturated runner-3 contributes nothing")

	free, err = svc.FreeCapacity(ctx, "ws-unknown")
	require.NoError(t, err)
	assert.Zero(t, free)
	target, err = svc.Target(ctx, "ws-unknown")
	require.NoError(t, err)
	assert.Empty(t, target)
}

func TestActiveScopesByAccount(t *testing.T) {
	svc := NewService(testutil.NewMemRunnerStore(), nil)
	ctx := context.Background()

	_, err := svc.Heartbeat(ctx, heartbeat("runner-1", "acct-1", "http://r1", nil, 0, 1))
	require.NoError(t, err)
	_, err = svc.Heartbeat(ctx, heartbeat("runner-2", "acct-2", "http://r2", nil, 0, 1))
	require.NoError(t, err)

	mine, err := svc.Active(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "runner-1", mine[0].ID)

	all, err := svc.Active(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeregister(t *testing.T) {
	svc := NewService(testutil.NewMemRunnerStore(), nil)
	ctx := context.Background()

	_, err := svc.Heartbeat(ctx, heartbeat("runner-1", "acct-1", "http://r1", nil, 0, 1))
	require.NoError(t, err)
	require.NoError(t, svc.Deregister(ctx, "runner-1"))

	active, err := svc.Active(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, active)
}
