package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildd-ai/buildd-sub004/internal/domain/schedule"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/testutil"
)

func newScheduleService() (*Service, *testutil.MemScheduleStore) {
	store := testutil.NewMemScheduleStore()
	return NewService(store, nil), store
}

func validCreate() CreateParams {
	return CreateParams{
		Name:     "nightly triage",
		CronExpr: "*/5 * * * *",
		Timezone: "UTC",
		Template: schedule.TaskTemplate{Title: "Triage new issues", Priority: 5},
	}
}

func TestCreateValidatesInput(t *testing.T) {
	svc, _ := newScheduleService()
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{name: "missing name", mutate: func(p *CreateParams) { p.Name = " " }},
		{name: "missing template title", mutate: func(p *CreateParams) { p.Template.Title = "" }},
		{name: "unparseable cron", mutate: func(p *CreateParams) { p.CronExpr = "not a cron" }},
		{name: "bad timezone", mutate: func(p *CreateParams) { p.Timezone = "Mars/Olympus" }},
		{name: "unknown trigger type", mutate: func(p *CreateParams) {
			p.Trigger = &schedule.Trigger{Type: "carrier_pigeon", URL: "http://x"}
		}},
		{name: "trigger without url", mutate: func(p *CreateParams) {
			p.Trigger = &schedule.Trigger{Type: schedule.TriggerRSS}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validCreate()
			tt.mutate(&p)
			_, err := svc.Create(ctx, "ws-1", p)
			assert.True(t, errors.Is(err, sharederrors.ErrInvalid), "got %v", err)
		})
	}
}

func TestCreateComputesFirstFire(t *testing.T) {
	svc, _ := newScheduleService()
	ctx := context.Background()

	sch, err := svc.Create(ctx, "ws-1", validCreate())
	require.NoError(t, err)
	assert.True(t, sch.Enabled)
	assert.Equal(t, schedule.DefaultMaxConcurrent, sch.MaxConcurrentFromSchedule)
	assert.Equal(t, schedule.DefaultPauseAfterFailures, sch.PauseAfterFailures)
	require.NotNil(t, sch.NextRunAt)
	assert.True(t, sch.NextRunAt.After(time.Now()))
	assert.True(t, sch.NextRunAt.Before(time.Now().Add(6*time.Minute)), "five-minute cadence fires soon")
}

func TestCreateDisabledSkipsFirstFire(t *testing.T) {
	svc, _ := newScheduleService()
	p := validCreate()
	p.Disabled = true

	sch, err := svc.Create(context.Background(), "ws-1", p)
	require.NoError(t, err)
	assert.False(t, sch.Enabled)
	assert.Nil(t, sch.NextRunAt)
}

func TestUpdateRevalidatesCadence(t *testing.T) {
	svc, _ := newScheduleService()
	ctx := context.Background()
	sch, err := svc.Create(ctx, "ws-1", validCreate())
	require.NoError(t, err)

	bad := "61 * * * *"
	_, err = svc.Update(ctx, "ws-1", sch.ID, schedule.Patch{CronExpr: &bad})
	assert.True(t, errors.Is(err, sharederrors.ErrInvalid))

	hourly := "0 * * * *"
	updated, err := svc.Update(ctx, "ws-1", sch.ID, schedule.Patch{CronExpr: &hourly})
	require.NoError(t, err)
	assert.Equal(t, hourly, updated.CronExpr)
	require.NotNil(t, updated.NextRunAt)
	assert.Zero(t, updated.NextRunAt.Minute(), "hourly cadence fires on the hour")
}

func TestUpdateEnableDisableLifecycle(t *testing.T) {
	svc, store := newScheduleService()
	ctx := context.Background()
	sch, err := svc.Create(ctx, "ws-1", validCreate())
	require.NoError(t, err)

	// Simulate an accumulated failure streak before re-enabling.
	stored, err := store.Get(ctx, sch.ID)
	require.NoError(t, err)
	stored.ConsecutiveFailures = 3
	stored.LastError = "probe: timeout"
	require.NoError(t, store.Update(ctx, stored))

	off := false
	disabled, err := svc.Update(ctx, "ws-1", sch.ID, schedule.Patch{Enabled: &off})
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)
	assert.Nil(t, disabled.NextRunAt)

	on := true
	enabled, err := svc.Update(ctx, "ws-1", sch.ID, schedule.Patch{Enabled: &on})
	require.NoError(t, err)
	assert.True(t, enabled.Enabled)
	require.NotNil(t, enabled.NextRunAt)
	assert.Zero(t, enabled.ConsecutiveFailures, "re-enabling clears the streak")
	assert.Empty(t, enabled.LastError)
}

func TestGetAndDeleteScopeToWorkspace(t *testing.T) {
	svc, _ := newScheduleService()
	ctx := context.Background()
	sch, err := svc.Create(ctx, "ws-1", validCreate())
	require.NoError(t, err)

	_, err = svc.Get(ctx, "ws-other", sch.ID)
	assert.True(t, errors.Is(err, sharederrors.ErrNotFound))

	err = svc.Delete(ctx, "ws-other", sch.ID)
	assert.True(t, errors.Is(err, sharederrors.ErrNotFound))

	require.NoError(t, svc.Delete(ctx, "ws-1", sch.ID))
	_, err = svc.Get(ctx, "ws-1", sch.ID)
	assert.True(t, errors.Is(err, sharederrors.ErrNotFound))
}

func TestListNewestFirst(t *testing.T) {
	svc, store := newScheduleService()
	ctx := context.Background()

	first, err := svc.Create(ctx, "ws-1", validCreate())
	require.NoError(t, err)
	stored, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	stored.CreatedAt = time.Now().Add(-time.Hour).UTC()
	require.NoError(t, store.Update(ctx, stored))

	p := validCreate()
	p.Name = "hourly digest"
	second, err := svc.Create(ctx, "ws-1", p)
	require.NoError(t, err)

	list, err := svc.List(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestValidateCronPreview(t *testing.T) {
	svc, _ := newScheduleService()

	res := svc.ValidateCron("*/5 * * * *", "UTC")
	assert.True(t, res.Valid)
	assert.Equal(t, "every 5 minutes", res.Description)
	require.Len(t, res.NextRuns, 3)
	assert.True(t, res.NextRuns[0].Before(res.NextRuns[1]))
	assert.True(t, res.NextRuns[1].Before(res.NextRuns[2]))

	res = svc.ValidateCron("bogus", "UTC")
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Error)
}

func TestValidateCronHonorsTimezone(t *testing.T) {
	svc, _ := newScheduleService()

	res := svc.ValidateCron("30 9 * * *", "America/New_York")
	require.True(t, res.Valid)
	require.NotEmpty(t, res.NextRuns)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	local := res.NextRuns[0].In(loc)
	assert.Equal(t, 9, local.Hour())
	assert.Equal(t, 30, local.Minute())
}
