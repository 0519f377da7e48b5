package observe

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildd-ai/buildd-sub004/internal/domain/observation"
	sharederrors "github.com/buildd-ai/buildd-sub004/internal/shared/errors"
	"github.com/buildd-ai/buildd-sub004/internal/testutil"
)

func newService() (*Service, *testutil.MemObservationStore) {
	store := testutil.NewMemObservationStore()
	return NewService(store, nil), store
}

func seed(t *testing.T, store *testutil.MemObservationStore, workspaceID string, otype observation.Type, title string, age time.Duration, files, concepts []string) *observation.Observation {
	t.Helper()
	o := &observation.Observation{
		ID:          "obs-" + title,
		WorkspaceID: workspaceID,
		Type:        otype,
		Title:       title,
		Content:     "notes about " + title,
		Files:       files,
		Concepts:    concepts,
		CreatedAt:   time.Now().Add(-age).UTC(),
	}
	require.NoError(t, store.Create(context.Background(), o))
	return o
}

func TestCreateValidatesInput(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	_, err := svc.Create(ctx, "ws-1", CreateParams{Type: "rumor", Title: "x", Content: "y"})
	assert.True(t, errors.Is(err, sharederrors.ErrInvalid))

	_, err = svc.Create(ctx, "ws-1", CreateParams{Type: observation.TypeDiscovery, Content: "y"})
	assert.True(t, errors.Is(err, sharederrors.ErrInvalid))

	_, err = svc.Create(ctx, "ws-1", CreateParams{Type: observation.TypeDiscovery, Title: "x"})
	assert.True(t, errors.Is(err, sharederrors.ErrInvalid))

	o, err := svc.Create(ctx, "ws-1", CreateParams{
		Type:     observation.TypeDiscovery,
		Title:    "  padded title  ",
		Content:  "the auth middleware caches keys",
		Concepts: []string{" auth ", ""},
	})
	require.NoError(t, err)
	assert.Equal(t, "padded title", o.Title)
	assert.Equal(t, []string{"auth"}, o.Concepts)
	assert.NotEmpty(t, o.ID)
}

func TestCreateBatchBounds(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	_, err := svc.CreateBatch(ctx, "ws-1", nil)
	assert.True(t, errors.Is(err, sharederrors.ErrInvalid))

	oversized := make([]CreateParams, observation.MaxBatchSize+1)
	for i := range oversized {
		oversized[i] = CreateParams{Type: observation.TypeDiscovery, Title: fmt.Sprintf("t%d", i), Content: "c"}
	}
	_, err = svc.CreateBatch(ctx, "ws-1", oversized)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")

	batch := []CreateParams{
		{Type: observation.TypeDiscovery, Title: "first", Content: "a"},
		{Type: observation.TypeGotcha, Title: "second", Content: "b"},
	}
	created, err := svc.CreateBatch(ctx, "ws-1", batch)
	require.NoError(t, err)
	require.Len(t, created, 2)

	listed, err := svc.List(ctx, "ws-1", 0)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestCreateBatchRejectsWholeBatchOnOneBadEntry(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	_, err := svc.CreateBatch(ctx, "ws-1", []CreateParams{
		{Type: observation.TypeDiscovery, Title: "good", Content: "a"},
		{Type: "rumor", Title: "bad", Content: "b"},
	})
	assert.True(t, errors.Is(err, sharederrors.ErrInvalid))

	listed, err := svc.List(ctx, "ws-1", 0)
	require.NoError(t, err)
	assert.Empty(t, listed, "validation failures must not partially persist")
}

func TestSearchRanksOverlapOverText(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()

	seed(t, store, "ws-1", observation.TypeDiscovery, "token cache quirk",
		3*time.Hour, nil, nil)
	seed(t, store, "ws-1", observation.TypePattern, "auth middleware shape",
		2*time.Hour, []string{"internal/auth/middleware.go"}, []string{"auth"})
	seed(t, store, "ws-1", observation.TypeDecision, "jwt rotation policy",
		time.Hour, nil, []string{"auth", "jwt"})

	results, err := svc.Search(ctx, "ws-1", "", nil, []string{"auth", "jwt"}, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "jwt rotation policy", results[0].Title, "two-concept overlap outranks one")
	assert.Equal(t, "auth middleware shape", results[1].Title)

	results, err = svc.Search(ctx, "ws-1", "token", nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "token cache quirk", results[0].Title)

	results, err = svc.Search(ctx, "ws-1", "", []string{"internal/auth/middleware.go"}, nil, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "auth middleware shape", results[0].Title)
}

func TestSearchWithoutQueryLists(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	seed(t, store, "ws-1", observation.TypeDiscovery, "older", 2*time.Hour, nil, nil)
	seed(t, store, "ws-1", observation.TypeDiscovery, "newer", time.Hour, nil, nil)

	results, err := svc.Search(ctx, "ws-1", "", nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "newer", results[0].Title)
}

func TestCompactDigest(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()

	seed(t, store, "ws-1", observation.TypeDiscovery, "cache layout", 3*time.Hour, nil, []string{"cache"})
	seed(t, store, "ws-1", observation.TypeDiscovery, "retry budget", 2*time.Hour, nil, []string{"retries"})
	seed(t, store, "ws-1", observation.TypeGotcha, "migration order matters", time.Hour, nil, []string{"cache", "migrations"})
	seed(t, store, "ws-other", observation.TypeDecision, "foreign", time.Hour, nil, nil)

	digest, err := svc.Compact(ctx, "ws-1")
	require.NoError(t, err)

	assert.Equal(t, 2, digest.CountsByType[observation.TypeDiscovery])
	assert.Equal(t, 1, digest.CountsByType[observation.TypeGotcha])
	assert.Zero(t, digest.CountsByType[observation.TypeDecision])

	require.Len(t, digest.Recent, 3)
	assert.Equal(t, "[gotcha] migration order matters", digest.Recent[0])
	assert.Equal(t, "[discovery] retry budget", digest.Recent[1])

	assert.Equal(t, []string{"cache", "migrations", "retries"}, digest.Concepts)
}

func TestGetBatchScopesWorkspace(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	mine := seed(t, store, "ws-1", observation.TypeDiscovery, "mine", time.Hour, nil, nil)
	foreign := seed(t, store, "ws-other", observation.TypeDiscovery, "foreign", time.Hour, nil, nil)

	got, err := svc.GetBatch(ctx, "ws-1", []string{mine.ID, foreign.ID, "obs-missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mine.ID, got[0].ID)
}

func TestUpdateAndDeleteScope(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	o := seed(t, store, "ws-1", observation.TypeDiscovery, "original", time.Hour, nil, nil)

	title := "refined"
	_, err := svc.Update(ctx, "ws-other", o.ID, observation.Patch{Title: &title})
	assert.True(t, errors.Is(err, sharederrors.ErrNotFound))

	updated, err := svc.Update(ctx, "ws-1", o.ID, observation.Patch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "refined", updated.Title)

	badType := observation.Type("rumor")
	_, err = svc.Update(ctx, "ws-1", o.ID, observation.Patch{Type: &badType})
	assert.True(t, errors.Is(err, sharederrors.ErrInvalid))

	err = svc.Delete(ctx, "ws-other", o.ID)
	assert.True(t, errors.Is(err, sharederrors.ErrNotFound))
	require.NoError(t, svc.Delete(ctx, "ws-1", o.ID))
}
