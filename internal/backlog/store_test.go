package backlog

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/infra"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/state"
)

func newTestStore(t *testing.T) *Store {
	mr := miniredis.RunT(t)
	rs := infra.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { rs.Close() })
	return NewStore(rs, "test")
}

func newItem(id string) *Item {
	return &Item{
		ID:          id,
		ProjectID:   "p-1",
		ItemType:    "AGENT_TASK",
		Title:       "Execute work",
		Status:      state.StatusCreated,
		AgentTarget: "dev_worker",
		WorkContext: map[string]any{"request_text": "build it"},
	}
}

func TestPutAndGetItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutItem(ctx, newItem("b-1")))

	got, err := s.GetItem(ctx, "p-1", "b-1")
	require.NoError(t, err)
	assert.Equal(t, "b-1", got.ID)
	assert.Equal(t, state.StatusCreated, got.Status)
	assert.Equal(t, "build it", got.WorkContext["request_text"])
	assert.NotEmpty(t, got.CreatedAt)
}

func TestGetItemNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetItem(context.Background(), "p-1", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetStatusMaintainsIndices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutItem(ctx, newItem("b-1")))
	require.NoError(t, s.PutItem(ctx, newItem("b-2")))

	_, err := s.SetStatus(ctx, "p-1", "b-1", state.StatusReady)
	require.NoError(t, err)

	ready, err := s.ListItemIDsByStatus(ctx, "p-1", state.StatusReady)
	require.NoError(t, err)
	assert.Equal(t, []string{"b-1"}, ready)

	created, err := s.ListItemIDsByStatus(ctx, "p-1", state.StatusCreated)
	require.NoError(t, err)
	assert.Equal(t, []string{"b-2"}, created)

	all, err := s.ListItemIDs(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b-1", "b-2"}, all)
}

func TestPutItemUpsertReindexesStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutItem(ctx, newItem("b-1")))

	again := newItem("b-1")
	again.Status = state.StatusReady
	require.NoError(t, s.PutItem(ctx, again))

	// The re-put must not leave the item in two status indices.
	created, err := s.ListItemIDsByStatus(ctx, "p-1", state.StatusCreated)
	require.NoError(t, err)
	assert.Empty(t, created)

	ready, err := s.ListItemIDsByStatus(ctx, "p-1", state.StatusReady)
	require.NoError(t, err)
	assert.Equal(t, []string{"b-1"}, ready)

	got, err := s.GetItem(ctx, "p-1", "b-1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusReady, got.Status)
	assert.NotEmpty(t, got.CreatedAt)
}

func TestSetStatusRejectsIllegalTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutItem(ctx, newItem("b-1")))

	_, err := s.SetStatus(ctx, "p-1", "b-1", state.StatusDone)
	it := &state.IllegalTransition{}
	require.ErrorAs(t, err, &it)

	// The failed transition must leave the item untouched.
	got, err := s.GetItem(ctx, "p-1", "b-1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusCreated, got.Status)
}

func TestMutationsApplyWithStatusChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutItem(ctx, newItem("b-1")))
	_, err := s.SetStatus(ctx, "p-1", "b-1", state.StatusBlocked, WithBlockedOn("q-1"))
	require.NoError(t, err)

	got, err := s.GetItem(ctx, "p-1", "b-1")
	require.NoError(t, err)
	assert.Equal(t, "q-1", got.BlockedOnQuestion)

	// Unblocking clears the question link and merges the answer.
	_, err = s.SetStatus(ctx, "p-1", "b-1", state.StatusReady,
		WithWorkContext(map[string]any{"answer:q-1": "the answer"}))
	require.NoError(t, err)

	got, err = s.GetItem(ctx, "p-1", "b-1")
	require.NoError(t, err)
	assert.Empty(t, got.BlockedOnQuestion)
	assert.Equal(t, "the answer", got.WorkContext["answer:q-1"])
	assert.Equal(t, "build it", got.WorkContext["request_text"])
}

func TestAmendKeepsStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutItem(ctx, newItem("b-1")))
	_, err := s.Amend(ctx, "p-1", "b-1", WithWorkContext(map[string]any{"extra": 1}))
	require.NoError(t, err)

	got, err := s.GetItem(ctx, "p-1", "b-1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusCreated, got.Status)
	assert.EqualValues(t, 1, got.WorkContext["extra"])
}

func TestListProjectIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newItem("b-1")
	b := newItem("b-2")
	b.ProjectID = "p-2"
	require.NoError(t, s.PutItem(ctx, a))
	require.NoError(t, s.PutItem(ctx, b))

	projects, err := s.ListProjectIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p-1", "p-2"}, projects)
}
