package question

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/infra"
)

func newTestStore(t *testing.T) *Store {
	mr := miniredis.RunT(t)
	rs := infra.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { rs.Close() })
	return NewStore(rs, "test")
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Question{
		ID:            "q-1",
		ProjectID:     "p-1",
		BacklogItemID: "b-1",
		Text:          "Which KPIs should be tracked?",
	}))

	q, err := s.Get(ctx, "p-1", "q-1")
	require.NoError(t, err)
	assert.True(t, q.Open())
	assert.Equal(t, "b-1", q.BacklogItemID)
	assert.NotEmpty(t, q.CreatedAt)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "p-1", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenIndexFollowsLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Question{ID: "q-1", ProjectID: "p-1"}))
	require.NoError(t, s.Create(ctx, &Question{ID: "q-2", ProjectID: "p-1"}))

	open, err := s.ListOpen(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"q-1", "q-2"}, open)

	_, err = s.Close(ctx, "p-1", "q-1", "because")
	require.NoError(t, err)

	open, err = s.ListOpen(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"q-2"}, open)

	all, err := s.ListAll(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"q-1", "q-2"}, all)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Question{ID: "q-1", ProjectID: "p-1"}))

	first, err := s.Close(ctx, "p-1", "q-1", []any{"kpi_a", "kpi_b"})
	require.NoError(t, err)
	assert.False(t, first.Open())

	// A replayed answer must not clobber the stored one.
	second, err := s.Close(ctx, "p-1", "q-1", "different answer")
	require.NoError(t, err)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, first.ClosedAt, second.ClosedAt)
}
