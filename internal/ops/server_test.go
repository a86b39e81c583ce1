package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/backlog"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/dlq"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/infra"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/question"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/state"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/substrate"
)

type fixture struct {
	store     substrate.Store
	backlog   *backlog.Store
	questions *question.Store
	server    *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	store := infra.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:     store,
		backlog:   backlog.NewStore(store, "test"),
		questions: question.NewStore(store, "test"),
	}
	f.server = NewServer(":0", store, f.backlog, f.questions, "test:dlq", prometheus.NewRegistry())
	return f
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBacklogRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.backlog.PutItem(ctx, &backlog.Item{
		ID:        "b-1",
		ProjectID: "p-1",
		ItemType:  "AGENT_TASK",
		Title:     "Execute work",
		Status:    state.StatusCreated,
	}))

	rec := f.get(t, "/projects")
	assert.Equal(t, http.StatusOK, rec.Code)
	var projects []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &projects))
	assert.Equal(t, []string{"p-1"}, projects)

	rec = f.get(t, "/projects/p-1/backlog")
	assert.Equal(t, http.StatusOK, rec.Code)
	var items []backlog.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "b-1", items[0].ID)

	rec = f.get(t, "/projects/p-1/backlog/b-1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.get(t, "/projects/p-1/backlog/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQuestionsRoute(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.questions.Create(context.Background(), &question.Question{
		ID:        "q-1",
		ProjectID: "p-1",
		Text:      "Which KPIs?",
	}))

	rec := f.get(t, "/projects/p-1/questions")
	assert.Equal(t, http.StatusOK, rec.Code)
	var qs []question.Question
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &qs))
	require.Len(t, qs, 1)
	assert.Equal(t, "q-1", qs[0].ID)
}

func TestDLQRoute(t *testing.T) {
	f := newFixture(t)
	pub := dlq.NewPublisher(f.store, "test:dlq")
	_, err := pub.Publish(context.Background(), "envelope_decode: invalid json",
		map[string]string{"event": "{not json"})
	require.NoError(t, err)

	rec := f.get(t, "/dlq?count=10")
	assert.Equal(t, http.StatusOK, rec.Code)
	var entries []struct {
		ID     string      `json:"id"`
		Record *dlq.Record `json:"record"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Record)
	assert.Contains(t, entries[0].Record.Reason, "envelope_decode")
}
