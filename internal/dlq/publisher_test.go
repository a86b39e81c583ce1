package dlq

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/event"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/infra"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/substrate"
)

func newTestPublisher(t *testing.T) (*Publisher, substrate.Store) {
	mr := miniredis.RunT(t)
	rs := infra.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { rs.Close() })
	return NewPublisher(rs, "test:dlq"), rs
}

func readRecord(t *testing.T, store substrate.Store) Record {
	t.Helper()
	entries, err := store.StreamRange(context.Background(), "test:dlq", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(entries[0].Fields[WireField]), &rec))
	return rec
}

func TestPublishPreservesGarbageVerbatim(t *testing.T) {
	pub, store := newTestPublisher(t)

	fields := map[string]string{"event": "{not json"}
	id, err := pub.Publish(context.Background(), "envelope_decode: invalid json", fields)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	rec := readRecord(t, store)
	assert.Equal(t, "envelope_decode: invalid json", rec.Reason)
	assert.Equal(t, "{not json", rec.OriginalFields["event"])
	assert.Nil(t, rec.OriginalEvent)
	assert.Empty(t, rec.EventID)
	assert.NotEmpty(t, rec.Timestamp)
}

func TestPublishDecodesWellFormedOriginal(t *testing.T) {
	pub, store := newTestPublisher(t)

	env, err := event.Build(event.TypeWorkItemFailed, event.FailedPayload{
		ProjectID:     "p-1",
		BacklogItemID: "b-1",
		Reason:        "broken",
		Category:      "tool",
	}, "dev_worker")
	require.NoError(t, err)
	fields, err := env.Fields()
	require.NoError(t, err)

	_, err = pub.Publish(context.Background(), "max_attempts_exhausted", fields, WithSchemaID("work_item_failed.v1.schema.json"))
	require.NoError(t, err)

	rec := readRecord(t, store)
	assert.Equal(t, "max_attempts_exhausted", rec.Reason)
	assert.Equal(t, env.EventID, rec.EventID)
	assert.Equal(t, event.TypeWorkItemFailed, rec.EventType)
	assert.Equal(t, "work_item_failed.v1.schema.json", rec.SchemaID)
	require.NotNil(t, rec.OriginalEvent)
	assert.Equal(t, env.CorrelationID, rec.OriginalEvent.CorrelationID)
}

func TestPublishToleratesNilFields(t *testing.T) {
	pub, store := newTestPublisher(t)

	_, err := pub.Publish(context.Background(), "orphan", nil)
	require.NoError(t, err)

	rec := readRecord(t, store)
	assert.Equal(t, "orphan", rec.Reason)
	assert.NotNil(t, rec.OriginalFields)
}
