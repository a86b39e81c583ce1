package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BourguignonSimon/DevTeamAutomated/internal/dlq"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/event"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/failure"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/idempotence"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/infra"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/schema"
	"github.com/BourguignonSimon/DevTeamAutomated/internal/substrate"
)

const (
	testStream = "test:events"
	testDLQ    = "test:dlq"
	testGroup  = "test_group"
)

type fixture struct {
	store    substrate.Store
	consumer *Consumer
	handled  []*event.Envelope
	handler  Handler
}

func newFixture(t *testing.T, handler Handler) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	store := infra.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { store.Close() })

	registry, err := schema.Default()
	require.NoError(t, err)

	f := &fixture{store: store, handler: handler}
	if f.handler == nil {
		f.handler = func(_ context.Context, env *event.Envelope, _ map[string]string) error {
			f.handled = append(f.handled, env)
			return nil
		}
	}

	f.consumer = NewConsumer(
		store,
		registry,
		idempotence.NewGuard(store, "test:processed"),
		dlq.NewPublisher(store, testDLQ),
		NewMetrics(prometheus.NewRegistry(), "test"),
		func(ctx context.Context, env *event.Envelope, raw map[string]string) error {
			return f.handler(ctx, env, raw)
		},
		Config{
			Stream:           testStream,
			Group:            testGroup,
			Consumer:         "c-1",
			Count:            10,
			Block:            10 * time.Millisecond,
			IdleReclaim:      time.Millisecond,
			MaxAttempts:      2,
			DedupeTTL:        time.Minute,
			HandlerTimeout:   time.Second,
			AttemptPrefix:    "test:attempts",
			HandlerErrReason: "handler_error",
		},
	)
	require.NoError(t, store.EnsureGroup(context.Background(), testStream, testGroup))
	return f
}

func (f *fixture) publish(t *testing.T, env *event.Envelope) {
	t.Helper()
	fields, err := env.Fields()
	require.NoError(t, err)
	_, err = f.store.StreamAdd(context.Background(), testStream, fields)
	require.NoError(t, err)
}

func (f *fixture) dlqRecords(t *testing.T) []dlq.Record {
	t.Helper()
	entries, err := f.store.StreamRange(context.Background(), testDLQ, 100)
	require.NoError(t, err)
	records := make([]dlq.Record, 0, len(entries))
	for _, e := range entries {
		var rec dlq.Record
		require.NoError(t, json.Unmarshal([]byte(e.Fields[dlq.WireField]), &rec))
		records = append(records, rec)
	}
	return records
}

func startedEnvelope(t *testing.T) *event.Envelope {
	t.Helper()
	env, err := event.Build(event.TypeWorkItemStarted, event.StartedPayload{
		ProjectID:     "p-1",
		BacklogItemID: "b-1",
	}, "dev_worker")
	require.NoError(t, err)
	return env
}

func TestValidEventIsHandledAndAcked(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	env := startedEnvelope(t)
	f.publish(t, env)

	n, err := f.consumer.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, f.handled, 1)
	assert.Equal(t, env.EventID, f.handled[0].EventID)

	// Acked: nothing new and nothing pending to reclaim.
	time.Sleep(5 * time.Millisecond)
	n, err = f.consumer.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, f.handled, 1)
	assert.Empty(t, f.dlqRecords(t))
}

func TestDuplicateEventIdIsAbsorbed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	env := startedEnvelope(t)
	f.publish(t, env)
	f.publish(t, env) // same event_id, second stream entry

	_, err := f.consumer.ConsumeOnce(ctx)
	require.NoError(t, err)

	// The handler ran exactly once; the duplicate was acked silently.
	assert.Len(t, f.handled, 1)
	assert.Empty(t, f.dlqRecords(t))
}

func TestMalformedEntryGoesToDLQ(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.StreamAdd(ctx, testStream, map[string]string{"event": "{not json"})
	require.NoError(t, err)

	_, err = f.consumer.ConsumeOnce(ctx)
	require.NoError(t, err)

	assert.Empty(t, f.handled)
	records := f.dlqRecords(t)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Reason, "envelope_decode")
	assert.Equal(t, "{not json", records[0].OriginalFields["event"])

	// Quarantined entries are acked, the loop does not see them again.
	time.Sleep(5 * time.Millisecond)
	n, err := f.consumer.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestUnknownEventTypeGoesToDLQ(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	env, err := event.Build("WORK.ITEM_EXPLODED", map[string]any{"x": 1}, "dev_worker")
	require.NoError(t, err)
	f.publish(t, env)

	_, err = f.consumer.ConsumeOnce(ctx)
	require.NoError(t, err)

	assert.Empty(t, f.handled)
	records := f.dlqRecords(t)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Reason, "unknown_event_type")
}

func TestInvalidPayloadGoesToDLQWithSchemaID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// category is missing, the payload schema rejects it
	env, err := event.Build(event.TypeWorkItemFailed, map[string]any{
		"project_id":      "p-1",
		"backlog_item_id": "b-1",
		"reason":          "boom",
	}, "dev_worker")
	require.NoError(t, err)
	f.publish(t, env)

	_, err = f.consumer.ConsumeOnce(ctx)
	require.NoError(t, err)

	assert.Empty(t, f.handled)
	records := f.dlqRecords(t)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Reason, "payload_validation")
	assert.Equal(t, "work_item_failed.v1.schema.json", records[0].SchemaID)
}

func TestTransientFailureRetriesThenExhausts(t *testing.T) {
	attempts := 0
	f := newFixture(t, func(_ context.Context, _ *event.Envelope, _ map[string]string) error {
		attempts++
		return failure.Retryable(errors.New("substrate hiccup"))
	})
	ctx := context.Background()

	f.publish(t, startedEnvelope(t))

	// First attempt: handler fails, entry stays pending.
	_, err := f.consumer.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, f.dlqRecords(t))

	// Reclaim redelivers; the second attempt hits MaxAttempts and the
	// entry is quarantined.
	time.Sleep(5 * time.Millisecond)
	_, err = f.consumer.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	records := f.dlqRecords(t)
	require.Len(t, records, 1)
	assert.Equal(t, "max_attempts_exhausted", records[0].Reason)

	// Nothing left after quarantine.
	time.Sleep(5 * time.Millisecond)
	n, err := f.consumer.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, attempts)
}

func TestTerminalHandlerErrorGoesToDLQ(t *testing.T) {
	f := newFixture(t, func(_ context.Context, _ *event.Envelope, _ map[string]string) error {
		return failure.Failure{Category: failure.CategoryReasoning, Reason: "planner produced empty backlog"}
	})
	ctx := context.Background()

	f.publish(t, startedEnvelope(t))
	_, err := f.consumer.ConsumeOnce(ctx)
	require.NoError(t, err)

	records := f.dlqRecords(t)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Reason, "handler_error")
	assert.Contains(t, records[0].Reason, "planner produced empty backlog")

	time.Sleep(5 * time.Millisecond)
	n, err := f.consumer.ConsumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSuccessAfterTransientFailure(t *testing.T) {
	attempts := 0
	f := newFixture(t, func(_ context.Context, _ *event.Envelope, _ map[string]string) error {
		attempts++
		if attempts == 1 {
			return failure.Retryable(errors.New("first try fails"))
		}
		return nil
	})
	ctx := context.Background()

	f.publish(t, startedEnvelope(t))

	_, err := f.consumer.ConsumeOnce(ctx)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = f.consumer.ConsumeOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, attempts)
	assert.Empty(t, f.dlqRecords(t))
}
