package event

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFillsEnvelope(t *testing.T) {
	env, err := Build(TypeInitialRequestReceived, InitialRequestPayload{
		ProjectID:   "p-1",
		RequestText: "Build a reporting dashboard",
	}, "publish-cli")
	require.NoError(t, err)

	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, TypeInitialRequestReceived, env.EventType)
	assert.Equal(t, 1, env.EventVersion)
	assert.Equal(t, "publish-cli", env.Source)
	assert.NotEmpty(t, env.Instance)
	assert.NotEmpty(t, env.CorrelationID)
	assert.Empty(t, env.CausationID)

	// Timestamps are RFC3339 UTC at seconds precision.
	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, ts.Location())
	assert.False(t, strings.Contains(env.Timestamp, "."))
}

func TestBuildPropagatesCorrelationAndCausation(t *testing.T) {
	env, err := Build(TypeWorkItemDispatched, DispatchPayload{
		ProjectID:     "p-1",
		BacklogItemID: "b-1",
		ItemType:      "AGENT_TASK",
	}, "orchestrator",
		WithCorrelationID("corr-42"),
		WithCausationID("cause-7"),
	)
	require.NoError(t, err)
	assert.Equal(t, "corr-42", env.CorrelationID)
	assert.Equal(t, "cause-7", env.CausationID)
}

func TestFieldsDecodeRoundTrip(t *testing.T) {
	env, err := Build(TypeWorkItemCompleted, CompletedPayload{
		ProjectID:     "p-1",
		BacklogItemID: "b-1",
		Evidence:      map[string]any{"reviewed": true},
	}, "dev_worker", WithCorrelationID("corr-1"))
	require.NoError(t, err)

	fields, err := env.Fields()
	require.NoError(t, err)
	require.Contains(t, fields, WireField)

	got, err := Decode(fields)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, got.EventID)
	assert.Equal(t, env.EventType, got.EventType)
	assert.Equal(t, env.CorrelationID, got.CorrelationID)

	var p CompletedPayload
	require.NoError(t, got.DecodePayload(&p))
	assert.Equal(t, "b-1", p.BacklogItemID)
	assert.Equal(t, true, p.Evidence["reviewed"])
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(map[string]string{"other": "x"})
	de := &DecodeError{}
	require.ErrorAs(t, err, &de)

	_, err = Decode(map[string]string{WireField: "{not json"})
	require.ErrorAs(t, err, &de)

	_, err = DecodeDocument(map[string]string{WireField: "{not json"})
	require.ErrorAs(t, err, &de)
}

func TestDecodeToleratesExtraFields(t *testing.T) {
	env, err := Build(TypeWorkItemStarted, StartedPayload{ProjectID: "p", BacklogItemID: "b"}, "w")
	require.NoError(t, err)
	fields, err := env.Fields()
	require.NoError(t, err)
	fields["shard"] = "7"

	got, err := Decode(fields)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, got.EventID)
}
