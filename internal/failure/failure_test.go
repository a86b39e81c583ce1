package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryableWrapping(t *testing.T) {
	base := errors.New("connection reset")
	err := Retryable(base)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, base)

	// Wrapping again further up the stack keeps the marker.
	wrapped := fmt.Errorf("publish event: %w", err)
	assert.True(t, IsRetryable(wrapped))

	assert.False(t, IsRetryable(base))
	assert.False(t, IsRetryable(Failure{Category: CategoryTool, Reason: "x"}))
}

func TestFailurePayload(t *testing.T) {
	f := Failure{
		Category: CategoryDataInsufficient,
		Reason:   "missing critical fields: data_source",
		Details:  map[string]any{"fields": []string{"data_source"}},
	}
	assert.Equal(t, "data_insufficiency: missing critical fields: data_source", f.Error())

	p := f.ToPayload()
	assert.Equal(t, "data_insufficiency", p["category"])
	assert.Contains(t, p, "details")

	// Details are omitted when empty.
	p = Failure{Category: CategoryTool, Reason: "boom"}.ToPayload()
	assert.NotContains(t, p, "details")
}

func TestTypedErrorsMapToCategories(t *testing.T) {
	md := &MissingDataError{Fields: []string{"a", "b"}}
	require.Equal(t, CategoryDataInsufficient, md.Failure().Category)
	assert.Contains(t, md.Error(), "a,b")

	ce := &ContradictionError{Message: "evidence contradicts request"}
	require.Equal(t, CategoryReasoning, ce.Failure().Category)
}
