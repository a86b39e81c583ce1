package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowedTransitions(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusCreated, StatusReady},
		{StatusCreated, StatusBlocked},
		{StatusCreated, StatusFailed},
		{StatusReady, StatusInProgress},
		{StatusReady, StatusBlocked},
		{StatusReady, StatusFailed},
		{StatusBlocked, StatusReady},
		{StatusBlocked, StatusFailed},
		{StatusInProgress, StatusDone},
		{StatusInProgress, StatusFailed},
		{StatusInProgress, StatusBlocked},
	}
	for _, tc := range legal {
		assert.NoError(t, AssertTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestRejectedTransitions(t *testing.T) {
	illegal := []struct{ from, to Status }{
		{StatusCreated, StatusInProgress},
		{StatusCreated, StatusDone},
		{StatusReady, StatusDone},
		{StatusBlocked, StatusInProgress},
		{StatusBlocked, StatusDone},
		{StatusInProgress, StatusReady},
	}
	for _, tc := range illegal {
		err := AssertTransition(tc.from, tc.to)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		it := &IllegalTransition{}
		require.ErrorAs(t, err, &it)
		assert.Equal(t, tc.from, it.From)
		assert.Equal(t, tc.to, it.To)
	}
}

func TestTerminalStatusesAreAbsorbing(t *testing.T) {
	for _, terminal := range []Status{StatusDone, StatusFailed} {
		assert.True(t, terminal.IsTerminal())
		for _, to := range []Status{StatusCreated, StatusReady, StatusBlocked, StatusInProgress, StatusDone, StatusFailed} {
			assert.Error(t, AssertTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestUnknownStatusRejected(t *testing.T) {
	assert.False(t, Status("WAITING").Valid())
	err := AssertTransition(Status("WAITING"), StatusReady)
	require.Error(t, err)
	err = AssertTransition(StatusReady, Status("WAITING"))
	require.Error(t, err)
}
