package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_FollowsStateMachineEdges(t *testing.T) {
	cases := []struct {
		name string
		from Status
		to   Status
		ok   bool
	}{
		{"pending to loading", StatusPending, StatusLoading, true},
		{"pending to processing skips loading", StatusPending, StatusProcessing, false},
		{"loading to processing", StatusLoading, StatusProcessing, true},
		{"loading to retrying", StatusLoading, StatusRetrying, true},
		{"loading to failed", StatusLoading, StatusFailed, true},
		{"processing to completed", StatusProcessing, StatusCompleted, true},
		{"processing to retrying", StatusProcessing, StatusRetrying, true},
		{"retrying to pending", StatusRetrying, StatusPending, true},
		{"retrying to processing is illegal", StatusRetrying, StatusProcessing, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tk := New("t1", Spec{}, time.Now())
			tk.Status = c.from
			err := tk.Transition(c.to)
			if c.ok {
				require.NoError(t, err)
				assert.Equal(t, c.to, tk.Status)
			} else {
				require.Error(t, err)
				assert.Equal(t, c.from, tk.Status, "status must not change on a rejected transition")
			}
		})
	}
}

func TestTransition_TerminalStatesNeverMove(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusFailed} {
		tk := New("t1", Spec{}, time.Now())
		tk.Status = from
		err := tk.Transition(StatusPending)
		require.Error(t, err)
		assert.Equal(t, from, tk.Status)
	}
}

func TestHoldsReservation_OnlyDuringLoadingOrProcessing(t *testing.T) {
	tk := New("t1", Spec{}, time.Now())
	assert.False(t, tk.HoldsReservation())

	tk.Status = StatusLoading
	assert.True(t, tk.HoldsReservation())

	tk.Status = StatusProcessing
	assert.True(t, tk.HoldsReservation())

	tk.Status = StatusRetrying
	assert.False(t, tk.HoldsReservation())
}

func TestSetProgress_SuppressesRegressions(t *testing.T) {
	tk := New("t1", Spec{}, time.Now())
	tk.SetProgress(40, "transcribing")
	tk.SetProgress(10, "stale update")
	assert.Equal(t, 40, tk.Progress)
	assert.Equal(t, "transcribing", tk.Message)

	tk.SetProgress(60, "")
	assert.Equal(t, 60, tk.Progress)
	assert.Equal(t, "transcribing", tk.Message, "empty message must not clear the prior one")
}

func TestRetryable_OnlyTransientAndResourceKinds(t *testing.T) {
	assert.True(t, EngineTransient.Retryable())
	assert.True(t, ResourceUnavailable.Retryable())
	assert.False(t, InputInvalid.Retryable())
	assert.False(t, EngineFatal.Retryable())
	assert.False(t, ClientCancelled.Retryable())
	assert.False(t, TaskTimeout.Retryable())
	assert.False(t, Internal.Retryable())
}
