package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunState_Transition_Valid(t *testing.T) {
	tests := []struct {
		name string
		from RunState
		to   RunState
	}{
		{"pending to running", RunPending, RunRunning},
		{"running to completed", RunRunning, RunCompleted},
		{"running to failed", RunRunning, RunFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.from.Transition(tt.to)

			require.NoError(t, err)
			assert.Equal(t, tt.to, got)
		})
	}
}

func TestRunState_Transition_Invalid(t *testing.T) {
	_, err := RunPending.Transition(RunCompleted)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = RunRunning.Transition(RunPending)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRunState_TerminalStatesAreImmutable(t *testing.T) {
	for _, terminal := range []RunState{RunCompleted, RunFailed} {
		got, err := terminal.Transition(RunRunning)

		assert.ErrorIs(t, err, ErrTerminalState)
		assert.Equal(t, terminal, got, "failed transition must not change state")
	}
}

func TestRunState_IsTerminal(t *testing.T) {
	assert.False(t, RunPending.IsTerminal())
	assert.False(t, RunRunning.IsTerminal())
	assert.True(t, RunCompleted.IsTerminal())
	assert.True(t, RunFailed.IsTerminal())
}

func TestWorstStatus(t *testing.T) {
	assert.Equal(t, StatusPass, WorstStatus())
	assert.Equal(t, StatusCritical, WorstStatus(StatusPass, StatusWarning, StatusCritical))
	assert.Equal(t, StatusWarning, WorstStatus(StatusError, StatusWarning))
	assert.Equal(t, StatusError, WorstStatus(StatusPass, StatusError))
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, SeverityCritical, SeverityFor(StatusCritical))
	assert.Equal(t, SeverityHigh, SeverityFor(StatusError))
	assert.Equal(t, SeverityMedium, SeverityFor(StatusWarning))
	assert.Equal(t, SeverityLow, SeverityFor(StatusPass))
}
