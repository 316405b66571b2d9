package governor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_Valid(t *testing.T) {
	t.Parallel()
	for _, s := range []State{StateUnknown, StateStarting, StateRunning, StatePaused, StateStopping, StateStopped, StateFailed} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, State("").Valid())
	assert.False(t, State("sleeping").Valid())
}

func TestState_IsTerminal(t *testing.T) {
	t.Parallel()
	assert.True(t, StateStopped.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StatePaused.IsTerminal())
	assert.Equal(t, "running", StateRunning.String())
}

func TestValidTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateUnknown, StateStarting, true},
		{StateUnknown, StateRunning, false},
		{StateStarting, StateRunning, true},
		{StateRunning, StatePaused, true},
		{StatePaused, StateRunning, true},
		{StatePaused, StatePaused, false},
		{StateRunning, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateStopped, StateStarting, false},
		{StateFailed, StateStopping, true},
		{StateFailed, StateRunning, false},
		{StateRunning, StateFailed, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}
