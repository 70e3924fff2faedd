package reactorloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAtomicLoopState_TryTransition(t *testing.T) {
	s := newAtomicLoopState()
	assert.Equal(t, StateNew, s.Load())
	assert.True(t, s.TryTransition(StateNew, StateRunning))
	assert.False(t, s.TryTransition(StateNew, StateRunning), "transition from a state no longer current must fail")
	assert.Equal(t, StateRunning, s.Load())
}

func TestAtomicLoopState_IsShuttingDownOrdering(t *testing.T) {
	s := newAtomicLoopState()
	assert.False(t, s.IsShuttingDown())
	s.TryTransition(StateNew, StateRunning)
	assert.False(t, s.IsShuttingDown())
	s.TryTransition(StateRunning, StateShuttingDown)
	assert.True(t, s.IsShuttingDown())
	assert.False(t, s.IsTerminated())
	s.TryTransition(StateShuttingDown, StateShutdown)
	assert.True(t, s.IsShutdown())
	s.Store(StateTerminated)
	assert.True(t, s.IsTerminated())
}

func TestWakeState_WakeIfParkedOnce(t *testing.T) {
	w := newWakeState()
	assert.True(t, w.IsAwake())

	w.Park(noDeadline)
	assert.False(t, w.IsAwake())

	assert.True(t, w.WakeIfParked(), "first wake must win the CAS")
	assert.True(t, w.IsAwake())
	assert.False(t, w.WakeIfParked(), "already awake, no wakeup needed")
}
