package reactorloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup_RoundRobinDistributesRegistrations(t *testing.T) {
	g, err := NewGroup(4)
	require.NoError(t, err)
	defer g.Close()

	require.Eventually(t, func() bool {
		for _, l := range g.Loops() {
			if l.State() != StateRunning {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)

	seen := make(map[uint64]int)
	for i := 0; i < 8; i++ {
		seen[g.Next().ID()]++
	}
	assert.Len(t, seen, 4, "round-robin should cycle through every loop")
	for _, count := range seen {
		assert.Equal(t, 2, count)
	}
}

func TestGroup_ExecuteRunsOnAMemberLoop(t *testing.T) {
	g, err := NewGroup(2)
	require.NoError(t, err)
	defer g.Close()

	require.Eventually(t, func() bool {
		for _, l := range g.Loops() {
			if l.State() != StateRunning {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)

	done := make(chan struct{})
	require.NoError(t, g.Execute(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("group Execute never ran")
	}
}

func TestGroup_ShutdownGracefullyTerminatesAllLoops(t *testing.T) {
	g, err := NewGroup(3)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, l := range g.Loops() {
			if l.State() != StateRunning {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)

	future, err := g.ShutdownGracefully(context.Background(), 10*time.Millisecond, time.Second)
	require.NoError(t, err)

	_, err = future.Await()
	require.NoError(t, err)
	assert.True(t, g.IsTerminated())
}

func TestGroup_Metrics(t *testing.T) {
	g, err := NewGroup(2)
	require.NoError(t, err)
	defer g.Close()

	m := g.Metrics()
	assert.Len(t, m.Loops, 2)
}
