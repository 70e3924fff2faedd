package reactorloop

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFutureRegistry_ScavengeRemovesSettled(t *testing.T) {
	r := newFutureRegistry()
	f1 := NewFuture()
	f2 := NewFuture()
	r.track(f1)
	r.track(f2)
	assert.Equal(t, 2, r.len())

	f1.resolve(nil)
	removed := r.scavenge(10)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, r.len())
}

func TestFutureRegistry_ScavengeRemovesCollected(t *testing.T) {
	r := newFutureRegistry()
	func() {
		f := NewFuture()
		r.track(f)
	}()
	runtime.GC()
	runtime.GC()

	removed := r.scavenge(10)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, r.len())
}

func TestFutureRegistry_ScavengeBatchLimitsWork(t *testing.T) {
	r := newFutureRegistry()
	for i := 0; i < 20; i++ {
		f := NewFuture()
		f.resolve(nil)
		r.track(f)
	}
	removed := r.scavenge(5)
	assert.Equal(t, 5, removed)
	assert.Equal(t, 15, r.len())
}
