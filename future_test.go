package reactorloop

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture_ResolveSettlesOnce(t *testing.T) {
	f := NewFuture()
	assert.True(t, f.resolve("ok"))
	assert.False(t, f.resolve("again"), "second settlement must be a no-op")

	v, err := f.Value()
	assert.Equal(t, "ok", v)
	assert.NoError(t, err)
	assert.Equal(t, FutureSucceeded, f.State())
}

func TestFuture_RejectCarriesError(t *testing.T) {
	f := NewFuture()
	cause := errors.New("boom")
	f.reject(cause)

	_, err := f.Value()
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, FutureFailed, f.State())
}

func TestFuture_OnCompleteAfterSettlementRunsInline(t *testing.T) {
	f := NewFuture()
	f.resolve(42)

	called := false
	f.OnComplete(func(value any, err error, cancelled bool) {
		called = true
		assert.Equal(t, 42, value)
	})
	assert.True(t, called)
}

func TestFuture_OnCompleteBeforeSettlementRunsOnCompleter(t *testing.T) {
	f := NewFuture()
	done := make(chan struct{})
	f.OnComplete(func(value any, err error, cancelled bool) {
		close(done)
	})
	f.resolve(nil)
	<-done
}

func TestFuture_AwaitBlocksUntilSettled(t *testing.T) {
	f := NewFuture()
	go f.resolve("done")

	v, err := f.Await()
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestFuture_CancelSetsCancelledState(t *testing.T) {
	f := NewFuture()
	f.cancel()
	assert.Equal(t, FutureCancelled, f.State())
	assert.True(t, f.IsDone())
}
