package reactorloop

import "sync"

// FutureState is the lifecycle state of a [Future]: it starts Pending
// and settles exactly once into Succeeded, Failed, or Cancelled.
type FutureState int

const (
	// FuturePending means the future has not yet settled.
	FuturePending FutureState = iota
	// FutureSucceeded means the future completed with a value.
	FutureSucceeded
	// FutureFailed means the future completed with an error.
	FutureFailed
	// FutureCancelled means the future was cancelled before settling.
	FutureCancelled
)

// Future is a single-owner completion handle, trimmed from a full
// Promise/A+ implementation down to the (success|failure|cancel) states
// and callback list spec §9's "Promise/future control flow" design note
// calls for: a callback registered after completion runs inline on the
// registering goroutine; a callback registered before completion runs on
// the completing goroutine. That is the loop goroutine for a scheduled
// task that runs; a goroutine calling Cancel or shutting down a loop that
// never ran completes the future on its own goroutine.
type Future struct {
	mu        sync.Mutex
	state     FutureState
	value     any
	err       error
	callbacks []func(value any, err error, cancelled bool)
	done      chan struct{}
}

// NewFuture returns a new, pending Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// complete settles the future exactly once; subsequent calls are no-ops.
// Returns whether this call performed the settlement.
func (f *Future) complete(state FutureState, value any, err error) bool {
	f.mu.Lock()
	if f.state != FuturePending {
		f.mu.Unlock()
		return false
	}
	f.state = state
	f.value = value
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(value, err, state == FutureCancelled)
	}
	return true
}

// resolve settles the future successfully with value.
func (f *Future) resolve(value any) bool {
	return f.complete(FutureSucceeded, value, nil)
}

// reject settles the future with err.
func (f *Future) reject(err error) bool {
	return f.complete(FutureFailed, nil, err)
}

// cancel settles the future as cancelled.
func (f *Future) cancel() bool {
	return f.complete(FutureCancelled, nil, nil)
}

// State returns the future's current state.
func (f *Future) State() FutureState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// IsDone reports whether the future has settled, in any of the three
// terminal states.
func (f *Future) IsDone() bool {
	return f.State() != FuturePending
}

// Value returns the success value and error, valid once IsDone is true.
func (f *Future) Value() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// OnComplete registers a callback invoked exactly once when the future
// settles, with cancelled set iff the future was cancelled rather than
// resolved or rejected. If the future has already settled, cb runs
// inline, synchronously, on the calling goroutine.
func (f *Future) OnComplete(cb func(value any, err error, cancelled bool)) {
	f.mu.Lock()
	if f.state == FuturePending {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	value, err, state := f.value, f.err, f.state
	f.mu.Unlock()
	cb(value, err, state == FutureCancelled)
}

// Await blocks the calling goroutine until the future settles, then
// returns its value and error. Intended for foreign-thread callers (e.g.
// awaitTermination); never call this from the owning loop's own
// goroutine, which would deadlock a future that only that goroutine can
// complete.
func (f *Future) Await() (any, error) {
	<-f.done
	return f.Value()
}

// AwaitChannel returns the future's completion channel, closed once the
// future settles, for use in a select alongside a timeout or
// context.Done().
func (f *Future) AwaitChannel() <-chan struct{} {
	return f.done
}
