package reactorloop

import "sync/atomic"

// LoopState is the lifecycle state of a [Loop].
//
// State machine:
//
//	StateNew -> StateRunning                 [Loop.Run]
//	StateRunning -> StateShuttingDown         [Loop.ShutdownGracefully / Loop.Close]
//	StateShuttingDown -> StateShutdown        [run loop exits, channels closed]
//	StateShutdown -> StateTerminated          [just before the termination future is resolved]
//
// Transitions are one-way and performed with compare-and-swap so that a
// racing Run/ShutdownGracefully/Close observes a consistent outcome without
// a lock.
type LoopState uint32

const (
	// StateNew is the initial state: the loop has been constructed but
	// Run has not yet been called.
	StateNew LoopState = iota
	// StateRunning is the state while the loop goroutine is alive and
	// processing I/O, tasks, and scheduled tasks.
	StateRunning
	// StateShuttingDown is entered once graceful shutdown has been
	// requested; the loop keeps draining tasks until the quiet period
	// elapses or the shutdown timeout expires.
	StateShuttingDown
	// StateShutdown means the loop goroutine has exited and all
	// registered channels have been closed.
	StateShutdown
	// StateTerminated is the terminal state, set just before the loop's
	// termination future is resolved.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateRunning:
		return "Running"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateShutdown:
		return "Shutdown"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// atomicLoopState is a lock-free state machine over [LoopState].
type atomicLoopState struct {
	v atomic.Uint32
}

func newAtomicLoopState() *atomicLoopState {
	s := &atomicLoopState{}
	s.v.Store(uint32(StateNew))
	return s
}

// Load returns the current state.
func (s *atomicLoopState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store unconditionally sets the state. Only used for the final
// StateShutdown -> StateTerminated transition, which has exactly one
// writer (the loop goroutine, after it has already left the state-machine
// race by virtue of having won StateShuttingDown -> StateShutdown).
func (s *atomicLoopState) Store(state LoopState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to move from `from` to `to`, returning whether it
// succeeded.
func (s *atomicLoopState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// IsShuttingDown reports whether shutdown has been requested (spec's
// isShuttingDown(): true from StateShuttingDown onward).
func (s *atomicLoopState) IsShuttingDown() bool {
	return s.Load() >= StateShuttingDown
}

// IsShutdown reports whether the loop goroutine has exited.
func (s *atomicLoopState) IsShutdown() bool {
	return s.Load() >= StateShutdown
}

// IsTerminated reports whether the state is StateTerminated.
func (s *atomicLoopState) IsTerminated() bool {
	return s.Load() == StateTerminated
}

// wakeState tracks the parking horizon described in spec §3: AWAKE means
// the loop thread is running (not parked in select), NONE means parked
// indefinitely, and any other value is the monotonic-nanosecond deadline
// the thread is parked until. A foreign-thread producer uses a single CAS
// against this field to decide whether it must call wakeup(), guaranteeing
// at most one wakeup per parking interval (spec §5 "Submission from
// foreign threads").
type wakeState struct {
	v atomic.Int64
}

const (
	wakeAwake int64 = -1
	wakeNone  int64 = -2
)

func newWakeState() *wakeState {
	w := &wakeState{}
	w.v.Store(wakeAwake)
	return w
}

// Awake marks the loop as running (not parked).
func (w *wakeState) Awake() {
	w.v.Store(wakeAwake)
}

// Park records the deadline the thread is about to block until, just
// before entering select. deadlineNanos uses the selector package's
// noDeadline sentinel (-1) to mean "block indefinitely"; since that value
// collides with wakeAwake, it is translated to wakeNone here so a park
// with no deadline is never mistaken for "not parked".
func (w *wakeState) Park(deadlineNanos int64) {
	if deadlineNanos == noDeadline {
		deadlineNanos = wakeNone
	}
	w.v.Store(deadlineNanos)
}

// IsAwake reports whether the loop is currently not parked.
func (w *wakeState) IsAwake() bool {
	return w.v.Load() == wakeAwake
}

// WakeIfParked performs the CAS described in spec §5: if the loop is
// parked (value != AWAKE), atomically swap to AWAKE and return true,
// meaning the caller must invoke the selector's wakeup(). If the loop is
// already AWAKE, returns false: no wakeup is necessary because the loop
// will observe the new work on its current or next cycle.
func (w *wakeState) WakeIfParked() bool {
	for {
		cur := w.v.Load()
		if cur == wakeAwake {
			return false
		}
		if w.v.CompareAndSwap(cur, wakeAwake) {
			return true
		}
	}
}
