// Package reactorloop — selector wrapper (C2).
//
// A selector multiplexes readiness notifications for many registered
// descriptors behind a single blocking call. Platform-specific
// implementations live in selector_linux.go (epoll) and
// selector_darwin.go (kqueue); both satisfy the same unexported
// `selector` interface so [Loop] itself is platform-agnostic.
package reactorloop

import "time"

// noDeadline is the selector.selectUntil sentinel meaning "block
// indefinitely" (spec §4.2's `NONE`).
const noDeadline int64 = -1

// selectNowThreshold is the spec §4.2 "Timeout conversion rule": a
// requested deadline within this margin of now is treated as a
// non-blocking selectNow to avoid sub-millisecond sleeps.
const selectNowThreshold = 5 * time.Microsecond

// selector is the C2 contract. Every method except wakeup and cancelKey
// must only be called from the owning loop goroutine.
type selector interface {
	// selectNow polls for ready keys without blocking, returning the
	// number of keys appended to rs.
	selectNow(rs *readySet) (int, error)

	// selectUntil blocks until a descriptor is ready, wakeup is called,
	// or monotonic time reaches deadlineNanos (noDeadline blocks
	// indefinitely). Returns the number of keys appended to rs.
	selectUntil(rs *readySet, deadlineNanos int64) (int, error)

	// wakeup causes a concurrent selectUntil to return promptly. Safe
	// from any goroutine; idempotent.
	wakeup()

	// register binds fd with the given interest mask and attachment,
	// returning the new key.
	register(fd int, ops InterestOp, attachment Attachment) (*selectionKey, error)

	// modify updates the interest mask for an already-registered key.
	modify(k *selectionKey, ops InterestOp) error

	// cancelKey finalizes a key cancellation; may be called from any
	// goroutine, but the underlying resources are only reclaimed on the
	// owning loop's next cycle (see reapCancelled, called from
	// Loop.runCycle).
	cancelKey(k *selectionKey) error

	// reapCancelled removes every cancelled key from the selector's
	// registries, returning the number removed. Must only be called from
	// the owning loop goroutine: the loop calls it at the start of a cycle
	// after any cancellation, and again at the cancelled-key cleanup
	// threshold.
	reapCancelled() int

	// keys returns a snapshot of all keys currently registered, for use
	// by the C8 rebuild procedure.
	keys() []*selectionKey

	// close releases the selector's underlying OS resources.
	close() error
}

// deadlineToTimeout converts an absolute monotonic-nanosecond deadline
// into the millisecond timeout used by epoll_wait/kevent, applying the
// spec's 5µs "convert to selectNow" rule. A return of -1 (for noDeadline)
// means "block indefinitely"; 0 means "poll without blocking", as
// selectNow does.
func deadlineToTimeout(nowNanos, deadlineNanos int64) int {
	if deadlineNanos == noDeadline {
		return -1
	}
	remaining := deadlineNanos - nowNanos
	if remaining <= int64(selectNowThreshold) {
		return 0
	}
	ms := remaining / int64(time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	if ms > 1<<31-1 {
		ms = 1<<31 - 1
	}
	return int(ms)
}
