package reactorloop

import "sync/atomic"

// InterestOp is a bit in a selection key's interest or ready mask.
type InterestOp uint8

const (
	// OpRead indicates readiness to read, or interest in being told when
	// a descriptor becomes readable.
	OpRead InterestOp = 1 << iota
	// OpWrite indicates readiness to write, or interest in being told
	// when a descriptor becomes writable.
	OpWrite
	// OpConnect indicates a pending non-blocking connect has completed.
	OpConnect
	// OpAccept indicates a listening descriptor has a connection ready
	// to accept.
	OpAccept
)

// AttachmentKind tags the variant held by an Attachment.
type AttachmentKind uint8

const (
	// AttachmentChannel means the attachment is a Channel.
	AttachmentChannel AttachmentKind = iota
	// AttachmentTask means the attachment is an opaque user task, a
	// descriptor registered for readiness without channel semantics.
	AttachmentTask
)

// Attachment is the tagged variant bound to a selection key, per spec §9
// "Dynamic dispatch over attachments": either a Channel or an opaque user
// task. The loop's readiness dispatcher branches on Kind rather than using
// a type switch, so a misconfigured attachment fails fast instead of
// silently matching the wrong case.
type Attachment struct {
	Kind    AttachmentKind
	Channel Channel
	Task    UserTask
}

// ChannelAttachment wraps a Channel as an Attachment.
func ChannelAttachment(c Channel) Attachment {
	return Attachment{Kind: AttachmentChannel, Channel: c}
}

// TaskAttachment wraps a UserTask as an Attachment.
func TaskAttachment(t UserTask) Attachment {
	return Attachment{Kind: AttachmentTask, Task: t}
}

// UserTask is an opaque descriptor-bound task: something registered for
// readiness notifications that is not a full Channel (spec §9's
// "Channel(c) | UserTask(t)" variant).
type UserTask interface {
	// OnReady is invoked on the owning loop's goroutine when the
	// descriptor reports the given ready ops.
	OnReady(ops InterestOp)
}

// selectionKey is the C1/C2 pairing of (descriptor, loop, interest mask,
// ready mask, attachment) described in spec §3. It is mutated by the
// owning loop goroutine only, except for Cancel, which is safe from any
// goroutine and merely marks the key for finalization on the next cycle.
type selectionKey struct {
	fd         int
	loop       *Loop
	attachment Attachment

	interestOps InterestOp
	readyOps    InterestOp

	cancelled atomic.Bool
	// migrated is set by C8's rebuild procedure once this key has been
	// re-registered on a fresh selector, so a concurrent or repeated
	// migration pass skips it.
	migrated atomic.Bool
}

// Cancel marks the key cancelled. Safe to call from any goroutine; the
// loop finalizes the cancellation (removing it from the selector and
// ready set) during its next cycle. The first call also bumps the
// owning loop's cancelled-key counter (the cancelled-key cleanup
// threshold) and wakes the loop if it is currently parked, so
// cancellation from a foreign goroutine isn't stuck behind an
// indefinite select.
func (k *selectionKey) Cancel() {
	if !k.cancelled.CompareAndSwap(false, true) {
		return
	}
	if k.loop == nil {
		return
	}
	k.loop.cancelledSinceReap.Add(1)
	if k.loop.wake.WakeIfParked() {
		k.loop.selector.wakeup()
	}
}

// IsCancelled reports whether Cancel has been called.
func (k *selectionKey) IsCancelled() bool {
	return k.cancelled.Load()
}

// InterestOps returns the key's current interest mask. Must only be
// called from the owning loop goroutine.
func (k *selectionKey) InterestOps() InterestOp {
	return k.interestOps
}

// SetInterestOps updates the key's interest mask, propagating the change
// to the underlying selector. Must only be called from the owning loop
// goroutine.
func (k *selectionKey) SetInterestOps(ops InterestOp) error {
	if k.IsCancelled() {
		return ErrKeyCancelled
	}
	k.interestOps = ops
	return k.loop.selector.modify(k, ops)
}

// ReadyOps returns the ready mask observed for the most recent cycle.
// Must only be called from the owning loop goroutine.
func (k *selectionKey) ReadyOps() InterestOp {
	return k.readyOps
}

// Loop returns the loop that owns this key.
func (k *selectionKey) Loop() *Loop {
	return k.loop
}
