package reactorloop

// Channel is the C7 contract the loop requires from every registered
// channel. The loop never interprets payload bytes; it only routes
// readiness events to these methods, always on the channel's owning
// loop goroutine.
type Channel interface {
	// FD returns the channel's underlying non-blocking file descriptor.
	FD() int

	// FinishConnect completes a non-blocking connect that has just
	// become ready. Called when a selection key reports OpConnect.
	FinishConnect() error

	// ForceFlush writes any buffered outbound data. Called when a
	// selection key reports OpWrite.
	ForceFlush() error

	// Read handles incoming readiness: a readable socket, an acceptable
	// listener, or (on the epoll backend) a ready key with a zero ready
	// mask (spec §4.5 step 4's platform-bug workaround). Called when a
	// selection key reports OpRead or OpAccept.
	Read() error

	// Close closes the channel, settling future with the outcome. cause
	// is non-nil when the close was triggered by an error observed
	// during dispatch (spec's "Per-channel close reason propagation").
	Close(cause error, future *Future)

	// CloseForcibly closes the channel immediately, bypassing any
	// graceful shutdown sequencing the channel implementation might
	// otherwise perform.
	CloseForcibly() error

	// EventLoop returns the loop this channel is currently registered
	// with, or nil if unregistered.
	EventLoop() *Loop

	// SetSelectionKey is invoked by the loop (including during a C8
	// rebuild) to update the channel's record of its own selection key.
	SetSelectionKey(key *selectionKey)

	// SelectionKey returns the channel's current selection key, or nil if
	// unregistered.
	SelectionKey() *selectionKey
}

// BaseChannel is an embeddable partial implementation of [Channel]
// providing the EventLoop/SelectionKey bookkeeping every channel needs,
// so concrete channel types only have to implement the I/O-specific
// methods (FinishConnect, ForceFlush, Read, Close, CloseForcibly).
type BaseChannel struct {
	fd  int
	key *selectionKey
}

// NewBaseChannel returns a BaseChannel wrapping the given descriptor.
func NewBaseChannel(fd int) BaseChannel {
	return BaseChannel{fd: fd}
}

// FD implements Channel.
func (b *BaseChannel) FD() int { return b.fd }

// EventLoop implements Channel.
func (b *BaseChannel) EventLoop() *Loop {
	if b.key == nil {
		return nil
	}
	return b.key.loop
}

// SetSelectionKey implements Channel.
func (b *BaseChannel) SetSelectionKey(key *selectionKey) { b.key = key }

// SelectionKey implements Channel.
func (b *BaseChannel) SelectionKey() *selectionKey { return b.key }
