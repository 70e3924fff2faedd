package reactorloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingChannel is a white-box test double for [Channel] used to assert
// the spec §4.5 step 4 dispatch order directly, without a real descriptor.
type recordingChannel struct {
	BaseChannel
	calls []string
}

func (c *recordingChannel) FinishConnect() error { c.calls = append(c.calls, "connect"); return nil }
func (c *recordingChannel) ForceFlush() error    { c.calls = append(c.calls, "flush"); return nil }
func (c *recordingChannel) Read() error          { c.calls = append(c.calls, "read"); return nil }
func (c *recordingChannel) Close(cause error, future *Future) {
	c.calls = append(c.calls, "close")
	if future != nil {
		future.resolve(nil)
	}
}
func (c *recordingChannel) CloseForcibly() error { return nil }

// Scenario 5: connect then write then read, with OP_CONNECT cleared from
// the interest mask afterward.
func TestLoop_DispatchOrder_ConnectWriteRead(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	ch := &recordingChannel{BaseChannel: NewBaseChannel(-1)}
	k := &selectionKey{
		fd:          -1,
		loop:        l,
		attachment:  ChannelAttachment(ch),
		interestOps: OpConnect | OpWrite | OpRead,
		readyOps:    OpConnect | OpWrite | OpRead,
	}

	l.dispatchKey(k)

	assert.Equal(t, []string{"connect", "flush", "read"}, ch.calls)
	assert.Equal(t, InterestOp(0), k.interestOps&OpConnect, "OP_CONNECT must be cleared after dispatch")
}

// The epoll zero-ready-ops workaround: a ready key with no bits set is
// still routed to Read.
func TestLoop_DispatchOrder_ZeroReadyOpsTreatedAsRead(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	ch := &recordingChannel{BaseChannel: NewBaseChannel(-1)}
	k := &selectionKey{
		fd:          -1,
		loop:        l,
		attachment:  ChannelAttachment(ch),
		interestOps: OpRead,
		readyOps:    0,
	}

	l.dispatchKey(k)

	assert.Equal(t, []string{"read"}, ch.calls)
}

// A transient read error closes only that channel and cancels its key.
func TestLoop_DispatchReadError_ClosesChannel(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	ch := &erroringChannel{BaseChannel: NewBaseChannel(-1)}
	k := &selectionKey{
		fd:          -1,
		loop:        l,
		attachment:  ChannelAttachment(ch),
		interestOps: OpRead,
		readyOps:    OpRead,
	}

	l.dispatchKey(k)

	assert.True(t, ch.closed)
	assert.True(t, k.IsCancelled())
}

type erroringChannel struct {
	BaseChannel
	closed bool
}

func (c *erroringChannel) FinishConnect() error { return nil }
func (c *erroringChannel) ForceFlush() error    { return nil }
func (c *erroringChannel) Read() error          { return assertErr }
func (c *erroringChannel) Close(cause error, future *Future) {
	c.closed = true
	if future != nil {
		future.resolve(nil)
	}
}
func (c *erroringChannel) CloseForcibly() error { return nil }

var assertErr = WrapError("test", ErrKeyCancelled)
