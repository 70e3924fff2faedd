package reactorloop

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSelector is a deterministic, in-memory [selector] double used to
// drive C8 rebuild scenarios without depending on a real platform bug
// reproducing itself.
type fakeSelector struct {
	mu      sync.Mutex
	keys_   map[int]*selectionKey
	nextFD  int
	wakeCh  chan struct{}
	selects atomic.Int64

	// spurious, if true, makes every selectUntil/selectNow return
	// immediately with zero ready keys and no error — the epoll "100%
	// CPU" bug this package's C8 mitigates.
	spurious atomic.Bool
	closed   atomic.Bool
}

func newFakeSelector() *fakeSelector {
	return &fakeSelector{keys_: make(map[int]*selectionKey), wakeCh: make(chan struct{}, 1)}
}

func (s *fakeSelector) selectNow(rs *readySet) (int, error) {
	s.selects.Add(1)
	return 0, nil
}

func (s *fakeSelector) selectUntil(rs *readySet, deadlineNanos int64) (int, error) {
	s.selects.Add(1)
	if s.spurious.Load() {
		return 0, nil
	}
	select {
	case <-s.wakeCh:
	case <-time.After(5 * time.Second):
	}
	return 0, nil
}

func (s *fakeSelector) wakeup() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *fakeSelector) register(fd int, ops InterestOp, attachment Attachment) (*selectionKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fd < 0 {
		s.nextFD++
		fd = -s.nextFD
	}
	k := &selectionKey{fd: fd, interestOps: ops, attachment: attachment}
	s.keys_[fd] = k
	return k, nil
}

func (s *fakeSelector) modify(k *selectionKey, ops InterestOp) error {
	k.interestOps = ops
	return nil
}

func (s *fakeSelector) cancelKey(k *selectionKey) error {
	k.Cancel()
	return nil
}

func (s *fakeSelector) reapCancelled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for fd, k := range s.keys_ {
		if k.IsCancelled() {
			delete(s.keys_, fd)
			n++
		}
	}
	return n
}

func (s *fakeSelector) keys() []*selectionKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*selectionKey, 0, len(s.keys_))
	for _, k := range s.keys_ {
		out = append(out, k)
	}
	return out
}

func (s *fakeSelector) close() error {
	s.closed.Store(true)
	return nil
}

// Scenario 3: spurious-wakeup rebuild.
func TestLoop_SpuriousWakeupTriggersRebuild(t *testing.T) {
	l, err := NewLoop(WithSelectorRebuildThreshold(8))
	require.NoError(t, err)

	fake := newFakeSelector()
	fake.spurious.Store(true)
	_ = l.selector.close()
	l.selector = fake

	origNewSelector := newSelectorFn
	newSelectorFn = func() (selector, error) { return newFakeSelector(), nil }
	defer func() { newSelectorFn = origNewSelector }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()
	require.Eventually(t, func() bool { return l.State() == StateRunning }, time.Second, time.Millisecond)

	chanFD := &recordingChannel{BaseChannel: NewBaseChannel(-1)}
	reg, err := l.Register(chanFD, OpRead)
	require.NoError(t, err)
	_ = reg

	require.Eventually(t, func() bool {
		return l.Metrics().RebuildCount >= 1
	}, 2*time.Second, time.Millisecond)

	// After rebuild, the selector is no longer spurious; the loop should
	// stabilize without repeated rebuilds.
	rebuilt := l.selector
	assert.NotSame(t, fake, rebuilt)

	count := l.Metrics().RebuildCount
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, count, l.Metrics().RebuildCount, "loop kept rebuilding after the selector stopped misbehaving")

	// The channel registration survived the migration.
	assert.Len(t, rebuilt.keys(), 1)
}

func TestLoop_RebuildPreservesAttachmentAndInterestMask(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	fake := newFakeSelector()
	_ = l.selector.close()
	l.selector = fake

	origNewSelector := newSelectorFn
	newSelectorFn = func() (selector, error) { return newFakeSelector(), nil }
	defer func() { newSelectorFn = origNewSelector }()

	ch := &recordingChannel{BaseChannel: NewBaseChannel(-1)}
	k, err := l.selector.register(-1, OpRead|OpWrite, ChannelAttachment(ch))
	require.NoError(t, err)
	k.loop = l
	ch.SetSelectionKey(k)

	l.rebuildSelector()

	keys := l.selector.keys()
	require.Len(t, keys, 1)
	assert.Equal(t, OpRead|OpWrite, keys[0].interestOps)
	assert.Same(t, ch, keys[0].attachment.Channel)
	assert.Same(t, keys[0], ch.SelectionKey())
}
