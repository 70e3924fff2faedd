//go:build linux

package reactorloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// epollSelector is the Linux selector backend (C2), grounded on the
// teacher's FastPoller epoll wrapper but restructured around the
// selectNow/selectUntil/wakeup/register/cancelKey contract rather than a
// direct RegisterFD/PollIO API, and populating the loop's own readySet
// (C1) instead of exposing epoll's native event buffer.
type epollSelector struct {
	epfd int

	mu   sync.Mutex
	byFD map[int]*selectionKey

	eventBuf [256]unix.EpollEvent

	wakeFD   int
	wakeBuf  [8]byte
	waking   atomic.Bool
	closed   atomic.Bool
}

func newSelector() (selector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, _, errno := unix.Syscall(unix.SYS_EVENTFD2, 0, uintptr(unix.EFD_CLOEXEC|unix.EFD_NONBLOCK), 0)
	if errno != 0 {
		_ = unix.Close(epfd)
		return nil, errno
	}
	s := &epollSelector{
		epfd:   epfd,
		byFD:   make(map[int]*selectionKey),
		wakeFD: int(wakeFD),
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(s.wakeFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, s.wakeFD, ev); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(s.wakeFD)
		return nil, err
	}
	return s, nil
}

func eventsToEpoll(ops InterestOp) uint32 {
	var e uint32
	if ops&OpRead != 0 || ops&OpAccept != 0 {
		e |= unix.EPOLLIN
	}
	if ops&OpWrite != 0 || ops&OpConnect != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToOps(e uint32) InterestOp {
	var ops InterestOp
	if e&unix.EPOLLIN != 0 {
		ops |= OpRead
	}
	if e&unix.EPOLLOUT != 0 {
		ops |= OpWrite
	}
	if e&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		// Surfaced to the dispatcher as a readable event so Channel.Read
		// observes the error on its next syscall, per C7's contract that
		// the loop never interprets payload bytes or error codes itself.
		ops |= OpRead
	}
	return ops
}

func (s *epollSelector) register(fd int, ops InterestOp, attachment Attachment) (*selectionKey, error) {
	k := &selectionKey{fd: fd, interestOps: ops, attachment: attachment}
	s.mu.Lock()
	if _, exists := s.byFD[fd]; exists {
		s.mu.Unlock()
		return nil, ErrChannelAlreadyRegistered
	}
	s.byFD[fd] = k
	s.mu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(ops), Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		s.mu.Lock()
		delete(s.byFD, fd)
		s.mu.Unlock()
		return nil, err
	}
	return k, nil
}

func (s *epollSelector) modify(k *selectionKey, ops InterestOp) error {
	ev := &unix.EpollEvent{Events: eventsToEpoll(ops), Fd: int32(k.fd)}
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, k.fd, ev)
}

func (s *epollSelector) cancelKey(k *selectionKey) error {
	k.Cancel()
	return nil
}

// reapCancelled removes finalized keys from the epoll set and the fd map.
// Called only from the owning loop goroutine, once per cycle.
func (s *epollSelector) reapCancelled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for fd, k := range s.byFD {
		if k.IsCancelled() {
			_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			delete(s.byFD, fd)
			n++
		}
	}
	return n
}

func (s *epollSelector) selectNow(rs *readySet) (int, error) {
	return s.doSelect(rs, 0)
}

func (s *epollSelector) selectUntil(rs *readySet, deadlineNanos int64) (int, error) {
	timeout := deadlineToTimeout(monotonicNanos(), deadlineNanos)
	return s.doSelect(rs, timeout)
}

func (s *epollSelector) doSelect(rs *readySet, timeoutMs int) (int, error) {
	if s.closed.Load() {
		return 0, ErrLoopTerminated
	}
	n, err := unix.EpollWait(s.epfd, s.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	s.waking.Store(false)

	count := 0
	s.mu.Lock()
	for i := 0; i < n; i++ {
		fd := int(s.eventBuf[i].Fd)
		if fd == s.wakeFD {
			_, _ = unix.Read(s.wakeFD, s.wakeBuf[:])
			continue
		}
		k, ok := s.byFD[fd]
		if !ok || k.IsCancelled() {
			continue
		}
		k.readyOps = epollToOps(s.eventBuf[i].Events)
		rs.append(k)
		count++
	}
	s.mu.Unlock()
	return count, nil
}

func (s *epollSelector) wakeup() {
	if s.waking.CompareAndSwap(false, true) {
		var buf [8]byte
		buf[7] = 1
		_, _ = unix.Write(s.wakeFD, buf[:])
	}
}

func (s *epollSelector) keys() []*selectionKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*selectionKey, 0, len(s.byFD))
	for _, k := range s.byFD {
		out = append(out, k)
	}
	return out
}

func (s *epollSelector) close() error {
	s.closed.Store(true)
	_ = unix.Close(s.wakeFD)
	return unix.Close(s.epfd)
}
