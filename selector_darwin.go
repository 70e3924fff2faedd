//go:build darwin

package reactorloop

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// kqueueSelector is the Darwin selector backend (C2), grounded on the
// teacher's kqueue FastPoller but restructured around the
// selectNow/selectUntil/wakeup/register/cancelKey contract. kqueue does
// not exhibit the epoll "100% CPU" bug; the loop's spurious-wakeup counter
// and C8 rebuild are platform-agnostic and apply to this backend with the
// same threshold as on epoll.
type kqueueSelector struct {
	kq int

	mu   sync.Mutex
	byFD map[int]*selectionKey

	eventBuf [256]unix.Kevent_t

	waking atomic.Bool
	closed atomic.Bool
}

const wakeIdent = ^uintptr(0)

func newSelector() (selector, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	s := &kqueueSelector{
		kq:   kq,
		byFD: make(map[int]*selectionKey),
	}
	wakeEvent := unix.Kevent_t{
		Ident:  uint64(wakeIdent),
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{wakeEvent}, nil, nil); err != nil {
		_ = unix.Close(kq)
		return nil, err
	}
	return s, nil
}

func eventsToKevents(fd int, ops InterestOp, flags uint16) []unix.Kevent_t {
	var out []unix.Kevent_t
	if ops&(OpRead|OpAccept) != 0 {
		out = append(out, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if ops&(OpWrite|OpConnect) != 0 {
		out = append(out, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return out
}

func (s *kqueueSelector) register(fd int, ops InterestOp, attachment Attachment) (*selectionKey, error) {
	k := &selectionKey{fd: fd, interestOps: ops, attachment: attachment}
	s.mu.Lock()
	if _, exists := s.byFD[fd]; exists {
		s.mu.Unlock()
		return nil, ErrChannelAlreadyRegistered
	}
	s.byFD[fd] = k
	s.mu.Unlock()

	changes := eventsToKevents(fd, ops, unix.EV_ADD|unix.EV_ENABLE)
	if len(changes) > 0 {
		if _, err := unix.Kevent(s.kq, changes, nil, nil); err != nil {
			s.mu.Lock()
			delete(s.byFD, fd)
			s.mu.Unlock()
			return nil, err
		}
	}
	return k, nil
}

func (s *kqueueSelector) modify(k *selectionKey, ops InterestOp) error {
	// Callers store ops in k.interestOps before calling modify, so the
	// previous mask is not known here: both filters are deleted one at a
	// time (ignoring the error for a filter that was not registered), then
	// the filters ops selects are added.
	for _, ev := range eventsToKevents(k.fd, OpRead|OpWrite, unix.EV_DELETE) {
		_, _ = unix.Kevent(s.kq, []unix.Kevent_t{ev}, nil, nil)
	}
	changes := eventsToKevents(k.fd, ops, unix.EV_ADD|unix.EV_ENABLE)
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(s.kq, changes, nil, nil)
	return err
}

func (s *kqueueSelector) cancelKey(k *selectionKey) error {
	k.Cancel()
	return nil
}

func (s *kqueueSelector) reapCancelled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for fd, k := range s.byFD {
		if k.IsCancelled() {
			changes := eventsToKevents(fd, k.interestOps, unix.EV_DELETE)
			if len(changes) > 0 {
				_, _ = unix.Kevent(s.kq, changes, nil, nil)
			}
			delete(s.byFD, fd)
			n++
		}
	}
	return n
}

func (s *kqueueSelector) selectNow(rs *readySet) (int, error) {
	return s.doSelect(rs, &unix.Timespec{})
}

func (s *kqueueSelector) selectUntil(rs *readySet, deadlineNanos int64) (int, error) {
	timeoutMs := deadlineToTimeout(monotonicNanos(), deadlineNanos)
	if timeoutMs < 0 {
		return s.doSelect(rs, nil)
	}
	ts := unix.NsecToTimespec(int64(timeoutMs) * int64(time.Millisecond))
	return s.doSelect(rs, &ts)
}

func (s *kqueueSelector) doSelect(rs *readySet, timeout *unix.Timespec) (int, error) {
	if s.closed.Load() {
		return 0, ErrLoopTerminated
	}
	n, err := unix.Kevent(s.kq, nil, s.eventBuf[:], timeout)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	s.waking.Store(false)

	count := 0
	s.mu.Lock()
	// kqueue reports read and write readiness as separate events against
	// the same fd; a socket ready for both in one cycle would otherwise
	// append the same key to rs twice and leave readyOps holding bits
	// accumulated across prior cycles. seen tracks the first event seen
	// for a given fd in this call, so readyOps is reset exactly once and
	// the key is appended exactly once regardless of how many of its
	// filters fired.
	seen := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		ev := s.eventBuf[i]
		if ev.Ident == uint64(wakeIdent) {
			continue
		}
		fd := int(ev.Ident)
		k, ok := s.byFD[fd]
		if !ok || k.IsCancelled() {
			continue
		}
		first := !seen[fd]
		if first {
			seen[fd] = true
			k.readyOps = 0
		}
		switch ev.Filter {
		case unix.EVFILT_READ:
			k.readyOps |= OpRead
			if k.interestOps&OpAccept != 0 {
				k.readyOps |= OpAccept
			}
		case unix.EVFILT_WRITE:
			k.readyOps |= OpWrite
			if k.interestOps&OpConnect != 0 {
				k.readyOps |= OpConnect
			}
		}
		if first {
			rs.append(k)
			count++
		}
	}
	s.mu.Unlock()
	return count, nil
}

func (s *kqueueSelector) wakeup() {
	if s.waking.CompareAndSwap(false, true) {
		trigger := unix.Kevent_t{
			Ident:  uint64(wakeIdent),
			Filter: unix.EVFILT_USER,
			Fflags: unix.NOTE_TRIGGER,
		}
		_, _ = unix.Kevent(s.kq, []unix.Kevent_t{trigger}, nil, nil)
	}
}

func (s *kqueueSelector) keys() []*selectionKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*selectionKey, 0, len(s.byFD))
	for _, k := range s.byFD {
		out = append(out, k)
	}
	return out
}

func (s *kqueueSelector) close() error {
	s.closed.Store(true)
	return unix.Close(s.kq)
}
