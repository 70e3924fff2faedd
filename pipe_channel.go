//go:build linux || darwin

// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactorloop

import (
	"bytes"
	"sync"

	"golang.org/x/sys/unix"
)

// PipeChannel is a minimal [Channel] implementation over a non-blocking
// Unix domain socket pair, grounded on the teacher's own loopback-pipe
// test fixtures: it exists to give C7 a concrete implementation
// exercising closeFD/readFD/writeFD, and to let callers
// and tests drive registration, readiness dispatch, and shutdown without
// a real network connection.
//
// OnData, if set before registration, is invoked on the owning loop
// goroutine with each chunk read from the socket. OnClose, if set, is
// invoked once when the channel closes, with the cause (nil for a
// clean close).
type PipeChannel struct {
	BaseChannel

	OnData  func(data []byte)
	OnClose func(cause error)

	mu     sync.Mutex
	out    bytes.Buffer
	closed bool
}

// NewPipeSocketPair returns two connected, non-blocking [PipeChannel]
// values backed by a single socketpair(2). OnData and OnClose are left nil;
// a test sets them to drive one end and observe the other.
func NewPipeSocketPair() (a, b *PipeChannel, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, nil, err
		}
	}
	return NewPipeChannel(fds[0]), NewPipeChannel(fds[1]), nil
}

// NewPipeChannel wraps an already non-blocking descriptor.
func NewPipeChannel(fd int) *PipeChannel {
	return &PipeChannel{BaseChannel: NewBaseChannel(fd)}
}

// Write appends data to the outbound buffer and, if registered, asks the
// owning loop to flush it. Safe from any goroutine.
func (p *PipeChannel) Write(data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrLoopTerminated
	}
	p.out.Write(data)
	p.mu.Unlock()

	if key := p.SelectionKey(); key != nil {
		loop := key.Loop()
		return loop.runOnLoop(func() {
			_ = p.ForceFlush()
		})
	}
	return nil
}

// ForceFlush implements [Channel]: writes as much of the outbound buffer
// as the socket currently accepts, re-arming OpWrite interest if any
// remains.
func (p *PipeChannel) ForceFlush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.out.Len() == 0 {
		return p.rearmWrite(false)
	}
	for p.out.Len() > 0 {
		n, err := writeFD(p.fd, p.out.Bytes())
		if n > 0 {
			p.out.Next(n)
		}
		if err != nil {
			if err == unix.EAGAIN {
				return p.rearmWrite(true)
			}
			return err
		}
		if n == 0 {
			break
		}
	}
	return p.rearmWrite(p.out.Len() > 0)
}

func (p *PipeChannel) rearmWrite(want bool) error {
	key := p.key
	if key == nil {
		return nil
	}
	ops := key.InterestOps()
	has := ops&OpWrite != 0
	if has == want {
		return nil
	}
	if want {
		ops |= OpWrite
	} else {
		ops &^= OpWrite
	}
	return key.SetInterestOps(ops)
}

// FinishConnect implements [Channel]. PipeChannel is always already
// connected (a socketpair needs no handshake), so this is a no-op.
func (p *PipeChannel) FinishConnect() error { return nil }

// Read implements [Channel]: reads available bytes and, unless OnData is
// nil, delivers them to it. A zero-byte read with no error is treated as
// EOF and closes the channel, matching stream-socket semantics.
func (p *PipeChannel) Read() error {
	var buf [4096]byte
	for {
		n, err := readFD(p.fd, buf[:])
		if n > 0 && p.OnData != nil {
			p.OnData(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			return err
		}
		if n == 0 {
			return errEOF
		}
		if n < len(buf) {
			return nil
		}
	}
}

// errEOF signals a peer-initiated close from Read to the loop's dispatch
// logic, which handles it like any other Read error: it logs the
// transient-I/O warning and closes the channel with errEOF as the cause.
var errEOF = &eofError{}

type eofError struct{}

func (*eofError) Error() string { return "reactorloop: pipe channel EOF" }

// Close implements [Channel].
func (p *PipeChannel) Close(cause error, future *Future) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if future != nil {
			future.resolve(nil)
		}
		return
	}
	p.closed = true
	p.mu.Unlock()

	err := closeFD(p.fd)
	if p.OnClose != nil {
		p.OnClose(cause)
	}
	if future != nil {
		if cause != nil {
			future.reject(cause)
		} else if err != nil {
			future.reject(err)
		} else {
			future.resolve(nil)
		}
	}
}

// CloseForcibly implements [Channel].
func (p *PipeChannel) CloseForcibly() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	err := closeFD(p.fd)
	if p.OnClose != nil {
		p.OnClose(nil)
	}
	return err
}
