// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactorloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// LoopGroup is C6: a fixed-size pool of independently running [Loop]s,
// distributing registrations across them round-robin. Mirrors the
// teacher's split between a single-threaded primitive and the pool that
// schedules work across many of them.
type LoopGroup struct {
	loops []*Loop
	next  atomic.Uint64

	mu            sync.Mutex
	started       bool
	runErrs       []error
	runWG         sync.WaitGroup
	termOnce      sync.Once
	termFut       *Future
	terminate     chan struct{}
	closeTermOnce sync.Once
}

// NewGroup constructs a [LoopGroup] of n loops and starts each loop's
// [Loop.Run] on its own goroutine. A positive n takes precedence over
// [WithThreadCount]; for n <= 0 the group uses WithThreadCount's value, or
// 2 × runtime.NumCPU() by default.
func NewGroup(n int, opts ...GroupOption) (*LoopGroup, error) {
	gopts, err := resolveGroupOptions(opts)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		gopts.threadCount = n
	}

	g := &LoopGroup{
		termFut:   NewFuture(),
		terminate: make(chan struct{}),
	}

	loops := make([]*Loop, 0, gopts.threadCount)
	for i := 0; i < gopts.threadCount; i++ {
		l, err := NewLoop(gopts.loopOpts...)
		if err != nil {
			for _, created := range loops {
				_ = created.selector.close()
			}
			return nil, err
		}
		l.group = g
		loops = append(loops, l)
	}
	g.loops = loops

	g.mu.Lock()
	g.started = true
	g.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-g.terminate
		cancel()
	}()

	for _, l := range g.loops {
		g.runWG.Add(1)
		go func(l *Loop) {
			defer g.runWG.Done()
			if err := l.Run(ctx); err != nil {
				g.mu.Lock()
				g.runErrs = append(g.runErrs, err)
				g.mu.Unlock()
			}
		}(l)
	}

	go func() {
		g.runWG.Wait()
		g.termOnce.Do(func() { g.termFut.resolve(nil) })
	}()

	return g, nil
}

// Size returns the number of loops in the group.
func (g *LoopGroup) Size() int { return len(g.loops) }

// pick selects the next loop via round-robin, per spec §7's load
// balancing note. Lock-free: a single atomic increment, masked when the
// loop count is a power of two (the common case for a default
// 2 × runtime.NumCPU() sizing) to avoid a division on the hot submission
// path.
func (g *LoopGroup) pick() *Loop {
	n := uint64(len(g.loops))
	idx := g.next.Add(1) - 1
	if n&(n-1) == 0 {
		return g.loops[idx&(n-1)]
	}
	return g.loops[idx%n]
}

// Next returns the next loop in round-robin order, for callers that want
// to pin further related work (e.g. several channels belonging to one
// connection) onto the same loop.
func (g *LoopGroup) Next() *Loop { return g.pick() }

// Loops returns the group's loops, in stable registration order.
func (g *LoopGroup) Loops() []*Loop {
	out := make([]*Loop, len(g.loops))
	copy(out, g.loops)
	return out
}

// Register binds ch to the next loop selected by round-robin.
func (g *LoopGroup) Register(ch Channel, ops InterestOp) (*Registration, error) {
	return g.pick().Register(ch, ops)
}

// RegisterTask binds an opaque [UserTask] to the next loop selected by
// round-robin.
func (g *LoopGroup) RegisterTask(fd int, ops InterestOp, task UserTask) (*Registration, error) {
	return g.pick().RegisterTask(fd, ops, task)
}

// Execute submits task to the next loop selected by round-robin.
func (g *LoopGroup) Execute(task func()) error {
	return g.pick().Execute(task)
}

// IsShuttingDown reports whether ShutdownGracefully has been called.
func (g *LoopGroup) IsShuttingDown() bool {
	for _, l := range g.loops {
		if l.IsShuttingDown() {
			return true
		}
	}
	return false
}

// IsShutdown reports whether every loop's goroutine has exited.
func (g *LoopGroup) IsShutdown() bool {
	for _, l := range g.loops {
		if !l.IsShutdown() {
			return false
		}
	}
	return true
}

// IsTerminated reports whether every loop in the group has fully
// terminated.
func (g *LoopGroup) IsTerminated() bool {
	for _, l := range g.loops {
		if !l.IsTerminated() {
			return false
		}
	}
	return true
}

// ShutdownGracefully requests graceful shutdown of every loop in the
// group with the given quiet period and timeout (applied independently
// per loop, matching each loop's own last-activity clock), returning a
// single [Future] that completes once every loop has terminated.
func (g *LoopGroup) ShutdownGracefully(ctx context.Context, quietPeriod, timeout time.Duration) (*Future, error) {
	for _, l := range g.loops {
		if _, err := l.ShutdownGracefully(ctx, quietPeriod, timeout); err != nil {
			return nil, err
		}
	}
	g.closeTermOnce.Do(func() { close(g.terminate) })
	return g.termFut, nil
}

// Close immediately shuts down every loop in the group, without waiting
// for a quiet period.
func (g *LoopGroup) Close() (*Future, error) {
	return g.ShutdownGracefully(context.Background(), 0, 0)
}

// AwaitTermination blocks until every loop in the group has terminated,
// or ctx is done.
func (g *LoopGroup) AwaitTermination(ctx context.Context) error {
	select {
	case <-g.termFut.AwaitChannel():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics aggregates [LoopMetrics] across every loop in the group.
func (g *LoopGroup) Metrics() GroupMetrics {
	out := GroupMetrics{Loops: make([]LoopMetrics, len(g.loops))}
	for i, l := range g.loops {
		m := l.Metrics()
		out.Loops[i] = m
		out.PendingTasks += m.PendingTasks
		out.RegisteredChannels += m.RegisteredChannels
		out.RebuildCount += m.RebuildCount
	}
	return out
}
