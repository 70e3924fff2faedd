// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactorloop

import (
	"fmt"
	"runtime"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// RejectionPolicy describes what happens to a task submitted to a loop
// whose queue is full, or that is shutting down.
type RejectionPolicy int

const (
	// RejectPolicy fails the submission synchronously with ErrQueueFull
	// (or ErrLoopTerminated), wrapped in a *RejectionError.
	RejectPolicy RejectionPolicy = iota
	// DiscardPolicy drops the task without running it; the submission
	// still fails with a *RejectionError naming DiscardPolicy.
	DiscardPolicy
	// RunOnCallerPolicy runs the task synchronously on the calling
	// goroutine instead of queuing it, and the submission returns nil.
	// This includes a submission made from the loop's own goroutine, where
	// the task then runs inline. A panic in the task is recovered and
	// discarded.
	RunOnCallerPolicy
)

// String implements fmt.Stringer.
func (p RejectionPolicy) String() string {
	switch p {
	case RejectPolicy:
		return "reject"
	case DiscardPolicy:
		return "discard"
	case RunOnCallerPolicy:
		return "runOnCaller"
	default:
		return "unknown"
	}
}

// loopOptions holds the resolved, enumerated configuration of a Loop, per
// spec'd "Configuration (enumerated options)".
type loopOptions struct {
	ioRatio                     int
	selectorRebuildThreshold    int
	cancelledKeyCleanupInterval int
	disableKeySetOptimization   bool
	maxPendingTasks             int
	rejectionPolicy             RejectionPolicy
	logger                      *logiface.Logger[logiface.Event]
	rebuildLimiter              *catrate.Limiter
}

// LoopOption configures a single Loop.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithIORatio sets the percentage (1..100) of each cycle's time budget
// targeted for I/O dispatch versus task draining. Default 50.
func WithIORatio(percent int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if percent < 1 || percent > 100 {
			return fmt.Errorf("reactorloop: ioRatio must be in [1,100], got %d", percent)
		}
		opts.ioRatio = percent
		return nil
	}}
}

// WithSelectorRebuildThreshold sets the number of consecutive
// zero-progress select cycles that trigger a C8 selector rebuild. 0
// disables the mitigation entirely. Default 512.
func WithSelectorRebuildThreshold(threshold int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if threshold < 0 {
			return fmt.Errorf("reactorloop: selectorRebuildThreshold must be >= 0, got %d", threshold)
		}
		opts.selectorRebuildThreshold = threshold
		return nil
	}}
}

// WithCancelledKeyCleanupInterval sets the number of cancelled keys
// tolerated before the selector's readiness walk forces a re-select to
// compact them out. Default 256.
func WithCancelledKeyCleanupInterval(interval int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if interval < 1 {
			return fmt.Errorf("reactorloop: cancelledKeyCleanupInterval must be >= 1, got %d", interval)
		}
		opts.cancelledKeyCleanupInterval = interval
		return nil
	}}
}

// WithKeySetOptimizationDisabled records the disableKeySetOptimization
// setting in the loop's options. No selector backend reads it: both always
// fill the C1 ready-key set, so the setting has no effect on dispatch.
func WithKeySetOptimizationDisabled(disabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.disableKeySetOptimization = disabled
		return nil
	}}
}

// WithMaxPendingTasks caps the loop's task queue. A non-positive value
// means effectively unbounded (bounded only by available memory),
// matching the chunked growth of the queue's backing storage.
func WithMaxPendingTasks(max int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.maxPendingTasks = max
		return nil
	}}
}

// WithRejectionPolicy sets the policy applied to a task submission that
// cannot be queued immediately. Default RejectPolicy.
func WithRejectionPolicy(policy RejectionPolicy) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.rejectionPolicy = policy
		return nil
	}}
}

// WithLogger attaches a structured logger to the loop. When absent,
// logging is a no-op. See NewZerologLogger for the default production
// backend.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithRebuildLogRateLimit throttles the warn-level "selector rebuilt" log
// line via a [github.com/joeycumines/go-catrate] sliding-window limiter,
// so a pathologically flapping selector cannot turn C8 rebuilds into a
// logging denial-of-service. The rebuild-failure line is not throttled.
// Absent a limiter, every rebuild logs unconditionally.
func WithRebuildLogRateLimit(rates map[time.Duration]int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.rebuildLimiter = catrate.NewLimiter(rates)
		return nil
	}}
}

const unboundedPendingTasks = -1

// resolveLoopOptions applies LoopOption instances over the spec'd
// defaults.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		ioRatio:                     50,
		selectorRebuildThreshold:    512,
		cancelledKeyCleanupInterval: 256,
		maxPendingTasks:             unboundedPendingTasks,
		rejectionPolicy:             RejectPolicy,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// --- Group options ---

// groupOptions holds the resolved configuration of a LoopGroup.
type groupOptions struct {
	threadCount int
	loopOpts    []LoopOption
}

// GroupOption configures a LoopGroup.
type GroupOption interface {
	applyGroup(*groupOptions) error
}

type groupOptionImpl struct {
	applyGroupFunc func(*groupOptions) error
}

func (g *groupOptionImpl) applyGroup(opts *groupOptions) error {
	return g.applyGroupFunc(opts)
}

// WithThreadCount overrides the number of loops (and their backing OS
// threads) in a group. Default 2 × runtime.NumCPU().
func WithThreadCount(n int) GroupOption {
	return &groupOptionImpl{func(opts *groupOptions) error {
		if n < 1 {
			return fmt.Errorf("reactorloop: threadCount must be >= 1, got %d", n)
		}
		opts.threadCount = n
		return nil
	}}
}

// WithLoopOptions applies the given LoopOptions to every loop the group
// creates.
func WithLoopOptions(opts ...LoopOption) GroupOption {
	return &groupOptionImpl{func(gopts *groupOptions) error {
		gopts.loopOpts = append(gopts.loopOpts, opts...)
		return nil
	}}
}

// resolveGroupOptions applies GroupOption instances over the spec'd
// defaults.
func resolveGroupOptions(opts []GroupOption) (*groupOptions, error) {
	cfg := &groupOptions{
		threadCount: 2 * runtime.NumCPU(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyGroup(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
