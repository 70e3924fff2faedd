// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactorloop

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// taskBudgetCheckInterval is the spec §4.5 step 5 "checked every 64 tasks"
// amortization window: the task-drain loop only reads the clock every 64th
// task/scheduled-task it runs. Because the very first check lands after 64
// have already run for free, this interval also doubles as the "minimum
// number of tasks" floor step 5 requires when step 4 did no I/O (ioTimeNs
// would otherwise yield a zero budget).
const taskBudgetCheckInterval = 64

// futureScavengeBatch bounds the number of registry entries inspected per
// housekeeping pass, so a large backlog of tracked futures cannot turn
// scavenging into an unbounded per-cycle pause.
const futureScavengeBatch = 256

// processStart anchors [monotonicNanos] so scheduled-task deadlines are
// measured against a monotonic offset (via time.Since) rather than
// wall-clock time, which NTP or manual clock adjustment could move
// backwards.
var processStart = time.Now()

// monotonicNanos returns the current monotonic time, in nanoseconds since
// process start.
func monotonicNanos() int64 {
	return int64(time.Since(processStart))
}

// Loop is the C5 event loop: one goroutine, one [selector], a C3 task
// queue, and a C4 scheduled-task heap, cooperatively interleaved under a
// configurable I/O ratio.
type Loop struct {
	opts *loopOptions

	selector selector
	rs       *readySet
	tasks    *taskQueue
	timers   *timerQueue
	futures  *futureRegistry
	metrics  *loopMetrics

	state *atomicLoopState
	wake  *wakeState

	id    uint64
	group *LoopGroup

	ownerGoroutine atomic.Uint64

	selectCnt          int
	cancelledSinceReap atomic.Int64
	rebuildCount       atomic.Int64

	lastTaskNanos           atomic.Int64
	shutdownQuietPeriodNs   int64
	shutdownTimeoutDeadline int64

	runDone    chan struct{}
	runOnce    sync.Once
	termFuture *Future
}

var loopIDCounter atomic.Uint64

// newSelectorFn is a seam over the platform-specific newSelector
// constructor (selector_linux.go / selector_darwin.go), overridable in
// tests to exercise C8 rebuild logic against a deterministic fake
// selector instead of a real epoll/kqueue instance.
var newSelectorFn = newSelector

// NewLoop constructs a standalone [Loop]. The loop does nothing until
// [Loop.Run] is called (typically via `go loop.Run(ctx)`); most callers
// should instead use [NewGroup], which creates and runs a pool of loops.
func NewLoop(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	sel, err := newSelectorFn()
	if err != nil {
		return nil, err
	}

	capacity := cfg.maxPendingTasks
	if capacity <= 0 {
		capacity = unboundedPendingTasks
	}

	l := &Loop{
		opts:       cfg,
		selector:   sel,
		rs:         newReadySet(),
		tasks:      newTaskQueue(capacity),
		timers:     newTimerQueue(),
		futures:    newFutureRegistry(),
		metrics:    newLoopMetrics(),
		state:      newAtomicLoopState(),
		wake:       newWakeState(),
		id:         loopIDCounter.Add(1),
		runDone:    make(chan struct{}),
		termFuture: NewFuture(),
	}
	return l, nil
}

// ID returns a process-unique, stable identifier for the loop, useful for
// logging and metrics correlation across a [LoopGroup].
func (l *Loop) ID() uint64 { return l.id }

// State returns the loop's current lifecycle state.
func (l *Loop) State() LoopState { return l.state.Load() }

// IsShuttingDown reports whether graceful shutdown has been requested.
func (l *Loop) IsShuttingDown() bool { return l.state.IsShuttingDown() }

// IsShutdown reports whether the loop goroutine has exited.
func (l *Loop) IsShutdown() bool { return l.state.IsShutdown() }

// IsTerminated reports whether the loop has reached StateTerminated, which
// is set just before its termination future is resolved.
func (l *Loop) IsTerminated() bool { return l.state.IsTerminated() }

// isLoopThread reports whether the calling goroutine is this loop's owner,
// per spec §9's "Global mutable state" note: rather than a thread-local,
// the owner goroutine id is compared directly, grounded on the teacher's
// own runtime.Stack-based goroutine-id trick (Go has no native thread
// identity to substitute for Java's thread-confinement check).
func (l *Loop) isLoopThread() bool {
	owner := l.ownerGoroutine.Load()
	return owner != 0 && owner == currentGoroutineID()
}

func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

// runOnLoop executes fn on the loop goroutine, per spec §4.5's "owner
// thread assertion": if the caller already is the loop goroutine, fn runs
// inline; otherwise it is wrapped as a submitted task and the caller
// blocks until it has run.
func (l *Loop) runOnLoop(fn func()) error {
	if l.isLoopThread() {
		fn()
		return nil
	}
	done := make(chan struct{})
	if err := l.Execute(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	<-done
	return nil
}

// Execute submits an immediate task for execution on the loop goroutine.
// Safe to call from any goroutine. A task submitted from within the loop
// executes strictly after the current cycle step completes and before the
// next select (spec §5 ordering guarantee i); a task submitted from a
// foreign goroutine is observed on the loop's next cycle (guarantee ii).
func (l *Loop) Execute(task func()) error {
	if task == nil {
		return nil
	}
	if l.state.Load() >= StateShutdown {
		return l.reject(task, ErrLoopTerminated)
	}
	if !l.tasks.offer(task) {
		return l.reject(task, ErrQueueFull)
	}
	l.lastTaskNanos.Store(monotonicNanos())
	l.wakeIfParked()
	return nil
}

// reject applies the configured [RejectionPolicy] to a task that could not
// be queued (either the queue was full, or the loop has already shut
// down). Per spec §7, a producer rejection is never silent: under
// [RejectPolicy] and [DiscardPolicy] the caller observes a
// *[RejectionError]; under [RunOnCallerPolicy] the task runs on the
// calling goroutine and nil is returned.
func (l *Loop) reject(task func(), cause error) error {
	switch l.opts.rejectionPolicy {
	case RunOnCallerPolicy:
		if task != nil {
			_ = safeRun(task)
		}
		return nil
	case DiscardPolicy:
		return &RejectionError{Policy: DiscardPolicy, Cause: cause}
	default:
		return &RejectionError{Policy: RejectPolicy, Cause: cause}
	}
}

func (l *Loop) wakeIfParked() {
	if l.wake.WakeIfParked() {
		l.selector.wakeup()
	}
}

// ScheduledHandle is the cancellation/observation handle returned by
// [Loop.Schedule], [Loop.ScheduleAtFixedRate], and
// [Loop.ScheduleWithFixedDelay], trimmed from the teacher's full Promise
// chaining down to the single-owner completion handle spec §9's
// "Promise/future control flow" note calls for.
type ScheduledHandle struct {
	task *scheduledTask
}

// Cancel removes the scheduled task if it has not yet fired. Per spec §5,
// cancellation of a pending task is lazy: it is marked and skipped the
// next time the heap would have popped it. Safe from any goroutine.
func (h *ScheduledHandle) Cancel() { h.task.Cancel() }

// Future returns the completion handle of the scheduled task. For a
// one-shot task it settles when the task finishes running. Cancel settles
// it as cancelled at the moment Cancel is called; a periodic task's future
// settles only that way.
func (h *ScheduledHandle) Future() *Future { return h.task.future }

// Schedule submits a one-shot task to run no earlier than monotonic time
// now+delay.
func (l *Loop) Schedule(delay time.Duration, fn func()) (*ScheduledHandle, error) {
	return l.scheduleAt(monotonicNanos()+int64(delay), 0, periodNone, fn)
}

// ScheduleAtFixedRate submits a periodic task whose successive deadlines
// are computed relative to the previous deadline (so scheduling overhead
// does not accumulate drift across occurrences).
func (l *Loop) ScheduleAtFixedRate(initialDelay, period time.Duration, fn func()) (*ScheduledHandle, error) {
	return l.scheduleAt(monotonicNanos()+int64(initialDelay), int64(period), periodFixedRate, fn)
}

// ScheduleWithFixedDelay submits a periodic task whose next deadline is
// computed relative to the completion time of the previous occurrence.
func (l *Loop) ScheduleWithFixedDelay(initialDelay, delay time.Duration, fn func()) (*ScheduledHandle, error) {
	return l.scheduleAt(monotonicNanos()+int64(initialDelay), int64(delay), periodFixedDelay, fn)
}

func (l *Loop) scheduleAt(deadline, period int64, kind periodKind, fn func()) (*ScheduledHandle, error) {
	if fn == nil {
		return nil, nil
	}
	future := NewFuture()
	l.futures.track(future)
	var handle *ScheduledHandle
	err := l.runOnLoop(func() {
		t := l.timers.add(deadline, period, kind, fn, future)
		handle = &ScheduledHandle{task: t}
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// Channel/task registration.

// Registration is the handle returned for a successfully registered
// [Channel] or [UserTask], naming the owning loop and the underlying
// selection key.
type Registration struct {
	loop *Loop
	key  *selectionKey
}

// Loop returns the loop the registration is bound to.
func (r *Registration) Loop() *Loop { return r.loop }

// Cancel deregisters the channel or task. Safe from any goroutine; the
// underlying resources are reclaimed on the loop's next cycle.
func (r *Registration) Cancel() { r.key.Cancel() }

// Register binds ch to this loop's selector with the given interest mask.
// Safe to call from any goroutine; the registration itself always happens
// on the loop goroutine, per spec §4.2 ("register" callable only from the
// owning thread).
func (l *Loop) Register(ch Channel, ops InterestOp) (*Registration, error) {
	var (
		reg *Registration
		rer error
	)
	err := l.runOnLoop(func() {
		k, err := l.selector.register(ch.FD(), ops, ChannelAttachment(ch))
		if err != nil {
			rer = err
			return
		}
		k.loop = l
		ch.SetSelectionKey(k)
		reg = &Registration{loop: l, key: k}
	})
	if err != nil {
		return nil, err
	}
	if rer != nil {
		return nil, rer
	}
	return reg, nil
}

// RegisterTask binds an opaque [UserTask] (spec §9's "Channel(c) |
// UserTask(t)" variant) to a raw descriptor, for readiness notification
// without full channel semantics.
func (l *Loop) RegisterTask(fd int, ops InterestOp, task UserTask) (*Registration, error) {
	var (
		reg *Registration
		rer error
	)
	err := l.runOnLoop(func() {
		k, err := l.selector.register(fd, ops, TaskAttachment(task))
		if err != nil {
			rer = err
			return
		}
		k.loop = l
		reg = &Registration{loop: l, key: k}
	})
	if err != nil {
		return nil, err
	}
	if rer != nil {
		return nil, rer
	}
	return reg, nil
}

// Run executes the loop, blocking until it terminates. Call via
// `go loop.Run(ctx)` to run in the background; cancelling ctx initiates
// the same graceful-shutdown sequence as [Loop.ShutdownGracefully] with a
// zero quiet period.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}
	if !l.state.TryTransition(StateNew, StateRunning) {
		if l.state.Load() >= StateShutdown {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	l.ownerGoroutine.Store(currentGoroutineID())
	defer l.ownerGoroutine.Store(0)
	defer close(l.runDone)

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_, _ = l.ShutdownGracefully(context.Background(), 0, 0)
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		if l.runCycle() {
			l.finish()
			return nil
		}
	}
}

// runCycle executes one iteration of the C5 run loop (spec §4.5 steps
// 1-7), returning true once shutdown has been confirmed and the loop
// should exit.
func (l *Loop) runCycle() (done bool) {
	tickStart := monotonicNanos()
	defer func() { l.metrics.observeTick(time.Duration(monotonicNanos() - tickStart)) }()

	// Finalize keys cancelled since the previous cycle before selecting.
	if l.cancelledSinceReap.Load() > 0 {
		l.selector.reapCancelled()
	}

	hasTasks := l.tasks.size() > 0

	var (
		readyCount int
		selectErr  error
	)
	if hasTasks {
		// Step 1: with tasks pending, the strategy must reduce to a
		// selectNow so I/O readiness is observed without blocking and
		// without starving the task queue.
		readyCount, selectErr = l.selector.selectNow(l.rs)
	} else {
		// Step 2: compute the parking horizon from the earliest
		// scheduled-task deadline.
		deadline := noDeadline
		if t := l.timers.peek(); t != nil {
			deadline = t.deadline
		}
		if l.state.Load() == StateShuttingDown {
			// While shutting down, wake no later than the end of the
			// quiet period or the hard timeout, so step 7 can confirm.
			d := l.lastTaskNanos.Load() + l.shutdownQuietPeriodNs
			if l.shutdownTimeoutDeadline < d {
				d = l.shutdownTimeoutDeadline
			}
			if deadline == noDeadline || d < deadline {
				deadline = d
			}
		}
		l.wake.Park(deadline)
		// Step 3: park until readiness, wakeup, or deadline.
		readyCount, selectErr = l.selector.selectUntil(l.rs, deadline)
		l.wake.Awake()
	}

	if selectErr != nil {
		l.logSelectorError(selectErr)
		l.rebuildSelector()
		l.selectCnt = 0
		return false
	}

	// Step 4: dispatch readiness, measuring I/O time for step 5's budget.
	ioStart := monotonicNanos()
	l.dispatchReady(readyCount)
	ioTimeNs := monotonicNanos() - ioStart

	// Cancelled-key cleanup threshold: compact the selector's
	// registries once enough keys have been cancelled, and re-select now
	// so this cycle doesn't dispatch against stale entries.
	if l.cancelledSinceReap.Load() >= int64(l.opts.cancelledKeyCleanupInterval) {
		l.selector.reapCancelled()
		l.cancelledSinceReap.Store(0)
		n2, err := l.selector.selectNow(l.rs)
		if err == nil && n2 > 0 {
			l.dispatchReady(n2)
		}
		// The future registry is scavenged on the same cadence as
		// cancelled-key cleanup: both are periodic, low-priority
		// housekeeping with no correctness deadline of their own.
		l.futures.scavenge(futureScavengeBatch)
	}

	// Step 5: drain tasks and due scheduled tasks under the I/O ratio
	// budget.
	ranTask, ranTimer := l.drainTasks(ioTimeNs)

	// Step 6: spurious-wakeup detection.
	if readyCount > 0 || ranTask || ranTimer {
		l.selectCnt = 0
	} else {
		l.selectCnt++
		if l.opts.selectorRebuildThreshold > 0 && l.selectCnt >= l.opts.selectorRebuildThreshold {
			l.rebuildSelector()
			l.selectCnt = 0
		}
	}

	// Step 7: shutdown confirmation.
	if l.state.Load() == StateShuttingDown && l.shutdownConfirmed(monotonicNanos()) {
		return true
	}
	return false
}

// dispatchReady walks the first n entries of the ready set, routing each
// to its attachment per spec §4.5 step 4 and §9's tagged-variant dispatch.
func (l *Loop) dispatchReady(n int) {
	for i := 0; i < n && i < l.rs.sizeOf(); i++ {
		k := l.rs.get(i)
		if k.IsCancelled() {
			l.logCancelledKeyObserved(k.fd)
			continue
		}
		l.dispatchKey(k)
	}
	l.rs.reset()
}

func (l *Loop) dispatchKey(k *selectionKey) {
	ops := k.readyOps
	switch k.attachment.Kind {
	case AttachmentTask:
		if err := safeRun(func() { k.attachment.Task.OnReady(ops) }); err != nil {
			l.logTaskPanic(err)
		}
	case AttachmentChannel:
		ch := k.attachment.Channel

		if ops&OpConnect != 0 {
			// Clear OP_CONNECT from the interest mask before
			// finishConnect, or the selector would report it ready
			// forever (spec §4.5 step 4).
			k.interestOps &^= OpConnect
			_ = l.selector.modify(k, k.interestOps)
			if err := ch.FinishConnect(); err != nil {
				l.closeChannelOnError(ch, k, err)
				return
			}
		}
		if ops&OpWrite != 0 {
			if err := ch.ForceFlush(); err != nil {
				l.closeChannelOnError(ch, k, err)
				return
			}
		}
		// READ|ACCEPT, or a zero ready mask: the latter is the epoll
		// "100% CPU" workaround's counterpart at the dispatch site (spec
		// §4.5 step 4 / §9 Open Question: kept for the epoll backend).
		if ops&(OpRead|OpAccept) != 0 || ops == 0 {
			if err := ch.Read(); err != nil {
				l.closeChannelOnError(ch, k, err)
				return
			}
		}
	}
}

func (l *Loop) closeChannelOnError(ch Channel, k *selectionKey, err error) {
	l.logTransientIOError(ch, err)
	future := NewFuture()
	ch.Close(err, future)
	k.Cancel()
}

// drainTasks runs immediate tasks (C3) and due scheduled tasks (C4) under
// the spec §4.5 step 5 ratio budget, reading the clock only every
// [taskBudgetCheckInterval] iterations.
func (l *Loop) drainTasks(ioTimeNs int64) (ranTask, ranTimer bool) {
	unlimited := l.opts.ioRatio == 100
	var budgetNs int64
	if !unlimited && ioTimeNs > 0 {
		budgetNs = ioTimeNs * int64(100-l.opts.ioRatio) / int64(l.opts.ioRatio)
	}

	start := monotonicNanos()
	n := 0
	for {
		task, hasTask := l.tasks.poll()
		now := monotonicNanos()
		due := l.timers.pollIfDue(now)
		if !hasTask && due == nil {
			break
		}
		if hasTask {
			l.safeExecuteTask(task)
			ranTask = true
		}
		if due != nil {
			l.safeExecuteScheduled(due, now)
			ranTimer = true
		}
		n++
		if unlimited {
			continue
		}
		if n%taskBudgetCheckInterval == 0 && monotonicNanos()-start >= budgetNs {
			break
		}
	}
	return
}

func (l *Loop) safeExecuteTask(task func()) {
	if err := safeRun(task); err != nil {
		l.logTaskPanic(err)
	}
}

func (l *Loop) safeExecuteScheduled(t *scheduledTask, now int64) {
	// Fixed-rate anchors to the previous deadline, so it can be
	// rescheduled before fn runs. Fixed-delay anchors to completion time
	// (spec §3/§4.1), so it is rescheduled after fn returns, against a
	// freshly read clock.
	if t.kind == periodFixedRate {
		l.timers.reschedule(t, now)
	}
	err := safeRun(t.fn)
	if t.kind == periodFixedDelay {
		l.timers.reschedule(t, monotonicNanos())
	}
	if t.kind == periodNone || t.cancelled {
		if t.future != nil {
			if err != nil {
				t.future.reject(err)
			} else {
				t.future.resolve(nil)
			}
		}
	}
	if err != nil {
		l.logTaskPanic(err)
	}
}

// shutdownConfirmed implements spec §4.6's staged shutdown: termination is
// confirmed once the hard timeout deadline has passed, or once the quiet
// period has elapsed since the last submitted task with both queues
// empty.
func (l *Loop) shutdownConfirmed(now int64) bool {
	if now >= l.shutdownTimeoutDeadline {
		return true
	}
	if l.tasks.size() != 0 || l.timers.len() != 0 {
		return false
	}
	return now >= l.lastTaskNanos.Load()+l.shutdownQuietPeriodNs
}

// finish runs once runCycle reports shutdown confirmed: close every
// registered channel, tear down the selector, and settle the termination
// future.
func (l *Loop) finish() {
	l.closeAllChannels()
	_ = l.selector.close()
	l.state.TryTransition(StateShuttingDown, StateShutdown)
	l.state.Store(StateTerminated)
	l.termFuture.resolve(nil)
}

func (l *Loop) closeAllChannels() {
	for _, k := range l.selector.keys() {
		if k.attachment.Kind == AttachmentChannel {
			_ = k.attachment.Channel.CloseForcibly()
		}
		k.Cancel()
	}
}

// ShutdownGracefully requests shutdown: the loop keeps draining queued
// work until quietPeriod has elapsed with no newly submitted tasks, or
// until timeout elapses, whichever comes first. Returns a [Future]
// completed once the loop has fully terminated. Idempotent.
func (l *Loop) ShutdownGracefully(ctx context.Context, quietPeriod, timeout time.Duration) (*Future, error) {
	now := monotonicNanos()
	if !l.state.TryTransition(StateRunning, StateShuttingDown) {
		switch cur := l.state.Load(); {
		case cur >= StateShuttingDown:
			return l.termFuture, nil
		case cur == StateNew:
			if l.state.TryTransition(StateNew, StateTerminated) {
				_ = l.selector.close()
				l.termFuture.resolve(nil)
			}
			return l.termFuture, nil
		default:
			return nil, ErrLoopNotRunning
		}
	}
	l.shutdownQuietPeriodNs = int64(quietPeriod)
	l.shutdownTimeoutDeadline = now + int64(timeout)
	l.lastTaskNanos.Store(now)
	l.wakeIfParked()
	return l.termFuture, nil
}

// Close immediately terminates the loop without waiting for a quiet
// period: equivalent to ShutdownGracefully with a zero quiet period and
// zero timeout.
func (l *Loop) Close() (*Future, error) {
	return l.ShutdownGracefully(context.Background(), 0, 0)
}

// AwaitTermination blocks until the loop's termination future settles or
// ctx is done.
func (l *Loop) AwaitTermination(ctx context.Context) error {
	select {
	case <-l.termFuture.AwaitChannel():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics returns a snapshot of the loop's counters. Safe from any
// goroutine.
func (l *Loop) Metrics() LoopMetrics {
	p50, p90, p99, count := l.metrics.snapshot()
	return LoopMetrics{
		PendingTasks:          l.tasks.size(),
		RegisteredChannels:    len(l.selector.keys()),
		SelectCountSinceReset: int64(l.selectCnt),
		RebuildCount:          l.rebuildCount.Load(),
		TickCount:             count,
		TickLatencyP50:        p50,
		TickLatencyP90:        p90,
		TickLatencyP99:        p99,
	}
}

// rebuildSelector is C8: migrate every still-healthy registration onto a
// freshly created selector, preserving interest mask and attachment, then
// swap it in and discard the old selector. Mitigation for both a genuine
// selector malfunction and the epoll "100% CPU" spurious-wakeup bug.
func (l *Loop) rebuildSelector() {
	newSel, err := newSelectorFn()
	if err != nil {
		l.logRebuildFailed(err)
		return
	}

	migrated := 0
	for _, k := range l.selector.keys() {
		if k.IsCancelled() || k.migrated.Load() {
			continue
		}
		fd, ops, att := k.fd, k.interestOps, k.attachment
		_ = l.selector.cancelKey(k)

		nk, err := newSel.register(fd, ops, att)
		if err != nil {
			if att.Kind == AttachmentChannel {
				future := NewFuture()
				att.Channel.Close(err, future)
			}
			continue
		}
		nk.loop = l
		k.migrated.Store(true)
		if att.Kind == AttachmentChannel {
			att.Channel.SetSelectionKey(nk)
		}
		migrated++
	}

	old := l.selector
	l.selector = newSel
	_ = old.close()
	l.rs.reset()
	l.rebuildCount.Add(1)
	l.logRebuild(migrated)
}
