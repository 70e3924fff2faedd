// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package reactorloop implements a single-threaded, multiplexing event loop
// core: one OS thread per [Loop], one readiness selector, a bounded
// multi-producer/single-consumer task queue, and a deadline-ordered
// scheduled-task heap, all cooperatively interleaved under a configurable
// I/O-to-task time ratio.
//
// # Architecture
//
// A [LoopGroup] owns N [Loop] instances, each with its own OS thread and
// selector. A [Channel], once registered with a loop via [LoopGroup.Register],
// stays on that loop for its lifetime: all reads, writes, and callbacks for
// that channel are serialized on the loop's goroutine, so channel
// implementations need no internal locking.
//
// Work enters a loop in three forms:
//
//   - Channel registration, associating a non-blocking file descriptor, an
//     interest mask, and an attachment with the loop's selector.
//   - An immediate task, submitted via [Loop.Execute] and run exactly once
//     on the loop goroutine.
//   - A scheduled task, submitted via [Loop.Schedule], [Loop.ScheduleAtFixedRate],
//     or [Loop.ScheduleWithFixedDelay], run no earlier than an absolute
//     deadline.
//
// # Readiness primitive
//
// I/O readiness is multiplexed with epoll on Linux (selector_linux.go) and
// kqueue on Darwin (selector_darwin.go). Both implement the same unexported
// selector contract, so [Loop] itself is platform-agnostic. There is no
// Windows backend: IOCP is completion-based rather than readiness-based and
// cannot satisfy the selector contract without becoming a different kind of
// reactor entirely.
//
// # The epoll "100% CPU" bug
//
// A well-documented Linux epoll defect can cause epoll_wait to return
// immediately, repeatedly, with zero ready descriptors, pinning the loop
// thread at 100% CPU without making progress. [Loop] detects this by
// counting consecutive unproductive cycles; once a configurable threshold is
// crossed it rebuilds the selector: every live registration is migrated, in
// its existing interest mask and with its existing attachment, onto a
// freshly created selector, and the old one is discarded.
//
// # Thread safety
//
// [Loop.Execute], [Loop.Schedule], [Loop.ScheduleAtFixedRate],
// [Loop.ScheduleWithFixedDelay], and [LoopGroup.Register] are safe to call
// from any goroutine. Only the owning loop goroutine may mutate a loop's
// selector, ready-key set, scheduled-task heap, or per-channel state; public
// methods that would otherwise violate this wrap themselves as a submitted
// task when called off-thread.
//
// # Usage
//
//	group, err := reactorloop.NewGroup(4)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer group.ShutdownGracefully(context.Background(), 100*time.Millisecond, time.Second)
//
//	reg, err := group.Register(myChannel, reactorloop.OpRead)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	reg.Loop().Execute(func() {
//	    fmt.Println("running on the channel's owning loop")
//	})
package reactorloop
