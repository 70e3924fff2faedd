package reactorloop

import "container/heap"

// periodKind distinguishes fixed-rate from fixed-delay re-scheduling for
// a periodic task (spec §3 "Scheduled task").
type periodKind uint8

const (
	periodNone periodKind = iota
	periodFixedRate
	periodFixedDelay
)

// scheduledTask is a single entry in C4's min-heap, keyed by deadline and
// tie-broken by insertion sequence.
type scheduledTask struct {
	fn         func()
	deadline   int64 // monotonic nanoseconds
	sequence   uint64
	period     int64 // nanoseconds; 0 for one-shot
	kind       periodKind
	cancelled  bool
	index      int // heap.Interface bookkeeping
	future     *Future
}

// Cancel marks the scheduled task for lazy removal: it is skipped the
// next time it is popped from the heap, per spec §5 "Cancellation of a
// scheduled task that has not yet fired removes it from the heap lazily".
func (s *scheduledTask) Cancel() {
	s.cancelled = true
	if s.future != nil {
		s.future.cancel()
	}
}

// scheduledHeap implements container/heap.Interface, ordered by
// (deadline, sequence).
type scheduledHeap []*scheduledTask

func (h scheduledHeap) Len() int { return len(h) }

func (h scheduledHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].sequence < h[j].sequence
}

func (h scheduledHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *scheduledHeap) Push(x any) {
	t := x.(*scheduledTask)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *scheduledHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerQueue wraps scheduledHeap with the C4 operations named in spec
// §4.4: add, peek, pollIfDue. Mutated only by the owning loop goroutine.
type timerQueue struct {
	h        scheduledHeap
	sequence uint64
}

func newTimerQueue() *timerQueue {
	q := &timerQueue{}
	heap.Init(&q.h)
	return q
}

// add inserts a new scheduled task and returns it for later cancellation.
func (q *timerQueue) add(deadline int64, period int64, kind periodKind, fn func(), future *Future) *scheduledTask {
	q.sequence++
	t := &scheduledTask{
		fn:       fn,
		deadline: deadline,
		sequence: q.sequence,
		period:   period,
		kind:     kind,
		future:   future,
	}
	heap.Push(&q.h, t)
	return t
}

// peek returns the earliest-deadline task without removing it, or nil if
// the queue is empty. Used to compute the parking horizon before select.
func (q *timerQueue) peek() *scheduledTask {
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

// pollIfDue pops and returns the earliest task iff its deadline has
// passed (now >= deadline), skipping (and permanently discarding)
// lazily-cancelled entries encountered along the way. Returns nil if the
// earliest remaining task is not yet due or the queue is empty.
func (q *timerQueue) pollIfDue(now int64) *scheduledTask {
	for len(q.h) > 0 {
		t := q.h[0]
		if t.cancelled {
			heap.Pop(&q.h)
			continue
		}
		if t.deadline > now {
			return nil
		}
		heap.Pop(&q.h)
		return t
	}
	return nil
}

// reschedule re-inserts a periodic task's next occurrence: fixed-rate
// schedules relative to the previous deadline (so drift doesn't
// accumulate), fixed-delay relative to completion time (now).
func (q *timerQueue) reschedule(t *scheduledTask, now int64) {
	if t.cancelled || t.kind == periodNone {
		return
	}
	var next int64
	switch t.kind {
	case periodFixedRate:
		next = t.deadline + t.period
		if next < now {
			next = now
		}
	case periodFixedDelay:
		next = now + t.period
	}
	q.sequence++
	t.deadline = next
	t.sequence = q.sequence
	heap.Push(&q.h, t)
}

func (q *timerQueue) len() int {
	return len(q.h)
}
