package reactorloop

import (
	"sync"
	"time"
)

// LoopMetrics is a point-in-time snapshot of a single [Loop]'s counters,
// per spec §6 Observability ("pendingTasks, registeredChannels,
// selectCountSinceReset, rebuildCount") plus per-tick latency percentiles
// grounded on the teacher's P² streaming estimator (psquare.go),
// repurposed here to track cycle latency rather than JS-promise latency.
type LoopMetrics struct {
	PendingTasks          int
	RegisteredChannels    int
	SelectCountSinceReset int64
	RebuildCount          int64
	TickCount             int64
	TickLatencyP50        time.Duration
	TickLatencyP90        time.Duration
	TickLatencyP99        time.Duration
}

// GroupMetrics aggregates [LoopMetrics] across every loop in a [LoopGroup].
type GroupMetrics struct {
	Loops              []LoopMetrics
	PendingTasks       int
	RegisteredChannels int
	RebuildCount       int64
}

// loopMetrics is the mutable, thread-safe holder backing [Loop.Metrics]:
// the run loop is the sole writer (once per cycle), while Metrics may be
// called from any goroutine.
type loopMetrics struct {
	mu   sync.Mutex
	tick *pSquareMultiQuantile
}

func newLoopMetrics() *loopMetrics {
	return &loopMetrics{tick: newPSquareMultiQuantile(0.5, 0.9, 0.99)}
}

func (m *loopMetrics) observeTick(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tick.Update(float64(d))
}

func (m *loopMetrics) snapshot() (p50, p90, p99 time.Duration, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.tick.Quantile(0)),
		time.Duration(m.tick.Quantile(1)),
		time.Duration(m.tick.Quantile(2)),
		int64(m.tick.Count())
}
