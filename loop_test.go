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

func newRunningLoop(t *testing.T, opts ...LoopOption) (*Loop, func()) {
	t.Helper()
	l, err := NewLoop(opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return l.State() == StateRunning }, time.Second, time.Millisecond)

	return l, func() {
		cancel()
		select {
		case <-runDone:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not exit after context cancellation")
		}
	}
}

// Scenario 1: wake from park.
func TestLoop_WakeFromPark(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	require.Eventually(t, func() bool { return !l.wake.IsAwake() }, time.Second, time.Millisecond)

	done := make(chan struct{})
	start := time.Now()
	require.NoError(t, l.Execute(func() { close(done) }))

	select {
	case <-done:
		assert.Less(t, time.Since(start), 200*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("task submitted from foreign goroutine never ran")
	}
}

// Scenario 4: scheduled ordering — ties broken by submission sequence.
func TestLoop_ScheduledOrdering(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	_, err := l.Schedule(100*time.Millisecond, record("A"))
	require.NoError(t, err)
	_, err = l.Schedule(50*time.Millisecond, record("B"))
	require.NoError(t, err)
	_, err = l.Schedule(50*time.Millisecond, record("C"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"B", "C", "A"}, order)
}

// Scenario 4 variant: a fixed-rate task fires repeatedly and stops firing
// once cancelled.
func TestLoop_ScheduleAtFixedRate(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	var count atomic.Int64
	handle, err := l.ScheduleAtFixedRate(5*time.Millisecond, 5*time.Millisecond, func() {
		count.Add(1)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return count.Load() >= 3 }, time.Second, time.Millisecond)
	handle.Cancel()

	n := count.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, count.Load(), "cancelled periodic task kept firing")
}

// Boundary: ioRatio=100 must not starve tasks.
func TestLoop_IORatio100DoesNotStarveTasks(t *testing.T) {
	l, stop := newRunningLoop(t, WithIORatio(100))
	defer stop()

	done := make(chan struct{})
	require.NoError(t, l.Execute(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task starved under ioRatio=100")
	}
}

// Boundary: queue at capacity is rejected synchronously.
func TestLoop_QueueFullRejectsSynchronously(t *testing.T) {
	l, err := NewLoop(WithMaxPendingTasks(1), WithRejectionPolicy(RejectPolicy))
	require.NoError(t, err)

	block := make(chan struct{})
	require.NoError(t, l.Execute(func() { <-block }))

	err = l.Execute(func() {})
	require.Error(t, err)
	var rejErr *RejectionError
	assert.ErrorAs(t, err, &rejErr)
	close(block)
}

// Boundary: the rejection policy is applied to tasks submitted after the
// loop has terminated.
func TestLoop_RejectionAfterTermination(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- l.Run(ctx) }()
	require.Eventually(t, func() bool { return l.State() == StateRunning }, time.Second, time.Millisecond)

	_, err = l.ShutdownGracefully(context.Background(), 0, 0)
	require.NoError(t, err)

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not terminate")
	}

	err = l.Execute(func() {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoopTerminated)
}

// Scenario 6: graceful shutdown honours the quiet period.
func TestLoop_GracefulShutdownQuietPeriod(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- l.Run(ctx) }()
	require.Eventually(t, func() bool { return l.State() == StateRunning }, time.Second, time.Millisecond)

	start := time.Now()
	future, err := l.ShutdownGracefully(context.Background(), 50*time.Millisecond, time.Second)
	require.NoError(t, err)

	_, err = future.Await()
	require.NoError(t, err)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond)

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after termination")
	}
	assert.True(t, l.IsTerminated())
}

// Scenario 6 variant: continuous task submission delays termination
// until the hard timeout.
func TestLoop_GracefulShutdownHardTimeout(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()
	require.Eventually(t, func() bool { return l.State() == StateRunning }, time.Second, time.Millisecond)

	stopSpam := make(chan struct{})
	go func() {
		for {
			select {
			case <-stopSpam:
				return
			default:
				_ = l.Execute(func() {})
				time.Sleep(time.Millisecond)
			}
		}
	}()
	defer close(stopSpam)

	start := time.Now()
	future, err := l.ShutdownGracefully(context.Background(), 100*time.Millisecond, 300*time.Millisecond)
	require.NoError(t, err)

	_, err = future.Await()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

// Double-shutdown is idempotent and returns the same future.
func TestLoop_ShutdownIdempotent(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	f1, err := l.ShutdownGracefully(context.Background(), 0, 0)
	require.NoError(t, err)
	f2, err := l.ShutdownGracefully(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Same(t, f1, f2)

	_, err = f1.Await()
	require.NoError(t, err)
}

func TestLoop_RunRejectsReentrantAndConcurrent(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	err := l.Run(context.Background())
	require.ErrorIs(t, err, ErrLoopAlreadyRunning)

	done := make(chan struct{})
	require.NoError(t, l.Execute(func() {
		defer close(done)
		assert.ErrorIs(t, l.Run(context.Background()), ErrReentrantRun)
	}))
	<-done
}

func TestLoop_Metrics(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	done := make(chan struct{})
	require.NoError(t, l.Execute(func() { close(done) }))
	<-done

	require.Eventually(t, func() bool {
		return l.Metrics().TickCount > 0
	}, time.Second, time.Millisecond)
}
