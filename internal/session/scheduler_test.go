package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerEveryStopsOnStop(t *testing.T) {
	s := NewScheduler(7, testLogger())
	var runs atomic.Int64
	var sawGen atomic.Uint64
	s.Every("count", 2*time.Millisecond, func(_ context.Context, gen uint64) {
		sawGen.Store(gen)
		runs.Add(1)
	})

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	s.Stop()
	assert.True(t, s.Stopped())
	assert.Equal(t, uint64(7), sawGen.Load())
	assert.Equal(t, uint64(7), s.Generation())

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load())

	// idempotent
	s.Stop()
}

func TestSchedulerAfterCancelledByStop(t *testing.T) {
	s := NewScheduler(1, testLogger())
	var fired atomic.Bool
	s.After("once", 50*time.Millisecond, func(context.Context, uint64) { fired.Store(true) })
	s.Stop()
	time.Sleep(80 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestSchedulerAfterFiresOnce(t *testing.T) {
	s := NewScheduler(1, testLogger())
	defer s.Stop()
	var runs atomic.Int64
	s.After("once", time.Millisecond, func(context.Context, uint64) { runs.Add(1) })
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int64(1), runs.Load())
}

func TestSchedulerJobsDoNotOverlap(t *testing.T) {
	s := NewScheduler(1, testLogger())
	var running, overlaps, runs atomic.Int64
	s.Every("slow", time.Millisecond, func(context.Context, uint64) {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		runs.Add(1)
	})
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	s.Stop()
	assert.Zero(t, overlaps.Load())
}

func TestSchedulerStopCancelsJobContext(t *testing.T) {
	s := NewScheduler(1, testLogger())
	started := make(chan struct{})
	var cancelled atomic.Bool
	s.Every("blocking", time.Millisecond, func(ctx context.Context, _ uint64) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		cancelled.Store(true)
	})
	<-started
	s.Stop()
	assert.True(t, cancelled.Load())
}

func TestSchedulerIgnoresNewJobsAfterStop(t *testing.T) {
	s := NewScheduler(1, testLogger())
	s.Stop()
	var fired atomic.Bool
	s.Every("late", time.Millisecond, func(context.Context, uint64) { fired.Store(true) })
	s.After("late-once", time.Millisecond, func(context.Context, uint64) { fired.Store(true) })
	time.Sleep(10 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestSchedulerPanicsOnBadInterval(t *testing.T) {
	s := NewScheduler(1, testLogger())
	defer s.Stop()
	assert.PanicsWithValue(t, "Scheduler: interval must be > 0", func() {
		s.Every("bad", 0, func(context.Context, uint64) {})
	})
}
