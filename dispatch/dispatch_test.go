package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestTimeProviderInterface(t *testing.T) {
	var tp TimeProvider = RealTimeProvider{}

	now := time.Now()
	assert.WithinDuration(t, now, tp.Now(), time.Second)

	fired := make(chan struct{})
	tp.AfterFunc(time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("RealTimeProvider.AfterFunc never fired")
	}
}

func TestGetTimeProvider(t *testing.T) {
	clock := NewManualClock(epoch)
	assert.Equal(t, clock, getTimeProvider(clock))

	SetDefaultTimeProvider(clock)
	defer SetDefaultTimeProvider(nil)
	assert.Equal(t, clock, getTimeProvider(nil))

	SetDefaultTimeProvider(nil)
	assert.Equal(t, RealTimeProvider{}, getTimeProvider(nil))
}

func TestManualClock_FiresInDeadlineOrder(t *testing.T) {
	clock := NewManualClock(epoch)
	var order []int

	clock.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	clock.AfterFunc(1*time.Second, func() {
		order = append(order, 1)
		clock.AfterFunc(time.Second, func() { order = append(order, 2) })
	})
	stopped := clock.AfterFunc(2500*time.Millisecond, func() { order = append(order, 99) })
	assert.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())

	clock.Advance(500 * time.Millisecond)
	assert.Empty(t, order)

	clock.Advance(3 * time.Second)
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, epoch.Add(3500*time.Millisecond), clock.Now())
	assert.Equal(t, 0, clock.Pending())
}

func TestQueue_RunsTasksInOrder(t *testing.T) {
	q := NewQueue("test")
	defer q.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, q.Async(func() { got = append(got, i) }))
	}
	q.Flush()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestQueue_AsyncFromTask(t *testing.T) {
	q := NewQueue("test")
	defer q.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	q.Async(func() {
		q.Async(wg.Done)
	})
	wg.Wait()
}

func TestQueue_Close(t *testing.T) {
	q := NewQueue("test")
	q.Close()
	q.Close()

	assert.True(t, q.Closed())
	assert.False(t, q.Async(func() {}))
	assert.False(t, q.Sync(func() {}))
}

func TestTimeout_FiresOnQueue(t *testing.T) {
	q := NewQueue("test")
	defer q.Close()
	clock := NewManualClock(epoch)

	var fired atomic.Int32
	timeout := AfterFunc(q, clock, time.Second, func() { fired.Add(1) })

	clock.Advance(999 * time.Millisecond)
	q.Flush()
	assert.Equal(t, int32(0), fired.Load())

	clock.Advance(time.Millisecond)
	q.Flush()
	assert.Equal(t, int32(1), fired.Load())
	assert.True(t, timeout.Fired())
}

func TestTimeout_CancelSuppressesQueuedExpiry(t *testing.T) {
	q := NewQueue("test")
	defer q.Close()
	clock := NewManualClock(epoch)

	var fired atomic.Int32
	var timeout *Timeout

	// Block the queue so the cancel is queued ahead of the expiry.
	release := make(chan struct{})
	q.Async(func() { <-release })

	timeout = AfterFunc(q, clock, time.Second, func() { fired.Add(1) })
	q.Async(timeout.Cancel)
	clock.Advance(time.Second)
	close(release)
	q.Flush()

	assert.Equal(t, int32(0), fired.Load())
	assert.False(t, timeout.Fired())

	var nilTimeout *Timeout
	nilTimeout.Cancel()
}

func TestTicker_SuspendResume(t *testing.T) {
	q := NewQueue("test")
	defer q.Close()
	clock := NewManualClock(epoch)

	var ticks atomic.Int32
	ticker := NewTicker(q, clock, 100*time.Millisecond, func() { ticks.Add(1) })
	assert.False(t, ticker.Active())

	step := func(n int) {
		for i := 0; i < n; i++ {
			clock.Advance(ticker.Interval())
			q.Flush()
		}
	}

	step(3)
	assert.Equal(t, int32(0), ticks.Load())

	ticker.Resume()
	ticker.Resume()
	step(3)
	assert.Equal(t, int32(3), ticks.Load())

	ticker.Suspend()
	assert.False(t, ticker.Active())
	step(3)
	assert.Equal(t, int32(3), ticks.Load())

	ticker.Resume()
	step(2)
	assert.Equal(t, int32(5), ticks.Load())
}
