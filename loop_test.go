package optracez

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

func TestManualLoopFiresTimersInOrder(t *testing.T) {
	loop := NewManualLoop()
	var fired []string

	loop.AfterFunc(ms(30), func() { fired = append(fired, "c") })
	loop.AfterFunc(ms(10), func() { fired = append(fired, "a") })
	loop.AfterFunc(ms(10), func() { fired = append(fired, "b") })
	stop := loop.AfterFunc(ms(20), func() { fired = append(fired, "cancelled") })

	assert.True(t, stop())
	assert.False(t, stop())
	assert.Equal(t, 3, loop.PendingTimers())

	loop.Advance(ms(15))
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, ms(15), loop.Now().Now)

	loop.AdvanceTo(ms(30))
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Zero(t, loop.PendingTimers())
}

func TestManualLoopTimerSeesItsDeadline(t *testing.T) {
	loop := NewManualLoop()
	var at time.Duration
	loop.AfterFunc(ms(40), func() { at = loop.Now().Now })
	loop.Advance(time.Second)
	assert.Equal(t, ms(40), at)
	assert.Equal(t, time.Second, loop.Now().Now)
}

func TestManualLoopDeferRunsOnFlush(t *testing.T) {
	loop := NewManualLoop()
	var order []int
	loop.Defer(func() {
		order = append(order, 1)
		loop.Defer(func() { order = append(order, 3) })
	})
	loop.Defer(func() { order = append(order, 2) })
	assert.Empty(t, order)

	loop.Flush()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestManualLoopTimersScheduledWhileAdvancing(t *testing.T) {
	loop := NewManualLoop()
	var fired []time.Duration
	loop.AfterFunc(ms(10), func() {
		fired = append(fired, loop.Now().Now)
		loop.AfterFunc(ms(5), func() { fired = append(fired, loop.Now().Now) })
	})
	loop.Advance(ms(100))
	assert.Equal(t, []time.Duration{ms(10), ms(15)}, fired)
}

func TestManualLoopTimestampCarriesEpoch(t *testing.T) {
	clock := clockz.NewFakeClock()
	loop := NewManualLoopWithClock(clock)
	origin := clock.Now()

	loop.Advance(ms(250))
	now := loop.Now()
	assert.Equal(t, ms(250), now.Now)
	assert.True(t, now.Epoch.Equal(origin.Add(ms(250))))
	assert.Same(t, clock, loop.Clock())
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	loop := NewLoop(clockz.RealClock)
	defer loop.Close()

	var order []int
	for i := 0; i < 5; i++ {
		n := i
		loop.Post(func() { order = append(order, n) })
	}
	loop.Do(func() {})
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLoopAfterFuncRunsOnLoop(t *testing.T) {
	loop := NewLoop(clockz.RealClock)
	defer loop.Close()

	done := make(chan time.Duration, 1)
	loop.AfterFunc(5*time.Millisecond, func() { done <- loop.Now().Now })

	select {
	case at := <-done:
		assert.GreaterOrEqual(t, at, 5*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestLoopRecoversPanics(t *testing.T) {
	loop := NewLoop(clockz.RealClock)
	defer loop.Close()

	var recovered atomic.Value
	loop.SetPanicHook(func(r interface{}) { recovered.Store(r) })
	loop.Post(func() { panic("boom") })

	ran := false
	loop.Do(func() { ran = true })
	assert.True(t, ran, "loop keeps running after a panic")
	assert.Equal(t, "boom", recovered.Load())
}

func TestLoopDropsWorkAfterClose(t *testing.T) {
	loop := NewLoop(clockz.RealClock)
	loop.Close()
	loop.Close()

	ran := false
	loop.Do(func() { ran = true })
	assert.False(t, ran)
}

func TestLoopCloseGivesUpOnStuckTaskByClock(t *testing.T) {
	clock := clockz.NewFakeClock()
	loop := NewLoop(clock)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	loop.Post(func() {
		close(started)
		<-release
	})
	<-started

	closed := make(chan struct{})
	go func() {
		loop.Close()
		close(closed)
	}()

	require.Eventually(t, clock.HasWaiters, time.Second, time.Millisecond, "Close waits on the loop clock")
	select {
	case <-closed:
		t.Fatal("Close returned before the clock moved")
	default:
	}

	clock.Advance(closeWait)
	clock.BlockUntilReady()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close still waiting after the clock passed the wait")
	}
}
