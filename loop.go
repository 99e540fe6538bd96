package optracez

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
)

// Scheduler is the single-threaded host the engine runs on.
type Scheduler interface {
	// Now returns the current time; Now.Now is monotonic from the scheduler origin.
	Now() Timestamp
	// AfterFunc runs f on the scheduler thread once d has elapsed. The returned
	// function cancels it and reports whether it was still pending.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
	// Defer runs f on the scheduler thread after the current task.
	Defer(f func())
}

// closeWait bounds how long Close waits for a running task.
const closeWait = 100 * time.Millisecond

// Loop runs tasks one at a time on a dedicated goroutine. Timers come from a
// clockz clock and post their callbacks into the loop.
// Post, Do and Close are safe for concurrent use.
//
//nolint:govet // Field order optimized for readability
type Loop struct {
	clock     clockz.Clock
	origin    time.Time
	queue     []func()
	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	panicHook func(r interface{})
	mu        sync.Mutex
	closed    atomic.Bool
}

// NewLoop starts a loop on clock.
func NewLoop(clock clockz.Clock) *Loop {
	l := &Loop{
		clock:  clock,
		origin: clock.Now(),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// SetPanicHook sets a function called when a task panics.
func (l *Loop) SetPanicHook(hook func(r interface{})) {
	l.panicHook = hook
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			l.drain()
			return
		case <-l.wake:
			l.drain()
		}
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()
		l.safeRun(task)
	}
}

func (l *Loop) safeRun(task func()) {
	defer func() {
		if r := recover(); r != nil && l.panicHook != nil {
			l.panicHook(r)
		}
	}()
	task()
}

// Post queues f. Tasks posted after Close are dropped.
func (l *Loop) Post(f func()) {
	if l.closed.Load() {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, f)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs f on the loop and waits for it. Never call Do from a loop task.
func (l *Loop) Do(f func()) {
	if l.closed.Load() {
		return
	}
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		f()
	})
	select {
	case <-finished:
	case <-l.done:
	}
}

// Now implements Scheduler.
func (l *Loop) Now() Timestamp {
	t := l.clock.Now()
	return Timestamp{Epoch: t, Now: t.Sub(l.origin)}
}

// Defer implements Scheduler.
func (l *Loop) Defer(f func()) {
	l.Post(f)
}

// AfterFunc implements Scheduler.
func (l *Loop) AfterFunc(d time.Duration, f func()) func() bool {
	timer := l.clock.AfterFunc(d, func() { l.Post(f) })
	return timer.Stop
}

// Close stops the loop after running the tasks already queued.
func (l *Loop) Close() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	close(l.stop)
	select {
	case <-l.done:
	case <-l.clock.After(closeWait):
		// A task is stuck; give up waiting.
	}
}

// ManualLoop is a deterministic Scheduler for tests and replays. Time only
// moves through Advance; deferred work only runs through Flush or Advance.
// It must be driven from a single goroutine.
type ManualLoop struct {
	clock    *clockz.FakeClock
	origin   time.Time
	deferred []func()
	timers   []*manualTimer
	seq      uint64
}

type manualTimer struct {
	f   func()
	at  time.Duration
	seq uint64
}

// NewManualLoop creates a manual loop on a fresh fake clock.
func NewManualLoop() *ManualLoop {
	return NewManualLoopWithClock(clockz.NewFakeClock())
}

// NewManualLoopWithClock creates a manual loop on clock. The loop origin is
// the clock's current time.
func NewManualLoopWithClock(clock *clockz.FakeClock) *ManualLoop {
	return &ManualLoop{clock: clock, origin: clock.Now()}
}

// Clock returns the fake clock behind the loop.
func (l *ManualLoop) Clock() *clockz.FakeClock {
	return l.clock
}

// Now implements Scheduler.
func (l *ManualLoop) Now() Timestamp {
	t := l.clock.Now()
	return Timestamp{Epoch: t, Now: t.Sub(l.origin)}
}

// Defer implements Scheduler.
func (l *ManualLoop) Defer(f func()) {
	l.deferred = append(l.deferred, f)
}

// AfterFunc implements Scheduler.
func (l *ManualLoop) AfterFunc(d time.Duration, f func()) func() bool {
	if d < 0 {
		d = 0
	}
	l.seq++
	t := &manualTimer{f: f, at: l.Now().Now + d, seq: l.seq}
	l.timers = append(l.timers, t)
	return func() bool {
		for i, other := range l.timers {
			if other == t {
				l.timers = append(l.timers[:i], l.timers[i+1:]...)
				return true
			}
		}
		return false
	}
}

// PendingTimers returns the number of timers not yet fired.
func (l *ManualLoop) PendingTimers() int {
	return len(l.timers)
}

// Flush runs deferred work, including work deferred while flushing.
func (l *ManualLoop) Flush() {
	for len(l.deferred) > 0 {
		task := l.deferred[0]
		l.deferred[0] = nil
		l.deferred = l.deferred[1:]
		task()
	}
}

// Advance moves time forward by d, firing due timers in deadline order and
// flushing deferred work after each.
func (l *ManualLoop) Advance(d time.Duration) {
	l.AdvanceTo(l.Now().Now + d)
}

// AdvanceTo moves time forward to the monotonic offset target.
func (l *ManualLoop) AdvanceTo(target time.Duration) {
	l.Flush()
	for {
		next := l.nextTimer(target)
		if next == nil {
			break
		}
		l.moveTo(next.at)
		for i, t := range l.timers {
			if t == next {
				l.timers = append(l.timers[:i], l.timers[i+1:]...)
				break
			}
		}
		next.f()
		l.Flush()
	}
	l.moveTo(target)
	l.Flush()
}

func (l *ManualLoop) nextTimer(limit time.Duration) *manualTimer {
	var next *manualTimer
	for _, t := range l.timers {
		if t.at > limit {
			continue
		}
		if next == nil || t.at < next.at || (t.at == next.at && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

func (l *ManualLoop) moveTo(at time.Duration) {
	if delta := at - l.Now().Now; delta > 0 {
		l.clock.Advance(delta)
	}
}
