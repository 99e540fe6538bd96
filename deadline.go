package optracez

import "time"

// DeadlineKind names one of the layered trace deadlines.
type DeadlineKind string

// Deadline kinds. Global can fire in any non-terminal state and always wins.
const (
	DeadlineGlobal          DeadlineKind = "global"
	DeadlineDebounce        DeadlineKind = "debounce"
	DeadlineInteractive     DeadlineKind = "interactive"
	DeadlineNextQuietWindow DeadlineKind = "next-quiet-window"
)

// deadlineOrder is the precedence used when several deadlines are due.
var deadlineOrder = [...]DeadlineKind{
	DeadlineGlobal,
	DeadlineDebounce,
	DeadlineInteractive,
	DeadlineNextQuietWindow,
}

// deadlines keeps at most one timer per trace, always programmed for the
// earliest pending deadline plus deadlineBuffer.
type deadlines struct {
	sched  Scheduler
	at     map[DeadlineKind]time.Duration
	stop   func() bool
	onFire func(DeadlineKind)
	gen    uint64
}

func newDeadlines(sched Scheduler, onFire func(DeadlineKind)) *deadlines {
	return &deadlines{
		sched:  sched,
		at:     make(map[DeadlineKind]time.Duration, len(deadlineOrder)),
		onFire: onFire,
	}
}

// get returns the deadline of kind, if set.
func (d *deadlines) get(kind DeadlineKind) (time.Duration, bool) {
	at, ok := d.at[kind]
	return at, ok
}

// set replaces the deadline of kind and reprograms the timer.
func (d *deadlines) set(kind DeadlineKind, at time.Duration) {
	d.at[kind] = at
	d.program()
}

// clear removes the deadline of kind.
func (d *deadlines) clear(kind DeadlineKind) {
	if _, ok := d.at[kind]; !ok {
		return
	}
	delete(d.at, kind)
	d.program()
}

// clearAll cancels every deadline and the outstanding timer.
func (d *deadlines) clearAll() {
	for k := range d.at {
		delete(d.at, k)
	}
	d.cancel()
}

func (d *deadlines) cancel() {
	d.gen++
	if d.stop != nil {
		d.stop()
		d.stop = nil
	}
}

func (d *deadlines) program() {
	d.cancel()
	if len(d.at) == 0 {
		return
	}
	earliest := time.Duration(-1)
	for _, at := range d.at {
		if earliest < 0 || at < earliest {
			earliest = at
		}
	}
	delay := earliest - d.sched.Now().Now + deadlineBuffer
	if delay < 0 {
		delay = 0
	}
	gen := d.gen
	d.stop = d.sched.AfterFunc(delay, func() { d.fire(gen) })
}

// due returns the highest-precedence deadline that has passed.
func (d *deadlines) due(now time.Duration) (DeadlineKind, bool) {
	for _, kind := range deadlineOrder {
		if at, ok := d.at[kind]; ok && now >= at {
			return kind, true
		}
	}
	return "", false
}

func (d *deadlines) fire(gen uint64) {
	if gen != d.gen {
		return
	}
	d.stop = nil
	kind, ok := d.due(d.sched.Now().Now)
	if !ok {
		d.program()
		return
	}
	delete(d.at, kind)
	d.onFire(kind)
	if d.stop == nil && len(d.at) > 0 {
		d.program()
	}
}
