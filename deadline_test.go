package optracez

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type firing struct {
	kind DeadlineKind
	at   time.Duration
}

func newTestDeadlines() (*ManualLoop, *deadlines, *[]firing) {
	loop := NewManualLoop()
	fired := &[]firing{}
	d := newDeadlines(loop, func(kind DeadlineKind) {
		*fired = append(*fired, firing{kind: kind, at: loop.Now().Now})
	})
	return loop, d, fired
}

func TestDeadlinesFireAfterTheBuffer(t *testing.T) {
	loop, d, fired := newTestDeadlines()
	d.set(DeadlineGlobal, ms(100))

	loop.AdvanceTo(ms(100))
	assert.Empty(t, *fired, "a deadline never fires before the clock passed it")

	loop.AdvanceTo(ms(101))
	assert.Equal(t, []firing{{DeadlineGlobal, ms(101)}}, *fired)
}

func TestDeadlinesUseOneTimer(t *testing.T) {
	loop, d, fired := newTestDeadlines()
	d.set(DeadlineGlobal, ms(1000))
	d.set(DeadlineDebounce, ms(50))
	d.set(DeadlineDebounce, ms(80))
	assert.Equal(t, 1, loop.PendingTimers())

	loop.AdvanceTo(ms(2000))
	assert.Equal(t, []firing{{DeadlineDebounce, ms(81)}, {DeadlineGlobal, ms(1001)}}, *fired)
}

func TestDeadlinesPrecedence(t *testing.T) {
	loop, d, fired := newTestDeadlines()
	d.set(DeadlineNextQuietWindow, ms(100))
	d.set(DeadlineInteractive, ms(100))
	d.set(DeadlineDebounce, ms(100))
	d.set(DeadlineGlobal, ms(100))

	loop.AdvanceTo(ms(200))
	var kinds []DeadlineKind
	for _, f := range *fired {
		kinds = append(kinds, f.kind)
	}
	assert.Equal(t, []DeadlineKind{
		DeadlineGlobal, DeadlineDebounce, DeadlineInteractive, DeadlineNextQuietWindow,
	}, kinds)
}

func TestDeadlinesClear(t *testing.T) {
	loop, d, fired := newTestDeadlines()
	d.set(DeadlineDebounce, ms(10))
	d.clear(DeadlineDebounce)
	d.clear(DeadlineInteractive)
	_, ok := d.get(DeadlineDebounce)
	assert.False(t, ok)

	d.set(DeadlineGlobal, ms(20))
	d.set(DeadlineInteractive, ms(30))
	d.clearAll()
	assert.Zero(t, loop.PendingTimers())

	loop.AdvanceTo(ms(100))
	assert.Empty(t, *fired)
}

func TestDeadlinesStaleTimerIsIgnored(t *testing.T) {
	loop, d, fired := newTestDeadlines()
	d.set(DeadlineGlobal, ms(10))
	stale := d.gen
	d.set(DeadlineGlobal, ms(50))

	d.fire(stale)
	assert.Empty(t, *fired)

	loop.AdvanceTo(ms(51))
	assert.Equal(t, []firing{{DeadlineGlobal, ms(51)}}, *fired)
}

func TestDeadlineHandlerMayRearm(t *testing.T) {
	loop := NewManualLoop()
	var d *deadlines
	var fired []time.Duration
	d = newDeadlines(loop, func(kind DeadlineKind) {
		fired = append(fired, loop.Now().Now)
		if len(fired) < 3 {
			d.set(kind, loop.Now().Now+ms(10))
		}
	})
	d.set(DeadlineNextQuietWindow, ms(10))

	loop.AdvanceTo(ms(100))
	assert.Equal(t, []time.Duration{ms(11), ms(22), ms(33)}, fired)
}
