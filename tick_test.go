package optracez

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTickResolver() (*ManualLoop, *TickResolver) {
	loop := NewManualLoop()
	n := 0
	return loop, NewTickResolver(loop, func() string {
		n++
		return "tick-" + strconv.Itoa(n)
	})
}

func TestTickGroupsSpansOfOneTurn(t *testing.T) {
	loop, r := newTestTickResolver()

	a := &Span{ID: "a"}
	b := &Span{ID: "b"}
	tick := r.Add(a)
	assert.Same(t, tick, r.Add(b))
	assert.Equal(t, "tick-1", a.TickID)
	assert.Equal(t, "tick-1", b.TickID)
	assert.False(t, tick.Completed())

	loop.Flush()
	assert.True(t, tick.Completed())

	c := &Span{ID: "c"}
	next := r.Add(c)
	assert.NotSame(t, tick, next)
	assert.Equal(t, "tick-2", c.TickID)
	assert.Len(t, tick.Spans(), 2, "a completed tick never changes")
}

func TestTickStaysOpenForWorkDeferredInTheSameTurn(t *testing.T) {
	loop, r := newTestTickResolver()

	first := r.Add(&Span{ID: "a"})
	var late *Tick
	loop.Defer(func() { late = r.Add(&Span{ID: "b"}) })
	loop.Flush()

	require.NotNil(t, late)
	assert.Same(t, first, late)
	assert.True(t, first.Completed())
}

func TestTickCreatedAndEndedSpans(t *testing.T) {
	_, r := newTestTickResolver()

	start := &Span{ID: "start", IsStartHalf: true}
	end := &Span{ID: "end", StartSpanID: "start"}
	whole := &Span{ID: "whole"}
	tick := r.Add(start)
	r.Add(end)
	r.Add(whole)

	ids := func(spans []*Span) []string {
		out := make([]string, len(spans))
		for i, s := range spans {
			out[i] = s.ID
		}
		return out
	}
	assert.Equal(t, []string{"start", "end", "whole"}, ids(tick.Spans()))
	assert.Equal(t, []string{"start", "whole"}, ids(tick.CreatedSpans()))
	assert.Equal(t, []string{"end", "whole"}, ids(tick.EndedSpans()))
}
