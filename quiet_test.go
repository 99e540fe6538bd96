package optracez

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuietWindowDetector(t *testing.T) {
	seed := timed("ticket-loaded", 0, 100)
	d := NewQuietWindowDetector(seed, 0)
	assert.Equal(t, ms(2100), d.NextCheck(), "the default window applies")

	_, quiet := d.ProcessEntry(timed("tooltip", 500, 510))
	assert.False(t, quiet)
	assert.Equal(t, ms(2100), d.NextCheck(), "light spans do not move the window")

	heavy := timed("layout", 600, 660)
	_, quiet = d.ProcessEntry(heavy)
	assert.False(t, quiet)
	assert.Equal(t, ms(2660), d.NextCheck())

	task := timed("script", 700, 710, withSpanType(SpanTypeLongTask))
	d.ProcessEntry(task)
	assert.Equal(t, ms(2710), d.NextCheck(), "long tasks are blocking whatever their duration")

	_, quiet = d.CheckQuietWindow(ms(2709))
	assert.False(t, quiet)
	idle, quiet := d.CheckQuietWindow(ms(2710))
	assert.True(t, quiet)
	assert.Same(t, task, idle)
}

func TestQuietWindowObservedBySpanGap(t *testing.T) {
	seed := timed("ticket-loaded", 0, 100)
	d := NewQuietWindowDetector(seed, ms(300))

	idle, quiet := d.ProcessEntry(timed("late", 450, 460))
	assert.True(t, quiet)
	assert.Same(t, seed, idle)
}

func TestQuietWindowIgnoresEarlierHeavySpans(t *testing.T) {
	seed := timed("ticket-loaded", 0, 500)
	d := NewQuietWindowDetector(seed, ms(300))
	d.ProcessEntry(timed("old", 100, 400))
	assert.Equal(t, ms(800), d.NextCheck())
}

func withSpanType(t SpanType) func(*Span) {
	return func(s *Span) { s.Type = t }
}
