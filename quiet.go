package optracez

import "time"

// QuietWindowProcessor detects the first quiet window after an operation
// completed. The engine feeds it every span recorded while waiting for
// interactive and polls it at NextCheck.
type QuietWindowProcessor interface {
	// ProcessEntry inspects a span. It returns the item whose end marks the
	// start of a quiet window once one has been observed.
	ProcessEntry(item *SpanAndAnnotation) (*SpanAndAnnotation, bool)
	// CheckQuietWindow reports a quiet window that has elapsed by now.
	CheckQuietWindow(now time.Duration) (*SpanAndAnnotation, bool)
	// NextCheck is the earliest monotonic time a quiet window can be reached.
	NextCheck() time.Duration
}

// HeavySpanThreshold is the duration from which a span counts as blocking.
const HeavySpanThreshold = 50 * time.Millisecond

// QuietWindowDetector is a minimal QuietWindowProcessor: idle begins at the
// end of the last blocking span (a long task, or any span lasting at least
// HeavySpanThreshold) once window has passed without another one.
type QuietWindowDetector struct {
	last   *SpanAndAnnotation
	window time.Duration
}

// NewQuietWindowDetector seeds a detector with the complete span.
func NewQuietWindowDetector(seed *SpanAndAnnotation, window time.Duration) *QuietWindowDetector {
	if window <= 0 {
		window = DefaultQuietWindow
	}
	return &QuietWindowDetector{last: seed, window: window}
}

func (d *QuietWindowDetector) lastEnd() time.Duration {
	if d.last == nil {
		return 0
	}
	return d.last.Span.End()
}

// ProcessEntry implements QuietWindowProcessor.
func (d *QuietWindowDetector) ProcessEntry(item *SpanAndAnnotation) (*SpanAndAnnotation, bool) {
	s := item.Span
	if s.StartTime.Now-d.lastEnd() >= d.window {
		return d.last, true
	}
	heavy := s.Type == SpanTypeLongTask || s.Duration >= HeavySpanThreshold
	if heavy && s.End() > d.lastEnd() {
		d.last = item
	}
	return nil, false
}

// CheckQuietWindow implements QuietWindowProcessor.
func (d *QuietWindowDetector) CheckQuietWindow(now time.Duration) (*SpanAndAnnotation, bool) {
	if now-d.lastEnd() >= d.window {
		return d.last, true
	}
	return nil, false
}

// NextCheck implements QuietWindowProcessor.
func (d *QuietWindowDetector) NextCheck() time.Duration {
	return d.lastEnd() + d.window
}
