package optracez

import (
	"fmt"
	"time"
)

// DeduplicationStrategy collapses repeated reports of the same span within a
// trace. A fresh strategy is created for every trace.
type DeduplicationStrategy interface {
	// Key identifies spans that may be duplicates of each other. Spans for
	// which ok is false are never deduplicated.
	Key(span *Span) (key string, ok bool)
	// IsDuplicate reports whether incoming repeats existing.
	IsDuplicate(existing, incoming *Span) bool
	// SelectPreferredSpan picks the span kept for a duplicate pair.
	SelectPreferredSpan(existing, incoming *Span) *Span
}

// EntryDeduplication treats spans derived from the same performance entry as
// duplicates. Entries are the same when name, entry type and start time agree;
// start times within Window of each other also count as the same.
type EntryDeduplication struct {
	Window      time.Duration
	PreferNewer bool
}

// NewEntryDeduplicationStrategy returns a factory suitable for
// WithDeduplicationStrategy.
func NewEntryDeduplicationStrategy(window time.Duration, preferNewer bool) func() DeduplicationStrategy {
	return func() DeduplicationStrategy {
		return &EntryDeduplication{Window: window, PreferNewer: preferNewer}
	}
}

// Key implements DeduplicationStrategy.
func (d *EntryDeduplication) Key(span *Span) (string, bool) {
	e := span.PerformanceEntry
	if e == nil {
		return "", false
	}
	if d.Window > 0 {
		return fmt.Sprintf("%s|%s", e.EntryType, e.Name), true
	}
	return fmt.Sprintf("%s|%s|%d", e.EntryType, e.Name, e.StartTime), true
}

// IsDuplicate implements DeduplicationStrategy.
func (d *EntryDeduplication) IsDuplicate(existing, incoming *Span) bool {
	a, b := existing.PerformanceEntry, incoming.PerformanceEntry
	if a == nil || b == nil {
		return false
	}
	delta := a.StartTime - b.StartTime
	if delta < 0 {
		delta = -delta
	}
	return delta <= d.Window
}

// SelectPreferredSpan implements DeduplicationStrategy. Unless PreferNewer is
// set the longer span wins, the existing one on ties.
func (d *EntryDeduplication) SelectPreferredSpan(existing, incoming *Span) *Span {
	if d.PreferNewer || incoming.Duration > existing.Duration {
		return incoming
	}
	return existing
}
