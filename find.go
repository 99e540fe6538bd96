package optracez

// FindOverrides replace a matcher's own selection tags for one lookup.
type FindOverrides struct {
	NthMatch               *int
	LowestIndexToConsider  *int
	HighestIndexToConsider *int
}

// FindMatchingSpan returns the item selected by m within items, or nil.
//
// A nil or non-negative NthMatch scans forward from the low bound and returns
// the NthMatch-th match (0-based, the first when unset), stopping as soon as
// it is reached. A negative NthMatch scans backward from the high bound: -1 is
// the last match, -2 the one before it. Selecting past the available matches
// yields nil.
func FindMatchingSpan(m *Matcher, items []*SpanAndAnnotation, ctx TraceContext, overrides *FindOverrides) *SpanAndAnnotation {
	idx := FindMatchingSpanIndex(m, items, ctx, overrides)
	if idx < 0 {
		return nil
	}
	return items[idx]
}

// FindMatchingSpanIndex is FindMatchingSpan returning the index, or -1.
func FindMatchingSpanIndex(m *Matcher, items []*SpanAndAnnotation, ctx TraceContext, overrides *FindOverrides) int {
	if m == nil || len(items) == 0 {
		return -1
	}

	nth := m.Tags.NthMatch
	low := 0
	if m.Tags.LowestIndexToConsider != nil {
		low = *m.Tags.LowestIndexToConsider
	}
	high := len(items) - 1
	if m.Tags.HighestIndexToConsider != nil {
		high = *m.Tags.HighestIndexToConsider
	}
	if overrides != nil {
		if overrides.NthMatch != nil {
			nth = overrides.NthMatch
		}
		if overrides.LowestIndexToConsider != nil {
			low = *overrides.LowestIndexToConsider
		}
		if overrides.HighestIndexToConsider != nil {
			high = *overrides.HighestIndexToConsider
		}
	}
	if low < 0 {
		low = 0
	}
	if high > len(items)-1 {
		high = len(items) - 1
	}

	if nth == nil || *nth >= 0 {
		target := 0
		if nth != nil {
			target = *nth
		}
		count := 0
		for i := low; i <= high; i++ {
			if !m.Matches(items[i], ctx) {
				continue
			}
			if count == target {
				return i
			}
			count++
		}
		return -1
	}

	count := -1
	for i := high; i >= low; i-- {
		if !m.Matches(items[i], ctx) {
			continue
		}
		if count == *nth {
			return i
		}
		count--
	}
	return -1
}
