package optracez

import (
	"reflect"
	"regexp"
)

// TraceContext is what a matcher may see of the trace it is evaluated in.
// Matchers receive a nil TraceContext when evaluated outside of a trace.
type TraceContext interface {
	TraceID() string
	Definition() *TraceDefinition
	Input() *TraceInput
	RecordedItems() []*SpanAndAnnotation
}

// SpanMatchFn is the predicate behind a Matcher.
type SpanMatchFn func(item *SpanAndAnnotation, ctx TraceContext) bool

// MatcherTags carry selection metadata alongside the predicate.
type MatcherTags struct {
	NthMatch                *int
	LowestIndexToConsider   *int
	HighestIndexToConsider  *int
	ContinueWithErrorStatus bool
	IdleCheck               bool
	RequiredSpan            bool
}

func (t MatcherTags) merge(o MatcherTags) MatcherTags {
	if o.NthMatch != nil {
		t.NthMatch = o.NthMatch
	}
	if o.LowestIndexToConsider != nil {
		t.LowestIndexToConsider = o.LowestIndexToConsider
	}
	if o.HighestIndexToConsider != nil {
		t.HighestIndexToConsider = o.HighestIndexToConsider
	}
	t.ContinueWithErrorStatus = t.ContinueWithErrorStatus || o.ContinueWithErrorStatus
	t.IdleCheck = t.IdleCheck || o.IdleCheck
	t.RequiredSpan = t.RequiredSpan || o.RequiredSpan
	return t
}

// Matcher is a span predicate plus selection tags. Definition records the
// declarative form it was built from; it never affects matching.
type Matcher struct {
	fn         SpanMatchFn
	Tags       MatcherTags
	Definition *MatchDefinition
}

// NewMatcher wraps fn as a Matcher.
func NewMatcher(fn SpanMatchFn) *Matcher {
	return &Matcher{fn: fn, Definition: &MatchDefinition{Fn: fn}}
}

// Matches evaluates the predicate. A nil Matcher matches nothing.
func (m *Matcher) Matches(item *SpanAndAnnotation, ctx TraceContext) bool {
	if m == nil || m.fn == nil || item == nil || item.Span == nil {
		return false
	}
	return m.fn(item, ctx)
}

func (m *Matcher) withTags(tags MatcherTags) *Matcher {
	return &Matcher{fn: m.fn, Tags: m.Tags.merge(tags), Definition: m.Definition}
}

func always(*SpanAndAnnotation, TraceContext) bool { return true }

func intPtr(n int) *int { return &n }

func boolPtr(b bool) *bool { return &b }

// WithName matches spans named exactly name.
func WithName(name string) *Matcher {
	return &Matcher{
		fn:         func(item *SpanAndAnnotation, _ TraceContext) bool { return item.Span.Name == name },
		Definition: &MatchDefinition{Name: name},
	}
}

// WithNamePattern matches span names against re.
func WithNamePattern(re *regexp.Regexp) *Matcher {
	return &Matcher{
		fn:         func(item *SpanAndAnnotation, _ TraceContext) bool { return re.MatchString(item.Span.Name) },
		Definition: &MatchDefinition{NamePattern: re.String()},
	}
}

// WithNameFunc matches when fn accepts the span name and the trace subject.
func WithNameFunc(fn func(name string, relatedTo RelatedTo) bool) *Matcher {
	return &Matcher{
		fn: func(item *SpanAndAnnotation, ctx TraceContext) bool {
			var related RelatedTo
			if ctx != nil && ctx.Input() != nil {
				related = ctx.Input().RelatedTo
			}
			return fn(item.Span.Name, related)
		},
		Definition: &MatchDefinition{NameFunc: fn},
	}
}

// WithPerformanceEntryName matches the name of the underlying platform entry.
func WithPerformanceEntryName(name string) *Matcher {
	return &Matcher{
		fn: func(item *SpanAndAnnotation, _ TraceContext) bool {
			return item.Span.PerformanceEntry != nil && item.Span.PerformanceEntry.Name == name
		},
		Definition: &MatchDefinition{PerformanceEntryName: name},
	}
}

// WithType matches spans of type t.
func WithType(t SpanType) *Matcher {
	return &Matcher{
		fn:         func(item *SpanAndAnnotation, _ TraceContext) bool { return item.Span.Type == t },
		Definition: &MatchDefinition{Type: t},
	}
}

// WithStatus matches spans with status s.
func WithStatus(s SpanStatus) *Matcher {
	return &Matcher{
		fn:         func(item *SpanAndAnnotation, _ TraceContext) bool { return item.Span.Status == s },
		Definition: &MatchDefinition{Status: s},
	}
}

// WithAttributes matches spans whose attributes contain every given pair.
func WithAttributes(attrs Attributes) *Matcher {
	return &Matcher{
		fn: func(item *SpanAndAnnotation, _ TraceContext) bool {
			return containsAll(item.Span.Attributes, attrs)
		},
		Definition: &MatchDefinition{Attributes: attrs},
	}
}

// WithMatchingRelations matches spans whose subject agrees with the trace
// subject on keys. With no keys every key of the trace subject is compared.
// Evaluated outside of a trace it never matches.
func WithMatchingRelations(keys ...string) *Matcher {
	def := &MatchDefinition{MatchingRelations: keys, MatchAllRelations: len(keys) == 0}
	return &Matcher{
		fn: func(item *SpanAndAnnotation, ctx TraceContext) bool {
			if ctx == nil || ctx.Input() == nil {
				return false
			}
			traceRelated := ctx.Input().RelatedTo
			if len(traceRelated) == 0 {
				return false
			}
			compare := keys
			if len(compare) == 0 {
				compare = make([]string, 0, len(traceRelated))
				for k := range traceRelated {
					compare = append(compare, k)
				}
			}
			for _, k := range compare {
				want, ok := traceRelated[k]
				if !ok {
					return false
				}
				got, ok := item.Span.RelatedTo[k]
				if !ok || !valuesEqual(got, want) {
					return false
				}
			}
			return true
		},
		Definition: def,
	}
}

// WithOccurrence matches the nth (1-based) span of the same type and name
// within the trace.
func WithOccurrence(n int) *Matcher {
	return &Matcher{
		fn: func(item *SpanAndAnnotation, _ TraceContext) bool {
			return item.Annotation != nil && item.Annotation.Occurrence == n
		},
		Definition: &MatchDefinition{Occurrence: intPtr(n)},
	}
}

// WithOccurrenceFunc matches when fn accepts the span's occurrence number.
func WithOccurrenceFunc(fn func(occurrence int) bool) *Matcher {
	return &Matcher{
		fn: func(item *SpanAndAnnotation, _ TraceContext) bool {
			return item.Annotation != nil && fn(item.Annotation.Occurrence)
		},
		Definition: &MatchDefinition{OccurrenceFunc: fn},
	}
}

// WithIsIdle matches spans by idle flag. Requiring idle also tags the matcher
// for the idle-regression check.
func WithIsIdle(idle bool) *Matcher {
	return &Matcher{
		fn:         func(item *SpanAndAnnotation, _ TraceContext) bool { return item.Span.IsIdle == idle },
		Tags:       MatcherTags{IdleCheck: idle},
		Definition: &MatchDefinition{IsIdle: boolPtr(idle)},
	}
}

// WithLabel matches spans the trace labelled label.
func WithLabel(label string) *Matcher {
	return &Matcher{
		fn:         func(item *SpanAndAnnotation, _ TraceContext) bool { return item.Annotation.HasLabel(label) },
		Definition: &MatchDefinition{Label: label},
	}
}

// WithComponentRenderCount matches the render of component name with the
// given render count. Name and count are checked together because a render
// count means nothing without its component.
func WithComponentRenderCount(name string, count int) *Matcher {
	return &Matcher{
		fn: func(item *SpanAndAnnotation, _ TraceContext) bool {
			s := item.Span
			return s.Type == SpanTypeComponentRender && s.Name == name && s.RenderCount == count
		},
		Definition: &MatchDefinition{Name: name, RenderCount: intPtr(count)},
	}
}

// WithNthMatch selects the nth match (0-based, negative counts from the end).
func WithNthMatch(n int) *Matcher {
	return &Matcher{fn: always, Tags: MatcherTags{NthMatch: intPtr(n)}, Definition: &MatchDefinition{NthMatch: intPtr(n)}}
}

// WithLowestIndexToConsider bounds selection from below.
func WithLowestIndexToConsider(i int) *Matcher {
	return &Matcher{
		fn:         always,
		Tags:       MatcherTags{LowestIndexToConsider: intPtr(i)},
		Definition: &MatchDefinition{LowestIndexToConsider: intPtr(i)},
	}
}

// WithHighestIndexToConsider bounds selection from above.
func WithHighestIndexToConsider(i int) *Matcher {
	return &Matcher{
		fn:         always,
		Tags:       MatcherTags{HighestIndexToConsider: intPtr(i)},
		Definition: &MatchDefinition{HighestIndexToConsider: intPtr(i)},
	}
}

// WithContinueWithErrorStatus lets a required span with error status satisfy
// the requirement instead of interrupting the trace.
func WithContinueWithErrorStatus() *Matcher {
	return &Matcher{
		fn:         always,
		Tags:       MatcherTags{ContinueWithErrorStatus: true},
		Definition: &MatchDefinition{ContinueWithErrorStatus: true},
	}
}

// WithAllConditions matches when every matcher matches. Tags and definitions
// of the parts are merged.
func WithAllConditions(matchers ...*Matcher) *Matcher {
	out := &Matcher{Definition: &MatchDefinition{}}
	for _, m := range matchers {
		if m == nil {
			continue
		}
		out.Tags = out.Tags.merge(m.Tags)
		out.Definition = mergeMatchDefinitions(out.Definition, m.Definition)
	}
	parts := matchers
	out.fn = func(item *SpanAndAnnotation, ctx TraceContext) bool {
		for _, m := range parts {
			if m == nil {
				continue
			}
			if !m.Matches(item, ctx) {
				return false
			}
		}
		return true
	}
	return out
}

// WithOneOfConditions matches when any matcher matches.
func WithOneOfConditions(matchers ...*Matcher) *Matcher {
	def := &MatchDefinition{}
	for _, m := range matchers {
		if m != nil && m.Definition != nil {
			def.OneOf = append(def.OneOf, m.Definition)
		}
	}
	return &Matcher{
		fn: func(item *SpanAndAnnotation, ctx TraceContext) bool {
			for _, m := range matchers {
				if m.Matches(item, ctx) {
					return true
				}
			}
			return false
		},
		Definition: def,
	}
}

// Not inverts m.
func Not(m *Matcher) *Matcher {
	return &Matcher{
		fn:         func(item *SpanAndAnnotation, ctx TraceContext) bool { return !m.Matches(item, ctx) },
		Definition: &MatchDefinition{Not: m.Definition},
	}
}

func containsAll(have, want map[string]any) bool {
	for k, v := range want {
		got, ok := have[k]
		if !ok || !valuesEqual(got, v) {
			return false
		}
	}
	return true
}

// valuesEqual compares attribute values, treating numbers of different Go
// types as equal when they hold the same value. Config files decode numbers
// as int or float64 while spans usually carry int.
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
