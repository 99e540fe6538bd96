package optracez

import (
	"fmt"
)

// ParentResolveContext is handed to a ParentResolver. Trace is nil when the
// span was not recorded by any trace; Tick is nil when tick tracking is off.
type ParentResolveContext struct {
	Trace TraceContext
	Self  *SpanAndAnnotation
	Tick  *Tick
}

// ParentResolver returns the parent of a span, or nil. The engine invokes it
// at most once per span.
type ParentResolver func(ctx ParentResolveContext) *Span

// ParentScope is where a ParentMatcher searches.
type ParentScope string

// Parent scopes.
const (
	ParentScopeTickCreated ParentScope = "tick-created"
	ParentScopeTickEnded   ParentScope = "tick-ended"
	ParentScopeRecording   ParentScope = "recording"
)

// ParentDirection restricts a ParentMatcher search relative to the span itself.
type ParentDirection string

// Parent directions.
const (
	ParentBefore ParentDirection = "before"
	ParentAfter  ParentDirection = "after"
)

// ParentMatcher declares the parent of a span as "the nearest span matching
// Match, before or after me, within Scope".
type ParentMatcher struct {
	Scope     ParentScope
	Direction ParentDirection
	Match     *Matcher
}

// Resolver compiles the declaration into a ParentResolver. Before selects the
// last match preceding the span; after selects the first match following it.
func (pm *ParentMatcher) Resolver() ParentResolver {
	return func(ctx ParentResolveContext) *Span {
		items := pm.candidates(ctx)
		if len(items) == 0 {
			return nil
		}
		self := -1
		if ctx.Self != nil {
			for i, item := range items {
				if item.Span.ID == ctx.Self.Span.ID {
					self = i
					break
				}
			}
		}
		overrides := &FindOverrides{}
		if pm.Direction == ParentAfter {
			overrides.NthMatch = intPtr(0)
			overrides.LowestIndexToConsider = intPtr(self + 1)
		} else {
			overrides.NthMatch = intPtr(-1)
			if self >= 0 {
				overrides.HighestIndexToConsider = intPtr(self - 1)
			}
		}
		found := FindMatchingSpan(pm.Match, items, ctx.Trace, overrides)
		if found == nil {
			return nil
		}
		return found.Span
	}
}

func (pm *ParentMatcher) candidates(ctx ParentResolveContext) []*SpanAndAnnotation {
	switch pm.Scope {
	case ParentScopeRecording:
		if ctx.Trace == nil {
			return nil
		}
		return ctx.Trace.RecordedItems()
	case ParentScopeTickEnded:
		if ctx.Tick == nil {
			return nil
		}
		return pairWithAnnotations(ctx.Tick.EndedSpans(), ctx.Trace)
	default:
		if ctx.Tick == nil {
			return nil
		}
		return pairWithAnnotations(ctx.Tick.CreatedSpans(), ctx.Trace)
	}
}

// pairWithAnnotations looks up each span's annotation in the trace so
// annotation-aware matchers work on tick scopes too.
func pairWithAnnotations(spans []*Span, ctx TraceContext) []*SpanAndAnnotation {
	var recorded map[string]*SpanAndAnnotation
	if ctx != nil {
		items := ctx.RecordedItems()
		recorded = make(map[string]*SpanAndAnnotation, len(items))
		for _, item := range items {
			recorded[item.Span.ID] = item
		}
	}
	out := make([]*SpanAndAnnotation, len(spans))
	for i, s := range spans {
		if item, ok := recorded[s.ID]; ok {
			out[i] = &SpanAndAnnotation{Span: s, Annotation: item.Annotation}
			continue
		}
		out[i] = &SpanAndAnnotation{Span: s, Annotation: &SpanAnnotation{}}
	}
	return out
}

// DefaultArenaCapacity bounds how many spans the manager remembers for parent
// lookups once their traces are gone.
const DefaultArenaCapacity = 4096

type arenaEntry struct {
	span     *Span
	tick     *Tick
	resolved bool
	parentID string
}

// spanArena owns every ingested span by id so parent links are plain ids and
// never keep spans alive through pointers. Resolution is memoized per span.
type spanArena struct {
	entries  map[string]*arenaEntry
	order    []string
	capacity int
	onPanic  func(err error)
}

func newSpanArena(capacity int, onPanic func(err error)) *spanArena {
	if capacity <= 0 {
		capacity = DefaultArenaCapacity
	}
	return &spanArena{
		entries:  make(map[string]*arenaEntry),
		capacity: capacity,
		onPanic:  onPanic,
	}
}

func (a *spanArena) put(span *Span, tick *Tick) {
	if e, ok := a.entries[span.ID]; ok {
		e.span = span
		if tick != nil {
			e.tick = tick
		}
		return
	}
	a.entries[span.ID] = &arenaEntry{span: span, tick: tick}
	a.order = append(a.order, span.ID)
	for len(a.order) > a.capacity {
		oldest := a.order[0]
		a.order = a.order[1:]
		delete(a.entries, oldest)
	}
}

func (a *spanArena) get(id string) *Span {
	if e, ok := a.entries[id]; ok {
		return e.span
	}
	return nil
}

func (a *spanArena) len() int {
	return len(a.entries)
}

// forget drops the given spans.
func (a *spanArena) forget(ids map[string]struct{}) {
	if len(ids) == 0 {
		return
	}
	kept := a.order[:0]
	for _, id := range a.order {
		if _, drop := ids[id]; drop {
			delete(a.entries, id)
			continue
		}
		kept = append(kept, id)
	}
	a.order = kept
}

// parentID resolves and memoizes the parent id of span. Unknown spans report
// their direct ParentSpanID without resolving anything.
func (a *spanArena) parentID(span *Span, self *SpanAndAnnotation, trace TraceContext) string {
	e, ok := a.entries[span.ID]
	if !ok {
		return span.ParentSpanID
	}
	if e.resolved {
		return e.parentID
	}
	e.resolved = true
	switch {
	case span.ParentSpanID != "":
		e.parentID = span.ParentSpanID
	case span.GetParentSpan != nil || span.ParentMatcher != nil:
		resolver := span.GetParentSpan
		if resolver == nil {
			resolver = span.ParentMatcher.Resolver()
		}
		if self == nil {
			self = &SpanAndAnnotation{Span: span, Annotation: &SpanAnnotation{}}
		}
		if parent := a.invoke(resolver, ParentResolveContext{Trace: trace, Self: self, Tick: e.tick}); parent != nil && parent.ID != span.ID {
			e.parentID = parent.ID
		}
	}
	return e.parentID
}

func (a *spanArena) invoke(resolver ParentResolver, ctx ParentResolveContext) (parent *Span) {
	defer func() {
		if r := recover(); r != nil {
			parent = nil
			if a.onPanic != nil {
				a.onPanic(fmt.Errorf("%w: %v", ErrParentResolverPanic, r))
			}
		}
	}()
	return resolver(ctx)
}

// resolveParent returns the parent span of span. With recursive set, the
// whole ancestor chain is resolved and InheritAttribute values for the
// heritable keys are filled in from the nearest ancestor.
func (a *spanArena) resolveParent(span *Span, self *SpanAndAnnotation, trace TraceContext, recursive bool, heritable []string) *Span {
	parent := a.get(a.parentID(span, self, trace))
	if !recursive || parent == nil {
		return parent
	}

	chain := []*Span{span}
	seen := map[string]struct{}{span.ID: {}}
	for cur := parent; cur != nil; {
		if _, loop := seen[cur.ID]; loop {
			break
		}
		seen[cur.ID] = struct{}{}
		chain = append(chain, cur)
		cur = a.get(a.parentID(cur, nil, trace))
	}

	for i := len(chain) - 2; i >= 0; i-- {
		child := chain[i]
		for _, key := range heritable {
			if v, ok := child.Attributes[key]; !ok || v != InheritAttribute {
				continue
			}
			for _, ancestor := range chain[i+1:] {
				if v, ok := ancestor.Attributes[key]; ok && v != InheritAttribute {
					child.Attributes[key] = v
					break
				}
			}
		}
	}
	return parent
}
