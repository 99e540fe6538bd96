package optracez

import (
	"sort"
	"time"
)

// TraceInput is the per-instance input of a trace.
type TraceInput struct {
	ID            string     `json:"id"`
	ParentTraceID string     `json:"parent_trace_id,omitempty"`
	StartTime     Timestamp  `json:"start_time"`
	RelatedTo     RelatedTo  `json:"related_to,omitempty"`
	Variant       string     `json:"variant"`
	Attributes    Attributes `json:"attributes,omitempty"`
}

// Trace is one running instance of a TraceDefinition. It implements
// TraceContext for the matchers evaluated against it.
//
//nolint:govet // Field order groups lifecycle data
type Trace struct {
	mgr     *Manager
	tracer  *Tracer
	base    *TraceDefinition
	patches []DefinitionPatch
	def     *TraceDefinition
	input   TraceInput

	sm        *stateMachine
	deadlines *deadlines

	recorded    []*SpanAndAnnotation
	bySpanID    map[string]*SpanAndAnnotation
	occurrences map[string]int
	dedupe      DeduplicationStrategy
	dedupeByKey map[string]*SpanAndAnnotation

	parent   *Trace
	children []*Trace

	err       error
	recording *TraceRecording
}

func newTrace(m *Manager, tracer *Tracer, base *TraceDefinition, patches []DefinitionPatch, input TraceInput, parent *Trace) *Trace {
	t := &Trace{
		mgr:         m,
		tracer:      tracer,
		base:        base,
		patches:     patches,
		def:         effectiveDefinition(base, patches),
		input:       input,
		bySpanID:    make(map[string]*SpanAndAnnotation),
		occurrences: make(map[string]int),
		parent:      parent,
	}
	if parent != nil {
		t.input.ParentTraceID = parent.input.ID
	}
	if m.dedupeFactory != nil {
		t.dedupe = m.dedupeFactory()
		t.dedupeByKey = make(map[string]*SpanAndAnnotation)
	}
	t.deadlines = newDeadlines(m.sched, t.onDeadline)
	t.sm = newStateMachine(t)
	t.sm.start()
	return t
}

// TraceID implements TraceContext.
func (t *Trace) TraceID() string { return t.input.ID }

// Definition implements TraceContext. It returns the effective definition,
// patches included.
func (t *Trace) Definition() *TraceDefinition { return t.def }

// Input implements TraceContext.
func (t *Trace) Input() *TraceInput { return &t.input }

// RecordedItems implements TraceContext. The slice is owned by the trace.
func (t *Trace) RecordedItems() []*SpanAndAnnotation { return t.recorded }

// ID returns the trace id.
func (t *Trace) ID() string { return t.input.ID }

// Name returns the definition name.
func (t *Trace) Name() string { return t.def.Name }

// State returns the current lifecycle state.
func (t *Trace) State() TraceState { return t.sm.state }

// Parent returns the parent trace of an adopted child.
func (t *Trace) Parent() *Trace { return t.parent }

// Children returns the live child traces.
func (t *Trace) Children() []*Trace {
	return append([]*Trace(nil), t.children...)
}

// Patches returns the definition patches applied to this instance.
func (t *Trace) Patches() []DefinitionPatch {
	return append([]DefinitionPatch(nil), t.patches...)
}

// Recording returns the recording produced when the trace ended, if any.
func (t *Trace) Recording() *TraceRecording { return t.recording }

// LastTransition returns the terminal transition, or nil while running.
func (t *Trace) LastTransition() *Transition { return t.sm.final }

// Item returns the recorded item for a span id.
func (t *Trace) Item(spanID string) (*SpanAndAnnotation, bool) {
	item, ok := t.bySpanID[spanID]
	return item, ok
}

func (t *Trace) now() time.Duration {
	return t.mgr.sched.Now().Now
}

func (t *Trace) globalDeadline() time.Duration {
	return t.input.StartTime.Now + t.def.Variants[t.input.Variant].Timeout
}

func (t *Trace) exceedsGlobalDeadline(item *SpanAndAnnotation) bool {
	return item.Span.End() > t.globalDeadline()
}

// deliver hands span to the trace and then to its children, collecting the
// annotations by definition name.
func (t *Trace) deliver(span *Span, out map[string]*SpanAnnotation) {
	if item := t.processSpan(span); item != nil {
		out[t.def.Name] = item.Annotation
	}
	for _, child := range t.Children() {
		child.deliver(span, out)
	}
}

// processSpan records span (outside of draft) and feeds it to the state
// machine. Terminal traces ignore it.
func (t *Trace) processSpan(span *Span) *SpanAndAnnotation {
	if t.sm.state.IsTerminal() {
		return nil
	}
	if t.sm.state == StateDraft {
		t.sm.processSpan(t.provisional(span))
		return nil
	}
	item := t.record(span)
	t.sm.processSpan(item)
	return item
}

// provisional annotates a draft span without recording it.
func (t *Trace) provisional(span *Span) *SpanAndAnnotation {
	item := &SpanAndAnnotation{Span: span, Annotation: t.annotate(span, t.occurrences[span.key()]+1, StateDraft)}
	item.Annotation.Labels = t.labels(item)
	return item
}

// record adds span to the recording, or folds it into the item it
// duplicates.
func (t *Trace) record(span *Span) *SpanAndAnnotation {
	return t.recordIn(span, t.sm.state)
}

// recordIn is record for a span that arrived while the trace was in state.
func (t *Trace) recordIn(span *Span, state TraceState) *SpanAndAnnotation {
	if existing, ok := t.bySpanID[span.ID]; ok {
		t.replaceSpan(existing, span)
		return existing
	}

	var dedupeKey string
	if t.dedupe != nil {
		if key, ok := t.dedupe.Key(span); ok {
			if existing, found := t.dedupeByKey[key]; found && t.dedupe.IsDuplicate(existing.Span, span) {
				t.replaceSpan(existing, t.dedupe.SelectPreferredSpan(existing.Span, span))
				return existing
			}
			dedupeKey = key
		}
	}

	key := span.key()
	t.occurrences[key]++
	item := &SpanAndAnnotation{Span: span, Annotation: t.annotate(span, t.occurrences[key], state)}
	item.Annotation.Labels = t.labels(item)

	t.recorded = append(t.recorded, item)
	t.bySpanID[span.ID] = item
	if dedupeKey != "" {
		t.dedupeByKey[dedupeKey] = item
	}
	t.mgr.emit(Event{Kind: EventAddSpanToRecording, Trace: t, Item: item})
	return item
}

func (t *Trace) replaceSpan(item *SpanAndAnnotation, span *Span) {
	if item.Span == span {
		return
	}
	delete(t.bySpanID, item.Span.ID)
	item.Span = span
	item.Annotation.StartOffset = span.StartTime.Now - t.input.StartTime.Now
	item.Annotation.EndOffset = item.Annotation.StartOffset + span.Duration
	t.bySpanID[span.ID] = item
}

func (t *Trace) annotate(span *Span, occurrence int, state TraceState) *SpanAnnotation {
	start := span.StartTime.Now - t.input.StartTime.Now
	return &SpanAnnotation{
		TraceID:         t.input.ID,
		Occurrence:      occurrence,
		StartOffset:     start,
		EndOffset:       start + span.Duration,
		RecordedInState: state,
	}
}

func (t *Trace) labels(item *SpanAndAnnotation) []string {
	if len(t.def.LabelMatching) == 0 {
		return nil
	}
	var labels []string
	for label, m := range t.def.LabelMatching {
		if m.Matches(item, t) {
			labels = append(labels, label)
		}
	}
	sort.Strings(labels)
	return labels
}

func (t *Trace) interrupt(reason InterruptReason) {
	t.sm.interrupt(reason)
}

func (t *Trace) onDeadline(kind DeadlineKind) {
	t.sm.deadline(kind)
}

func (t *Trace) onTransition(tr *Transition) {
	t.mgr.transitioned(t, tr)
}

func (t *Trace) onRequiredSpanSeen(item *SpanAndAnnotation, m *Matcher) {
	t.mgr.emit(Event{Kind: EventRequiredSpanSeen, Trace: t, Item: item, Matcher: m})
}

func (t *Trace) finish(tr *Transition) {
	t.mgr.traceEnded(t, tr)
}

// heritable returns the heritable attribute keys of this trace.
func (t *Trace) heritable() []string {
	keys := append([]string(nil), t.mgr.heritable...)
	return append(keys, t.def.HeritableSpanAttributes...)
}

// release drops per-trace caches. The span ids are handed back to the
// manager so the arena can forget them once no trace needs them.
func (t *Trace) release() {
	for id := range t.bySpanID {
		t.mgr.retired[id] = struct{}{}
	}
	t.recorded = nil
	t.bySpanID = make(map[string]*SpanAndAnnotation)
	t.occurrences = make(map[string]int)
	t.dedupeByKey = nil
	t.sm.draftBuffer = nil
	t.sm.debounceBuffer = nil
	t.sm.detector = nil
}

func (t *Trace) removeChild(child *Trace) {
	for i, c := range t.children {
		if c == child {
			t.children = append(t.children[:i], t.children[i+1:]...)
			return
		}
	}
}

func (t *Trace) replaceChild(old, replacement *Trace) {
	for i, c := range t.children {
		if c == old {
			t.children[i] = replacement
			return
		}
	}
}

// live reports whether the trace or any descendant is still running.
func (t *Trace) live() bool {
	if !t.sm.state.IsTerminal() {
		return true
	}
	for _, c := range t.children {
		if c.live() {
			return true
		}
	}
	return false
}
