package optracez

import (
	"strconv"
	"testing"
	"time"
)

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// harness drives a manager on a manual loop and captures everything it
// reports.
//
//nolint:govet // Field order optimized for test readability
type harness struct {
	t          *testing.T
	loop       *ManualLoop
	manager    *Manager
	recordings []*TraceRecording
	errs       []error
	warnings   []error
	events     []Event
	seq        map[IDKind]int
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t, loop: NewManualLoop(), seq: make(map[IDKind]int)}
	base := []Option{
		WithScheduler(h.loop),
		WithIDGenerator(h.nextID),
		WithReportFn(func(rec *TraceRecording) { h.recordings = append(h.recordings, rec) }),
		WithErrorHandler(func(err error, _ *Trace) { h.errs = append(h.errs, err) }),
		WithWarningHandler(func(err error, _ *Trace) { h.warnings = append(h.warnings, err) }),
	}
	h.manager = NewManager(append(base, opts...)...)
	for _, kind := range []EventKind{
		EventTraceStart, EventStateTransition, EventRequiredSpanSeen,
		EventAddSpanToRecording, EventDefinitionModified,
	} {
		h.manager.When(kind, func(ev Event) { h.events = append(h.events, ev) })
	}
	t.Cleanup(h.manager.Close)
	return h
}

func (h *harness) nextID(kind IDKind) string {
	h.seq[kind]++
	return string(kind) + "-" + strconv.Itoa(h.seq[kind])
}

// at moves the clock to the offset of n milliseconds from the loop origin.
func (h *harness) at(n int) {
	h.loop.AdvanceTo(ms(n))
}

// span ingests a span that ends now and lasted d.
func (h *harness) span(name string, d time.Duration, mods ...func(*SpanInput)) *SpanHandle {
	start := h.loop.Now().Add(-d)
	in := SpanInput{Name: name, StartTime: &start, Duration: d}
	for _, mod := range mods {
		mod(&in)
	}
	return h.manager.CreateAndProcessSpan(in)
}

// transitions returns the from->to pairs seen for the trace named name.
func (h *harness) transitions(name string) []string {
	var out []string
	for _, ev := range h.events {
		if ev.Kind == EventStateTransition && ev.Trace.Name() == name {
			out = append(out, string(ev.Transition.From)+"->"+string(ev.Transition.To))
		}
	}
	return out
}

func (h *harness) lastRecording() *TraceRecording {
	h.t.Helper()
	if len(h.recordings) == 0 {
		h.t.Fatal("no recording was reported")
	}
	return h.recordings[len(h.recordings)-1]
}

func withType(t SpanType) func(*SpanInput) {
	return func(in *SpanInput) { in.Type = t }
}

func withError(err error) func(*SpanInput) {
	return func(in *SpanInput) {
		in.Error = err
		in.Status = StatusError
	}
}

func withAttrs(attrs Attributes) func(*SpanInput) {
	return func(in *SpanInput) { in.Attributes = attrs }
}

func withRelated(related RelatedTo) func(*SpanInput) {
	return func(in *SpanInput) { in.RelatedTo = related }
}

func withParent(id string) func(*SpanInput) {
	return func(in *SpanInput) { in.ParentSpanID = id }
}

func ticketDefinition() *TraceDefinition {
	return &TraceDefinition{
		Name:          "ticket.open",
		Variants:      map[string]Variant{"cold": {Timeout: 10 * time.Second}},
		RequiredSpans: []*Matcher{WithName("ticket-loaded")},
	}
}

// fakeContext is a TraceContext for evaluating matchers outside a manager.
type fakeContext struct {
	id    string
	def   *TraceDefinition
	input TraceInput
	items []*SpanAndAnnotation
}

func (c *fakeContext) TraceID() string                     { return c.id }
func (c *fakeContext) Definition() *TraceDefinition        { return c.def }
func (c *fakeContext) Input() *TraceInput                  { return &c.input }
func (c *fakeContext) RecordedItems() []*SpanAndAnnotation { return c.items }

func mkItem(name string, mods ...func(*Span)) *SpanAndAnnotation {
	s := &Span{ID: name, Name: name, Type: SpanTypeMark, Status: StatusOK}
	for _, mod := range mods {
		mod(s)
	}
	return &SpanAndAnnotation{Span: s, Annotation: &SpanAnnotation{Occurrence: 1}}
}
