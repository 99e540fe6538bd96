package integration

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/zoobzio/optracez"
)

const ticketPage = `
manager:
  log_level: error
relation_schemas:
  ticket:
    ticket_id: string
traces:
  - name: ticket.open
    relation_schema: ticket
    variants:
      cold: {timeout: 10s}
    required_spans:
      - name: ticket-loaded
    debounce_on_spans:
      - type: resource
    debounce_window: 300ms
    interrupt_on_spans:
      - name: logout
    computed_spans:
      - name: till-loaded
        start: {token: operation-start}
        end: {match: {name: ticket-loaded}}
    computed_values:
      - name: fetches
        match: {type: resource}
    promote_span_attributes:
      - span: {name: ticket-loaded}
        attributes: [source]
    adopt_as_children: [comments.load]
  - name: comments.load
    variants:
      cold: {timeout: 5s}
    required_spans:
      - name: comments-loaded
  - name: inbox.open
    variants:
      cold: {timeout: 10s}
    required_spans:
      - name: inbox-loaded
`

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// TestTicketPageLoad walks a full page load: a parent trace debounced on
// network activity, a child trace adopted mid-flight and component renders
// summarised into beacons.
func TestTicketPageLoad(t *testing.T) {
	s := NewSession(t, ticketPage)

	s.Tracer("ticket.open").Start(optracez.StartInput{
		ID:        "ticket-7",
		Variant:   "cold",
		RelatedTo: optracez.RelatedTo{"ticket_id": "7"},
	})

	s.At(40)
	s.Span(optracez.SpanInput{Name: "/api/ticket", Type: optracez.SpanTypeResource}, ms(30))
	s.At(60)
	s.Span(optracez.SpanInput{Name: "Ticket", Type: optracez.SpanTypeComponentRender, RenderedOutput: optracez.RenderedLoading}, ms(10))
	s.At(80)
	s.Tracer("comments.load").Start(optracez.StartInput{ID: "comments-7", Variant: "cold"})
	s.At(100)
	s.Span(optracez.SpanInput{Name: "ticket-loaded", Attributes: optracez.Attributes{"source": "link"}}, 0)
	s.At(140)
	s.Span(optracez.SpanInput{Name: "Ticket", Type: optracez.SpanTypeComponentRender, RenderedOutput: optracez.RenderedContent}, ms(20))
	s.At(250)
	s.Span(optracez.SpanInput{Name: "/api/comments", Type: optracez.SpanTypeResource}, ms(50))
	s.At(300)
	s.Span(optracez.SpanInput{Name: "comments-loaded"}, 0)

	if got := s.Named("ticket.open"); len(got) != 0 {
		t.Fatalf("parent reported while still debouncing: %d recordings", len(got))
	}
	s.At(1000)

	if errs := s.Errors(); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	children := s.Named("comments.load")
	if len(children) != 1 {
		t.Fatalf("expected 1 child recording, got %d", len(children))
	}
	child := children[0]
	if child.ParentTraceID != "ticket-7" {
		t.Errorf("child parent = %q, want ticket-7", child.ParentTraceID)
	}
	if child.Duration == nil || *child.Duration != ms(220) {
		t.Errorf("child duration = %v, want 220ms", child.Duration)
	}

	parents := s.Named("ticket.open")
	if len(parents) != 1 {
		t.Fatalf("expected 1 parent recording, got %d", len(parents))
	}
	rec := parents[0]
	if rec.Status != optracez.RecordingOK {
		t.Errorf("status = %s, want ok", rec.Status)
	}
	if rec.Duration == nil || *rec.Duration != ms(250) {
		t.Errorf("duration = %v, want 250ms (debounced to the last fetch)", rec.Duration)
	}
	if rec.StartTillRequirementsMet == nil || *rec.StartTillRequirementsMet != ms(100) {
		t.Errorf("start till requirements met = %v, want 100ms", rec.StartTillRequirementsMet)
	}

	wantEntries := []string{"/api/ticket", "Ticket", "ticket-loaded", "Ticket", "/api/comments"}
	if got := EntryNames(rec); !reflect.DeepEqual(got, wantEntries) {
		t.Errorf("entries = %v, want %v", got, wantEntries)
	}
	if got := rec.ComputedSpans["till-loaded"]; got != (optracez.ComputedSpan{StartOffset: 0, Duration: ms(100)}) {
		t.Errorf("till-loaded = %+v", got)
	}
	if got := rec.ComputedValues["fetches"]; got != 2 {
		t.Errorf("fetches = %v, want 2", got)
	}
	if got := rec.Attributes["source"]; got != "link" {
		t.Errorf("promoted source = %v, want link", got)
	}

	beacon, ok := rec.ComputedRenderBeaconSpans["Ticket"]
	if !ok {
		t.Fatal("no render beacon for Ticket")
	}
	if beacon.StartOffset != ms(50) || beacon.FirstRenderTillData != ms(70) || beacon.FirstRenderTillContent != ms(90) {
		t.Errorf("beacon offsets = %+v", beacon)
	}
	if beacon.FirstRenderTillLoading == nil || *beacon.FirstRenderTillLoading != ms(10) {
		t.Errorf("first render till loading = %v, want 10ms", beacon.FirstRenderTillLoading)
	}
	if beacon.RenderCount != 2 || beacon.SumOfRenderDurations != ms(30) {
		t.Errorf("beacon renders = %d / %v, want 2 / 30ms", beacon.RenderCount, beacon.SumOfRenderDurations)
	}
}

func TestNavigationReplacesRunningTrace(t *testing.T) {
	s := NewSession(t, ticketPage)

	s.Tracer("ticket.open").Start(optracez.StartInput{ID: "ticket", Variant: "cold", RelatedTo: optracez.RelatedTo{"ticket_id": "7"}})
	s.At(50)
	s.Span(optracez.SpanInput{Name: "/api/ticket", Type: optracez.SpanTypeResource}, ms(20))
	s.At(60)
	s.Tracer("inbox.open").Start(optracez.StartInput{ID: "inbox", Variant: "cold"})
	s.At(90)
	s.Span(optracez.SpanInput{Name: "inbox-loaded"}, ms(10))

	recs := s.Recordings()
	if len(recs) != 2 {
		t.Fatalf("expected 2 recordings, got %d", len(recs))
	}
	if recs[0].ID != "ticket" || recs[0].InterruptionReason != optracez.ReasonAnotherTraceStarted {
		t.Errorf("first recording = %s (%s), want ticket interrupted by another start", recs[0].ID, recs[0].InterruptionReason)
	}
	if recs[0].Duration != nil {
		t.Errorf("interrupted trace has duration %v", *recs[0].Duration)
	}
	if recs[1].ID != "inbox" || recs[1].Status != optracez.RecordingOK {
		t.Errorf("second recording = %s (%s), want inbox ok", recs[1].ID, recs[1].Status)
	}
	if recs[1].Duration == nil || *recs[1].Duration != ms(30) {
		t.Errorf("inbox duration = %v, want 30ms", recs[1].Duration)
	}
}

func TestInterruptSpanStopsChildren(t *testing.T) {
	s := NewSession(t, ticketPage)

	s.Tracer("ticket.open").Start(optracez.StartInput{ID: "ticket", Variant: "cold", RelatedTo: optracez.RelatedTo{"ticket_id": "7"}})
	s.At(10)
	s.Tracer("comments.load").Start(optracez.StartInput{ID: "comments", Variant: "cold"})
	s.At(20)
	s.Span(optracez.SpanInput{Name: "logout"}, 0)

	reasons := map[string]optracez.InterruptReason{}
	for _, rec := range s.Recordings() {
		reasons[rec.ID] = rec.InterruptionReason
	}
	if reasons["ticket"] != optracez.ReasonMatchedOnInterrupt {
		t.Errorf("ticket reason = %q", reasons["ticket"])
	}
	if _, ok := reasons["comments"]; ok {
		t.Errorf("child interrupted by its parent must not be reported, got %q", reasons["comments"])
	}
	if cur := s.Manager.CurrentTrace(); cur != nil {
		t.Errorf("slot still held by %s", cur.ID())
	}
}

func TestDraftBuffersUntilActivated(t *testing.T) {
	s := NewSession(t, ticketPage)
	tracer := s.Tracer("inbox.open")

	tracer.CreateDraft(optracez.StartInput{ID: "inbox", Variant: "cold"})
	s.At(40)
	s.Span(optracez.SpanInput{Name: "/api/inbox", Type: optracez.SpanTypeResource}, ms(30))
	s.At(50)
	tracer.TransitionDraftToActive(optracez.DraftModifications{Attributes: optracez.Attributes{"folder": "unread"}}, optracez.TransitionOptions{})
	s.At(120)
	s.Span(optracez.SpanInput{Name: "inbox-loaded"}, 0)

	recs := s.Named("inbox.open")
	if len(recs) != 1 {
		t.Fatalf("expected 1 recording, got %d", len(recs))
	}
	rec := recs[0]
	if got := EntryNames(rec); !reflect.DeepEqual(got, []string{"/api/inbox", "inbox-loaded"}) {
		t.Fatalf("entries = %v", got)
	}
	if state := rec.Entries[0].Annotation.RecordedInState; state != optracez.StateDraft {
		t.Errorf("draft span recorded in %s, want draft", state)
	}
	if rec.Attributes["folder"] != "unread" {
		t.Errorf("activation attributes lost: %v", rec.Attributes)
	}
}

func TestCancelledDraftIsSilent(t *testing.T) {
	s := NewSession(t, ticketPage)
	tracer := s.Tracer("inbox.open")

	tracer.CreateDraft(optracez.StartInput{Variant: "cold"})
	s.At(40)
	tracer.Interrupt(errors.New("navigated away"))
	s.At(20000)

	if recs := s.Recordings(); len(recs) != 0 {
		t.Errorf("cancelled draft reported %d recordings", len(recs))
	}
	if tracer.CurrentTrace() != nil {
		t.Error("cancelled draft still current")
	}
}

func TestRelationSchemaViolationIsReported(t *testing.T) {
	s := NewSession(t, ticketPage)

	s.Tracer("ticket.open").Start(optracez.StartInput{Variant: "cold", RelatedTo: optracez.RelatedTo{"ticket_id": 7}})

	errs := s.Errors()
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %v", errs)
	}
	if !errors.Is(errs[0], optracez.ErrInvalidRelatedTo) {
		t.Errorf("error = %v, want invalid related-to", errs[0])
	}
	if s.Tracer("ticket.open").CurrentTrace() == nil {
		t.Error("a schema violation is reported, the trace still starts")
	}
}
