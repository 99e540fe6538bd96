package optracez

import (
	"time"
)

// PerformanceEntry is the platform event a span was derived from. It is only
// consulted by deduplication strategies and entry-name matchers.
type PerformanceEntry struct {
	Name      string        `json:"name"`
	EntryType string        `json:"entry_type"`
	StartTime time.Duration `json:"start_time"`
	Duration  time.Duration `json:"duration"`
}

// Span is one timed occurrence fed into the engine.
// Only the fields listed on SpanUpdate may change after the span is ingested.
//
//nolint:govet // Field order follows the JSON layout
type Span struct {
	ID        string        `json:"id"`
	Type      SpanType      `json:"type"`
	Name      string        `json:"name"`
	StartTime Timestamp     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Status    SpanStatus    `json:"status"`

	Attributes Attributes `json:"attributes,omitempty"`
	RelatedTo  RelatedTo  `json:"related_to,omitempty"`
	Error      error      `json:"-" msgpack:"-"`

	// Parent is given either directly by id, by a resolver function invoked at
	// most once, or by a declarative ParentMatcher compiled into a resolver.
	ParentSpanID  string         `json:"parent_span_id,omitempty"`
	GetParentSpan ParentResolver `json:"-" msgpack:"-"`
	ParentMatcher *ParentMatcher `json:"-" msgpack:"-"`

	TickID           string            `json:"tick_id,omitempty"`
	PerformanceEntry *PerformanceEntry `json:"performance_entry,omitempty"`

	// Component render fields.
	IsIdle         bool           `json:"is_idle,omitempty"`
	RenderCount    int            `json:"render_count,omitempty"`
	RenderedOutput RenderedOutput `json:"rendered_output,omitempty"`

	// StartSpanID is set on the end half of a manually paired span.
	StartSpanID string `json:"start_span_id,omitempty"`
	IsStartHalf bool   `json:"is_start_half,omitempty"`
	InternalUse bool   `json:"internal_use,omitempty"`
}

// End returns the monotonic end time of the span.
func (s *Span) End() time.Duration {
	return s.StartTime.Now + s.Duration
}

// IsRender reports whether the span is a component render or render start.
func (s *Span) IsRender() bool {
	return s.Type == SpanTypeComponentRender || s.Type == SpanTypeComponentRenderStart
}

func (s *Span) key() string {
	return string(s.Type) + "|" + s.Name
}

// clone returns a copy whose maps can be mutated independently.
func (s *Span) clone() *Span {
	c := *s
	c.Attributes = copyMap(s.Attributes)
	c.RelatedTo = copyMap(s.RelatedTo)
	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SpanAnnotation is trace-scoped metadata computed when a trace absorbs a span.
type SpanAnnotation struct {
	TraceID               string        `json:"trace_id"`
	Occurrence            int           `json:"occurrence"`
	StartOffset           time.Duration `json:"start_offset"`
	EndOffset             time.Duration `json:"end_offset"`
	RecordedInState       TraceState    `json:"recorded_in_state"`
	Labels                []string      `json:"labels,omitempty"`
	MarkedRequirementsMet bool          `json:"marked_requirements_met,omitempty"`
	MarkedComplete        bool          `json:"marked_complete,omitempty"`
	MarkedPageInteractive bool          `json:"marked_page_interactive,omitempty"`
}

// HasLabel reports whether the annotation carries label.
func (a *SpanAnnotation) HasLabel(label string) bool {
	if a == nil {
		return false
	}
	for _, l := range a.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// SpanAndAnnotation holds a span together with its annotation. The pair's
// identity is stable: deduplication replaces Span in place.
type SpanAndAnnotation struct {
	Span       *Span           `json:"span"`
	Annotation *SpanAnnotation `json:"annotation"`
}

// SpanInput describes a span to be created by the Manager. Zero ID, StartTime
// and Status are filled in.
type SpanInput struct {
	ID               string
	Type             SpanType
	Name             string
	StartTime        *Timestamp
	Duration         time.Duration
	Status           SpanStatus
	Attributes       Attributes
	RelatedTo        RelatedTo
	Error            error
	ParentSpanID     string
	GetParentSpan    ParentResolver
	ParentMatcher    *ParentMatcher
	PerformanceEntry *PerformanceEntry
	IsIdle           bool
	RenderCount      int
	RenderedOutput   RenderedOutput
	InternalUse      bool
}

func (in SpanInput) build(now Timestamp) *Span {
	span := &Span{
		ID:               in.ID,
		Type:             in.Type,
		Name:             in.Name,
		Duration:         in.Duration,
		Status:           in.Status,
		Attributes:       copyMap(in.Attributes),
		RelatedTo:        copyMap(in.RelatedTo),
		Error:            in.Error,
		ParentSpanID:     in.ParentSpanID,
		GetParentSpan:    in.GetParentSpan,
		ParentMatcher:    in.ParentMatcher,
		PerformanceEntry: in.PerformanceEntry,
		IsIdle:           in.IsIdle,
		RenderCount:      in.RenderCount,
		RenderedOutput:   in.RenderedOutput,
		InternalUse:      in.InternalUse,
	}
	if in.StartTime != nil {
		span.StartTime = *in.StartTime
	} else {
		span.StartTime = now
	}
	if span.Type == "" {
		span.Type = SpanTypeMark
	}
	if span.Status == "" {
		if span.Error != nil {
			span.Status = StatusError
		} else {
			span.Status = StatusOK
		}
	}
	return span
}

// SpanUpdate lists the only span fields that may change after ingestion.
type SpanUpdate struct {
	Attributes     Attributes
	RelatedTo      RelatedTo
	RenderedOutput *RenderedOutput
	IsIdle         *bool
}

// apply merges the update into span. Setting an attribute to RemoveAttribute
// keeps the key with the marker as its value.
func (u SpanUpdate) apply(span *Span) {
	if len(u.Attributes) > 0 {
		if span.Attributes == nil {
			span.Attributes = make(Attributes, len(u.Attributes))
		}
		for k, v := range u.Attributes {
			span.Attributes[k] = v
		}
	}
	if len(u.RelatedTo) > 0 {
		if span.RelatedTo == nil {
			span.RelatedTo = make(RelatedTo, len(u.RelatedTo))
		}
		for k, v := range u.RelatedTo {
			span.RelatedTo[k] = v
		}
	}
	if u.RenderedOutput != nil {
		span.RenderedOutput = *u.RenderedOutput
	}
	if u.IsIdle != nil {
		span.IsIdle = *u.IsIdle
	}
}
