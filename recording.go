package optracez

import (
	"time"
)

// ComputedSpan is a derived duration relative to the trace start.
type ComputedSpan struct {
	StartOffset time.Duration `json:"start_offset" msgpack:"start_offset"`
	Duration    time.Duration `json:"duration" msgpack:"duration"`
}

// AdditionalDurations are milestone durations measured from the trace start.
type AdditionalDurations struct {
	StartTillRequirementsMet *time.Duration `json:"start_till_requirements_met,omitempty" msgpack:"start_till_requirements_met,omitempty"`
	StartTillInteractive     *time.Duration `json:"start_till_interactive,omitempty" msgpack:"start_till_interactive,omitempty"`
	CompleteTillInteractive  *time.Duration `json:"complete_till_interactive,omitempty" msgpack:"complete_till_interactive,omitempty"`
}

// TraceRecording is the immutable report of a finished trace. Entries hold
// copies of the recorded spans; later span updates never reach a recording.
//
//nolint:govet // Field order follows the report layout
type TraceRecording struct {
	ID            string    `json:"id" msgpack:"id"`
	Name          string    `json:"name" msgpack:"name"`
	Variant       string    `json:"variant" msgpack:"variant"`
	ParentTraceID string    `json:"parent_trace_id,omitempty" msgpack:"parent_trace_id,omitempty"`
	StartTime     Timestamp `json:"start_time" msgpack:"start_time"`
	RelatedTo     RelatedTo `json:"related_to,omitempty" msgpack:"related_to,omitempty"`

	Status             RecordingStatus `json:"status" msgpack:"status"`
	InterruptionReason InterruptReason `json:"interruption_reason,omitempty" msgpack:"interruption_reason,omitempty"`
	Duration           *time.Duration  `json:"duration,omitempty" msgpack:"duration,omitempty"`
	AdditionalDurations

	ComputedSpans             map[string]ComputedSpan     `json:"computed_spans" msgpack:"computed_spans"`
	ComputedValues            map[string]any              `json:"computed_values" msgpack:"computed_values"`
	ComputedRenderBeaconSpans map[string]RenderBeaconSpan `json:"computed_render_beacon_spans" msgpack:"computed_render_beacon_spans"`
	Attributes                Attributes                  `json:"attributes,omitempty" msgpack:"attributes,omitempty"`
	Error                     error                       `json:"-" msgpack:"-"`
	Entries                   []*SpanAndAnnotation        `json:"entries" msgpack:"entries"`
}

// recordingSource is everything a recording is computed from. Building from
// the same source twice yields equal recordings.
type recordingSource struct {
	ctx        TraceContext
	def        *TraceDefinition
	input      TraceInput
	transition *Transition
	items      []*SpanAndAnnotation
	parentOf   func(*SpanAndAnnotation) string
	heritable  []string
	err        error
}

func (t *Trace) buildRecording(tr *Transition) *TraceRecording {
	return buildRecording(recordingSource{
		ctx:        t,
		def:        t.def,
		input:      t.input,
		transition: tr,
		items:      t.recorded,
		parentOf: func(item *SpanAndAnnotation) string {
			return t.mgr.arena.parentID(item.Span, item, t)
		},
		heritable: t.heritable(),
		err:       t.err,
	})
}

func offsetOf(item *SpanAndAnnotation) *time.Duration {
	if item == nil {
		return nil
	}
	d := item.Annotation.EndOffset
	return &d
}

func buildRecording(src recordingSource) *TraceRecording {
	tr := src.transition
	interrupted := tr.To == StateInterrupted

	rec := &TraceRecording{
		ID:                        src.input.ID,
		Name:                      src.def.Name,
		Variant:                   src.input.Variant,
		ParentTraceID:             src.input.ParentTraceID,
		StartTime:                 src.input.StartTime,
		RelatedTo:                 copyMap(src.input.RelatedTo),
		Status:                    RecordingOK,
		ComputedSpans:             map[string]ComputedSpan{},
		ComputedValues:            map[string]any{},
		ComputedRenderBeaconSpans: map[string]RenderBeaconSpan{},
	}

	// Work on copies so propagation never touches the live spans.
	parents := make(map[string]string, len(src.items))
	items := make([]*SpanAndAnnotation, len(src.items))
	for i, item := range src.items {
		parents[item.Span.ID] = src.parentOf(item)
		annotation := *item.Annotation
		annotation.Labels = append([]string(nil), item.Annotation.Labels...)
		items[i] = &SpanAndAnnotation{Span: item.Span.clone(), Annotation: &annotation}
	}

	suppressed := func(item *SpanAndAnnotation) bool {
		for _, m := range src.def.SuppressErrorStatusPropagationOnSpans {
			if m.Matches(item, src.ctx) {
				return true
			}
		}
		return false
	}
	parentOf := func(item *SpanAndAnnotation) string { return parents[item.Span.ID] }
	PropagateStatusAndAttributes(items, parentOf, src.heritable, suppressed)

	tree := buildSpanTree(items, parentOf)
	rec.Entries = filterEntries(items, tree, anchorOf(tr))

	if interrupted {
		rec.Status = RecordingInterrupted
		rec.InterruptionReason = tr.InterruptionReason
		rec.StartTillRequirementsMet = offsetOf(tr.LastRequiredSpan)
	} else {
		rec.Duration = offsetOf(tr.CompleteSpan)
		rec.StartTillRequirementsMet = offsetOf(tr.LastRequiredSpan)
		rec.StartTillInteractive = offsetOf(tr.CPUIdleSpan)
		if tr.CPUIdleSpan != nil && tr.CompleteSpan != nil {
			d := tr.CPUIdleSpan.Annotation.EndOffset - tr.CompleteSpan.Annotation.EndOffset
			rec.CompleteTillInteractive = &d
		}
		for _, item := range rec.Entries {
			if item.Span.Status == StatusError && !suppressed(item) {
				rec.Status = RecordingError
				rec.Error = item.Span.Error
				break
			}
		}
		computeSpans(rec, src, items)
		computeValues(rec, src, items)
		rec.ComputedRenderBeaconSpans = computeRenderBeaconSpans(items, src.input.RelatedTo)
	}
	if src.err != nil {
		rec.Error = src.err
	}

	rec.Attributes = promoteAttributes(src, items)
	return rec
}

// anchorOf is the item whose end bounds the reported entries.
func anchorOf(tr *Transition) *SpanAndAnnotation {
	switch {
	case tr.CPUIdleSpan != nil:
		return tr.CPUIdleSpan
	case tr.CompleteSpan != nil:
		return tr.CompleteSpan
	default:
		return tr.LastRelevantSpan
	}
}

// filterEntries drops internal spans, start halves that have a recorded end
// half, and spans ending after the anchor. Surviving entries carry their
// resolved parent id.
func filterEntries(items []*SpanAndAnnotation, tree *spanTree, anchor *SpanAndAnnotation) []*SpanAndAnnotation {
	paired := make(map[string]struct{})
	for _, item := range items {
		if item.Span.StartSpanID != "" {
			paired[item.Span.StartSpanID] = struct{}{}
		}
	}
	out := make([]*SpanAndAnnotation, 0, len(items))
	for _, item := range items {
		s := item.Span
		if s.InternalUse {
			continue
		}
		if _, ok := paired[s.ID]; ok && s.IsStartHalf {
			continue
		}
		if anchor != nil && item.Annotation.EndOffset > anchor.Annotation.EndOffset {
			continue
		}
		s.ParentSpanID = tree.parent[s.ID]
		s.GetParentSpan = nil
		s.ParentMatcher = nil
		out = append(out, item)
	}
	return out
}

func resolveBound(b SpanBound, tr *Transition, items []*SpanAndAnnotation, ctx TraceContext, start bool) (time.Duration, bool) {
	switch b.Token {
	case BoundOperationStart:
		return 0, true
	case BoundOperationEnd:
		if tr.CompleteSpan == nil {
			return 0, false
		}
		return tr.CompleteSpan.Annotation.EndOffset, true
	case BoundInteractive:
		if tr.CPUIdleSpan == nil {
			return 0, false
		}
		return tr.CPUIdleSpan.Annotation.EndOffset, true
	}
	found := FindMatchingSpan(b.Matcher, items, ctx, nil)
	if found == nil {
		return 0, false
	}
	if start {
		return found.Annotation.StartOffset, true
	}
	return found.Annotation.EndOffset, true
}

func computeSpans(rec *TraceRecording, src recordingSource, items []*SpanAndAnnotation) {
	for _, def := range src.def.ComputedSpanDefinitions {
		start, ok := resolveBound(def.Start, src.transition, items, src.ctx, true)
		if !ok {
			continue
		}
		end, ok := resolveBound(def.End, src.transition, items, src.ctx, false)
		if !ok {
			continue
		}
		rec.ComputedSpans[def.Name] = ComputedSpan{StartOffset: start, Duration: end - start}
	}
}

func computeValues(rec *TraceRecording, src recordingSource, items []*SpanAndAnnotation) {
	for _, def := range src.def.ComputedValueDefinitions {
		if def.Compute == nil {
			continue
		}
		buckets := make([][]*SpanAndAnnotation, len(def.Matches))
		for i, m := range def.Matches {
			for _, item := range items {
				if m.Matches(item, src.ctx) {
					buckets[i] = append(buckets[i], item)
				}
			}
		}
		if v, ok := def.Compute(buckets); ok && v != nil {
			rec.ComputedValues[def.Name] = v
		}
	}
}

// promoteAttributes applies the promotion rules in order, later rules
// overwriting earlier ones, then lays the trace's own attributes on top.
func promoteAttributes(src recordingSource, items []*SpanAndAnnotation) Attributes {
	attrs := Attributes{}
	copyKeys := func(item *SpanAndAnnotation, keys []string) {
		for _, k := range keys {
			if v, ok := item.Span.Attributes[k]; ok {
				attrs[k] = v
			}
		}
	}
	for _, rule := range src.def.PromoteSpanAttributes {
		if rule.Span == nil {
			continue
		}
		if rule.Span.Tags.NthMatch != nil {
			if item := FindMatchingSpan(rule.Span, items, src.ctx, nil); item != nil {
				copyKeys(item, rule.Attributes)
			}
			continue
		}
		for _, item := range items {
			if rule.Span.Matches(item, src.ctx) {
				copyKeys(item, rule.Attributes)
			}
		}
	}
	for k, v := range src.input.Attributes {
		attrs[k] = v
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}
