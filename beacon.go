package optracez

import "time"

// RenderBeaconSpan summarises the renders of one component within a trace.
// Offsets are relative to the trace start; durations are relative to the
// first render start.
type RenderBeaconSpan struct {
	StartOffset            time.Duration  `json:"start_offset" msgpack:"start_offset"`
	FirstRenderTillLoading *time.Duration `json:"first_render_till_loading,omitempty" msgpack:"first_render_till_loading,omitempty"`
	FirstRenderTillData    time.Duration  `json:"first_render_till_data" msgpack:"first_render_till_data"`
	FirstRenderTillContent time.Duration  `json:"first_render_till_content" msgpack:"first_render_till_content"`
	RenderCount            int            `json:"render_count" msgpack:"render_count"`
	SumOfRenderDurations   time.Duration  `json:"sum_of_render_durations" msgpack:"sum_of_render_durations"`
}

type beaconAccumulator struct {
	firstStart   time.Duration
	loadingEnd   *time.Duration
	contentStart *time.Duration
	contentEnd   *time.Duration
	pendingStart *time.Duration
	renderCount  int
	sum          time.Duration
	seen         bool
}

func (a *beaconAccumulator) add(item *SpanAndAnnotation) {
	s := item.Span
	start, end := item.Annotation.StartOffset, item.Annotation.EndOffset
	if !a.seen || start < a.firstStart {
		a.firstStart = start
		a.seen = true
	}
	if s.Type == SpanTypeComponentRenderStart {
		if a.pendingStart == nil || start > *a.pendingStart {
			a.pendingStart = &start
		}
		return
	}

	renderStart := start
	if a.pendingStart != nil && *a.pendingStart < start {
		renderStart = *a.pendingStart
	}
	a.pendingStart = nil
	a.renderCount++
	a.sum += end - renderStart

	switch s.RenderedOutput {
	case RenderedLoading:
		if a.loadingEnd == nil {
			a.loadingEnd = &end
		}
	case RenderedContent:
		if a.contentStart == nil {
			a.contentStart = &start
		}
		if a.contentEnd == nil {
			a.contentEnd = &end
		}
	}
}

func (a *beaconAccumulator) result() (RenderBeaconSpan, bool) {
	if a.contentEnd == nil {
		return RenderBeaconSpan{}, false
	}
	out := RenderBeaconSpan{
		StartOffset:            a.firstStart,
		FirstRenderTillData:    *a.contentStart - a.firstStart,
		FirstRenderTillContent: *a.contentEnd - a.firstStart,
		RenderCount:            a.renderCount,
		SumOfRenderDurations:   a.sum,
	}
	if a.loadingEnd != nil {
		d := *a.loadingEnd - a.firstStart
		out.FirstRenderTillLoading = &d
	}
	return out, true
}

// relatedCompatible reports whether every key present on both sides agrees.
func relatedCompatible(span, trace RelatedTo) bool {
	for k, want := range trace {
		if got, ok := span[k]; ok && !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// computeRenderBeaconSpans groups render spans by component name. Components
// that never rendered content are omitted.
func computeRenderBeaconSpans(items []*SpanAndAnnotation, related RelatedTo) map[string]RenderBeaconSpan {
	acc := make(map[string]*beaconAccumulator)
	var names []string
	for _, item := range items {
		s := item.Span
		if !s.IsRender() || !relatedCompatible(s.RelatedTo, related) {
			continue
		}
		a, ok := acc[s.Name]
		if !ok {
			a = &beaconAccumulator{}
			acc[s.Name] = a
			names = append(names, s.Name)
		}
		a.add(item)
	}

	out := make(map[string]RenderBeaconSpan, len(names))
	for _, name := range names {
		if beacon, ok := acc[name].result(); ok {
			out[name] = beacon
		}
	}
	return out
}
