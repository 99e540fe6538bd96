package optracez

// Tick is the batch of spans processed within one scheduling turn. Once the
// turn ends the tick is completed and never changes again; spans keep their
// reference to it.
type Tick struct {
	ID        string
	entries   []*Span
	completed bool
}

// Completed reports whether the scheduling turn that produced the tick ended.
func (t *Tick) Completed() bool {
	return t.completed
}

// Spans returns every span processed during the tick, in arrival order.
func (t *Tick) Spans() []*Span {
	out := make([]*Span, len(t.entries))
	copy(out, t.entries)
	return out
}

// CreatedSpans returns the spans that began in this tick: everything except
// the end halves of manually paired spans.
func (t *Tick) CreatedSpans() []*Span {
	out := make([]*Span, 0, len(t.entries))
	for _, s := range t.entries {
		if s.StartSpanID == "" {
			out = append(out, s)
		}
	}
	return out
}

// EndedSpans returns the spans that finished in this tick: everything except
// start halves.
func (t *Tick) EndedSpans() []*Span {
	out := make([]*Span, 0, len(t.entries))
	for _, s := range t.entries {
		if !s.IsStartHalf {
			out = append(out, s)
		}
	}
	return out
}

// TickResolver groups spans into ticks. The first span of a tick schedules a
// flush deferred twice, so work queued during the same turn still lands in
// the tick before it closes.
type TickResolver struct {
	sched     Scheduler
	newID     func() string
	current   *Tick
	scheduled bool
}

// NewTickResolver creates a resolver on sched using newID for tick ids.
func NewTickResolver(sched Scheduler, newID func() string) *TickResolver {
	return &TickResolver{
		sched:   sched,
		newID:   newID,
		current: &Tick{ID: newID()},
	}
}

// Add appends span to the open tick, tags it with the tick id and returns the
// tick.
func (r *TickResolver) Add(span *Span) *Tick {
	tick := r.current
	span.TickID = tick.ID
	tick.entries = append(tick.entries, span)
	if !r.scheduled {
		r.scheduled = true
		r.sched.Defer(func() {
			r.sched.Defer(r.flush)
		})
	}
	return tick
}

// Current returns the open tick.
func (r *TickResolver) Current() *Tick {
	return r.current
}

func (r *TickResolver) flush() {
	r.current.completed = true
	r.current = &Tick{ID: r.newID()}
	r.scheduled = false
}
