package optracez

import (
	"sort"
	"time"
)

// Transition describes one state change and what the trace knew at that point.
type Transition struct {
	From               TraceState
	To                 TraceState
	InterruptionReason InterruptReason

	LastRequiredSpan *SpanAndAnnotation
	CompleteSpan     *SpanAndAnnotation
	CPUIdleSpan      *SpanAndAnnotation
	LastRelevantSpan *SpanAndAnnotation
}

// stateMachine drives one trace. Every event is handled by an exhaustive
// switch over the closed state set; entering a state may yield the next
// transition, which is applied immediately.
//
//nolint:govet // Field order groups per-state data
type stateMachine struct {
	t     *Trace
	state TraceState

	// draft
	draftBuffer []*Span

	// active
	matched []bool

	// debouncing
	debounceBuffer []*SpanAndAnnotation

	// waiting-for-interactive
	detector QuietWindowProcessor

	lastRelevant *SpanAndAnnotation
	lastRequired *SpanAndAnnotation
	completeSpan *SpanAndAnnotation
	cpuIdle      *SpanAndAnnotation

	final *Transition
}

func newStateMachine(t *Trace) *stateMachine {
	return &stateMachine{
		t:       t,
		state:   StateDraft,
		matched: make([]bool, len(t.def.RequiredSpans)),
	}
}

func (sm *stateMachine) to(state TraceState) *Transition {
	return &Transition{To: state}
}

func (sm *stateMachine) interruptWith(reason InterruptReason) *Transition {
	return &Transition{To: StateInterrupted, InterruptionReason: reason}
}

// start enters draft and arms the global deadline.
func (sm *stateMachine) start() {
	sm.t.deadlines.set(DeadlineGlobal, sm.t.globalDeadline())
}

// apply runs a transition and every transition its entry produces.
func (sm *stateMachine) apply(tr *Transition) {
	for tr != nil {
		if sm.state.IsTerminal() {
			return
		}
		tr.From = sm.state
		tr.LastRequiredSpan = sm.lastRequired
		tr.LastRelevantSpan = sm.lastRelevant
		if tr.CompleteSpan == nil {
			tr.CompleteSpan = sm.completeSpan
		}
		sm.state = tr.To
		sm.t.onTransition(tr)
		tr = sm.enter(tr)
	}
}

// processSpan feeds a span event to the current state.
func (sm *stateMachine) processSpan(item *SpanAndAnnotation) {
	sm.apply(sm.onProcessSpan(item))
}

// interrupt feeds an interruption to the current state.
func (sm *stateMachine) interrupt(reason InterruptReason) {
	if sm.state.IsTerminal() {
		return
	}
	sm.apply(sm.interruptWith(reason))
}

// deadline feeds an expired deadline to the current state.
func (sm *stateMachine) deadline(kind DeadlineKind) {
	sm.apply(sm.onDeadline(kind))
}

// makeActive leaves draft.
func (sm *stateMachine) makeActive() bool {
	if sm.state != StateDraft {
		return false
	}
	sm.apply(sm.to(StateActive))
	return true
}

// resizeRequirements keeps the matched flags in step with a patched
// definition. Only valid before any requirement was evaluated.
func (sm *stateMachine) resizeRequirements() {
	matched := make([]bool, len(sm.t.def.RequiredSpans))
	copy(matched, sm.matched)
	sm.matched = matched
}

func (sm *stateMachine) enter(tr *Transition) *Transition {
	switch sm.state {
	case StateDraft:
		return nil

	case StateActive:
		buffer := sm.draftBuffer
		sm.draftBuffer = nil
		for _, span := range buffer {
			if sm.state.IsTerminal() {
				break
			}
			item := sm.t.recordIn(span, StateDraft)
			sm.processSpan(item)
		}
		return nil

	case StateDebouncing:
		sm.lastRequired = sm.lastRelevant
		if sm.lastRequired != nil {
			sm.lastRequired.Annotation.MarkedRequirementsMet = true
		}
		if len(sm.t.def.DebounceOnSpans) == 0 {
			return sm.to(StateWaitingForInteractive)
		}
		sm.t.deadlines.set(DeadlineDebounce, sm.debounceDeadlineFrom(sm.lastRelevant))
		return nil

	case StateWaitingForInteractive:
		sm.t.deadlines.clear(DeadlineDebounce)
		sm.completeSpan = sm.lastRelevant
		if sm.completeSpan != nil {
			sm.completeSpan.Annotation.MarkedComplete = true
		}
		cfg := sm.t.def.CaptureInteractive
		if cfg == nil || sm.completeSpan == nil {
			return sm.to(StateComplete)
		}
		sm.detector = cfg.newProcessor(sm.completeSpan)
		sm.t.deadlines.set(DeadlineInteractive, sm.completeSpan.Span.End()+cfg.timeout())
		sm.armQuietWindow()

		buffer := sm.debounceBuffer
		sm.debounceBuffer = nil
		sort.SliceStable(buffer, func(i, j int) bool {
			return buffer[i].Span.End() < buffer[j].Span.End()
		})
		for _, item := range buffer {
			if next := sm.onProcessSpan(item); next != nil {
				return next
			}
		}
		return nil

	case StateComplete:
		sm.t.deadlines.clearAll()
		if sm.cpuIdle != nil {
			sm.cpuIdle.Annotation.MarkedPageInteractive = true
		}
		tr.CPUIdleSpan = sm.cpuIdle
		sm.final = tr
		sm.t.finish(tr)
		return nil

	case StateInterrupted:
		sm.t.deadlines.clearAll()
		if tr.From == StateDraft && tr.InterruptionReason.IsReported() {
			buffer := sm.draftBuffer
			sm.draftBuffer = nil
			for _, span := range buffer {
				sm.t.recordIn(span, StateDraft)
			}
		}
		sm.final = tr
		sm.t.finish(tr)
		return nil

	default:
		return sm.interruptWith(ReasonInvalidStateTransition)
	}
}

func (sm *stateMachine) onProcessSpan(item *SpanAndAnnotation) *Transition {
	switch sm.state {
	case StateDraft:
		sm.draftBuffer = append(sm.draftBuffer, item.Span)
		if sm.t.exceedsGlobalDeadline(item) {
			return sm.interruptWith(ReasonTimeout)
		}
		if sm.matchesInterrupt(item) {
			return sm.interruptWith(ReasonMatchedOnInterrupt)
		}
		return nil

	case StateActive:
		if sm.t.exceedsGlobalDeadline(item) {
			return sm.interruptWith(ReasonTimeout)
		}
		if sm.matchesInterrupt(item) {
			return sm.interruptWith(ReasonMatchedOnInterrupt)
		}
		if item.Span.IsStartHalf {
			// Only the end half of a paired span satisfies requirements.
			return nil
		}
		for i, m := range sm.t.def.RequiredSpans {
			if sm.matched[i] || !m.Matches(item, sm.t) {
				continue
			}
			if item.Span.Status == StatusError && !m.Tags.ContinueWithErrorStatus {
				return sm.interruptWith(ReasonMatchedOnRequiredSpanWithError)
			}
			sm.matched[i] = true
			sm.t.onRequiredSpanSeen(item, m)
			if sm.lastRelevant == nil || item.Annotation.EndOffset > sm.lastRelevant.Annotation.EndOffset {
				sm.lastRelevant = item
			}
		}
		for _, ok := range sm.matched {
			if !ok {
				return nil
			}
		}
		return sm.to(StateDebouncing)

	case StateDebouncing:
		if sm.t.exceedsGlobalDeadline(item) {
			return sm.interruptWith(ReasonTimeout)
		}
		if sm.matchesInterrupt(item) {
			return sm.interruptWith(ReasonMatchedOnInterrupt)
		}
		if sm.idleRegressed(item) {
			return sm.interruptWith(ReasonIdleComponentNoLongerIdle)
		}
		sm.debounceBuffer = append(sm.debounceBuffer, item)
		if item.Span.IsStartHalf {
			return nil
		}
		for _, m := range sm.t.def.DebounceOnSpans {
			if !m.Matches(item, sm.t) {
				continue
			}
			if sm.lastRelevant == nil || item.Annotation.EndOffset > sm.lastRelevant.Annotation.EndOffset {
				sm.lastRelevant = item
				sm.t.deadlines.set(DeadlineDebounce, sm.debounceDeadlineFrom(item))
			}
			break
		}
		return nil

	case StateWaitingForInteractive:
		if idle, ok := sm.detector.ProcessEntry(item); ok && idle.Span.End() <= sm.t.globalDeadline() {
			sm.cpuIdle = idle
			return sm.to(StateComplete)
		}
		if sm.t.exceedsGlobalDeadline(item) {
			return sm.interruptWith(ReasonTimeout)
		}
		if sm.matchesInterrupt(item) {
			return sm.interruptWith(ReasonMatchedOnInterrupt)
		}
		if sm.idleRegressed(item) {
			return sm.interruptWith(ReasonIdleComponentNoLongerIdle)
		}
		if at, ok := sm.t.deadlines.get(DeadlineInteractive); ok && item.Span.End() > at {
			return sm.to(StateComplete)
		}
		sm.armQuietWindow()
		return nil

	case StateComplete, StateInterrupted:
		return nil

	default:
		return sm.interruptWith(ReasonInvalidStateTransition)
	}
}

func (sm *stateMachine) onDeadline(kind DeadlineKind) *Transition {
	switch sm.state {
	case StateDraft, StateActive:
		if kind == DeadlineGlobal {
			return sm.interruptWith(ReasonTimeout)
		}
		return nil

	case StateDebouncing:
		switch kind {
		case DeadlineGlobal:
			return sm.interruptWith(ReasonTimeout)
		case DeadlineDebounce:
			return sm.to(StateWaitingForInteractive)
		default:
			return nil
		}

	case StateWaitingForInteractive:
		switch kind {
		case DeadlineGlobal, DeadlineInteractive:
			return sm.to(StateComplete)
		case DeadlineNextQuietWindow:
			if idle, ok := sm.detector.CheckQuietWindow(sm.t.now()); ok && idle.Span.End() <= sm.t.globalDeadline() {
				sm.cpuIdle = idle
				return sm.to(StateComplete)
			}
			sm.armQuietWindow()
			return nil
		default:
			return nil
		}

	case StateComplete, StateInterrupted:
		return nil

	default:
		return sm.interruptWith(ReasonInvalidStateTransition)
	}
}

func (sm *stateMachine) matchesInterrupt(item *SpanAndAnnotation) bool {
	for _, m := range sm.t.def.InterruptOnSpans {
		if m.Matches(item, sm.t) {
			return true
		}
	}
	return false
}

// idleRegressed reports whether a non-idle render would have satisfied an
// idle-checked requirement had it been idle: the component went back to work
// after the trace relied on it being settled.
func (sm *stateMachine) idleRegressed(item *SpanAndAnnotation) bool {
	s := item.Span
	if s.Type != SpanTypeComponentRender || s.IsIdle {
		return false
	}
	pretend := *s
	pretend.IsIdle = true
	probe := &SpanAndAnnotation{Span: &pretend, Annotation: item.Annotation}
	for _, m := range sm.t.def.RequiredSpans {
		if m.Tags.IdleCheck && m.Matches(probe, sm.t) {
			return true
		}
	}
	return false
}

func (sm *stateMachine) debounceDeadlineFrom(item *SpanAndAnnotation) time.Duration {
	var end time.Duration
	if item != nil {
		end = item.Span.End()
	} else {
		end = sm.t.now()
	}
	return end + sm.t.def.debounceWindow()
}

func (sm *stateMachine) armQuietWindow() {
	next := sm.detector.NextCheck()
	if next <= sm.t.now() {
		next = sm.t.now()
	}
	sm.t.deadlines.set(DeadlineNextQuietWindow, next)
}
