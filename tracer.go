package optracez

import (
	"fmt"
)

// Tracer is bound to one TraceDefinition and steers its trace instances.
// Must be used on the manager's scheduler thread.
type Tracer struct {
	m     *Manager
	def   *TraceDefinition
	valid bool
}

// CreateTracer binds def to the manager. An invalid definition is reported
// through the error handler; its tracer never starts traces.
func (m *Manager) CreateTracer(def *TraceDefinition) *Tracer {
	tr := &Tracer{m: m, def: def.clone(), valid: true}
	if err := def.Validate(); err != nil {
		tr.valid = false
		m.reportError(err, nil)
	}
	return tr
}

// Definition returns the tracer's base definition.
func (tr *Tracer) Definition() *TraceDefinition {
	return tr.def
}

// StartInput is the per-instance input of Start and CreateDraft. Zero ID and
// StartTime are filled in.
type StartInput struct {
	ID         string
	StartTime  *Timestamp
	RelatedTo  RelatedTo
	Variant    string
	Attributes Attributes
}

// ActivatedBehavior selects what TransitionDraftToActive does when the trace
// is no longer a draft.
type ActivatedBehavior string

// Activated behaviors.
const (
	ActivatedWarn      ActivatedBehavior = "warn"
	ActivatedError     ActivatedBehavior = "error"
	ActivatedInterrupt ActivatedBehavior = "interrupt"
)

// DraftModifications are applied when a draft becomes active.
type DraftModifications struct {
	RelatedTo  RelatedTo
	Attributes Attributes
	Patch      DefinitionPatch
}

// TransitionOptions tune TransitionDraftToActive.
type TransitionOptions struct {
	PreviouslyActivated ActivatedBehavior
}

// Start creates a trace and activates it immediately. It returns the trace id.
func (tr *Tracer) Start(in StartInput) (string, bool) {
	id, ok := tr.CreateDraft(in)
	if !ok {
		return "", false
	}
	tr.TransitionDraftToActive(DraftModifications{}, TransitionOptions{})
	return id, true
}

// CreateDraft creates a trace in draft. Draft spans are buffered and only
// recorded once the trace becomes active. When the current trace adopts this
// definition the new trace becomes its child; otherwise the current trace is
// interrupted and replaced.
func (tr *Tracer) CreateDraft(in StartInput) (string, bool) {
	m := tr.m
	if !tr.valid {
		m.reportError(fmt.Errorf("%s: %w", tr.def.Name, tr.def.Validate()), nil)
		return "", false
	}
	if _, ok := tr.def.Variants[in.Variant]; !ok {
		m.reportError(fmt.Errorf("%s: %w %q", tr.def.Name, ErrInvalidVariant, in.Variant), nil)
		return "", false
	}

	input := TraceInput{
		ID:         in.ID,
		StartTime:  m.sched.Now(),
		RelatedTo:  copyMap(in.RelatedTo),
		Variant:    in.Variant,
		Attributes: copyMap(in.Attributes),
	}
	if input.ID == "" {
		input.ID = m.generateID(IDKindTrace)
	}
	if in.StartTime != nil {
		input.StartTime = *in.StartTime
	}

	cur := m.current
	if cur != nil && !cur.State().IsTerminal() && cur.def.adopts(tr.def.Name) {
		child := newTrace(m, tr, tr.def, nil, input, cur)
		cur.children = append(cur.children, child)
		m.emit(Event{Kind: EventTraceStart, Trace: child})
		return input.ID, true
	}

	t := newTrace(m, tr, tr.def, nil, input, nil)
	m.current = t
	if cur != nil {
		cur.interrupt(ReasonAnotherTraceStarted)
		for _, child := range cur.Children() {
			child.interrupt(ReasonParentInterrupted)
		}
	}
	m.emit(Event{Kind: EventTraceStart, Trace: t})
	return input.ID, true
}

// currentTrace is the live instance of this tracer: the root trace, or one of
// its children.
func (tr *Tracer) currentTrace() *Trace {
	var found *Trace
	var walk func(t *Trace)
	walk = func(t *Trace) {
		if found != nil {
			return
		}
		if t.tracer == tr && !t.State().IsTerminal() {
			found = t
			return
		}
		for _, c := range t.children {
			walk(c)
		}
	}
	if tr.m.current != nil {
		walk(tr.m.current)
	}
	return found
}

// CurrentTrace returns the live trace of this tracer, if any.
func (tr *Tracer) CurrentTrace() *Trace {
	return tr.currentTrace()
}

// TransitionDraftToActive activates the tracer's draft, applying mods first.
func (tr *Tracer) TransitionDraftToActive(mods DraftModifications, opts TransitionOptions) {
	m := tr.m
	t := tr.currentTrace()
	if t == nil {
		m.reportWarning(fmt.Errorf("%s: %w", tr.def.Name, ErrNoCurrentTrace), nil)
		return
	}
	if t.State() != StateDraft {
		err := fmt.Errorf("%s: %w", tr.def.Name, ErrTraceAlreadyActive)
		switch opts.PreviouslyActivated {
		case ActivatedError:
			m.reportError(err, t)
		case ActivatedInterrupt:
			m.reportError(err, t)
			t.interrupt(ReasonInvalidStateTransition)
		default:
			m.reportWarning(err, t)
		}
		return
	}

	if mods.RelatedTo != nil {
		t.input.RelatedTo = copyMap(mods.RelatedTo)
	}
	if len(mods.Attributes) > 0 {
		if t.input.Attributes == nil {
			t.input.Attributes = make(Attributes, len(mods.Attributes))
		}
		for k, v := range mods.Attributes {
			t.input.Attributes[k] = v
		}
	}
	if !mods.Patch.empty() {
		t.patches = append(t.patches, mods.Patch)
		t.def = effectiveDefinition(t.base, t.patches)
		t.sm.resizeRequirements()
		patch := mods.Patch
		m.emit(Event{Kind: EventDefinitionModified, Trace: t, Patch: &patch})
	}
	if err := m.validateRelatedTo(t.def, t.input.RelatedTo); err != nil {
		m.reportError(err, t)
	}
	t.sm.makeActive()
}

// Interrupt cancels the tracer's live trace: a draft is cancelled silently, a
// running trace is reported as aborted. A non-nil err becomes the
// recording's error.
func (tr *Tracer) Interrupt(err error) {
	t := tr.currentTrace()
	if t == nil {
		tr.m.reportWarning(fmt.Errorf("%s: %w", tr.def.Name, ErrNoCurrentTrace), nil)
		return
	}
	t.err = err
	if t.State() == StateDraft {
		t.interrupt(ReasonDraftCancelled)
		return
	}
	t.interrupt(ReasonAborted)
}

// AddRequirementsToCurrentTraceOnly applies patch to the live trace only. The
// trace is rebuilt with the patched definition, keeping its id and start
// time, and its recorded spans are replayed into the new instance. The old
// instance ends silently.
func (tr *Tracer) AddRequirementsToCurrentTraceOnly(patch DefinitionPatch) {
	m := tr.m
	old := tr.currentTrace()
	if old == nil {
		m.reportWarning(fmt.Errorf("%s: %w", tr.def.Name, ErrNoCurrentTrace), nil)
		return
	}
	if patch.empty() {
		return
	}

	wasDraft := old.State() == StateDraft
	var replay []*Span
	if wasDraft {
		replay = append(replay, old.sm.draftBuffer...)
	} else {
		for _, item := range old.recorded {
			replay = append(replay, item.Span)
		}
	}

	patches := append(old.Patches(), patch)
	t := newTrace(m, tr, old.base, patches, old.input, nil)
	t.err = old.err
	t.parent = old.parent
	t.children = old.children
	for _, c := range t.children {
		c.parent = t
	}
	old.children = nil
	if old.parent != nil {
		old.parent.replaceChild(old, t)
		old.parent = nil
	} else if m.current == old {
		m.current = t
	}

	old.interrupt(ReasonDefinitionChanged)

	if !wasDraft {
		t.sm.makeActive()
	}
	for _, span := range replay {
		t.processSpan(span)
	}
	m.emit(Event{Kind: EventDefinitionModified, Trace: t, Patch: &patch})
}

// DefineComputedSpan adds a computed span to the definition. Traces already
// running keep the definition they started with.
func (tr *Tracer) DefineComputedSpan(def ComputedSpanDefinition) {
	d := tr.def.clone()
	d.ComputedSpanDefinitions = append(d.ComputedSpanDefinitions, def)
	tr.def = d
}

// DefineComputedValue adds a computed value to the definition. Traces already
// running keep the definition they started with.
func (tr *Tracer) DefineComputedValue(def ComputedValueDefinition) {
	d := tr.def.clone()
	d.ComputedValueDefinitions = append(d.ComputedValueDefinitions, def)
	tr.def = d
}
