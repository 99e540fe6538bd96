// Package optracez turns a stream of timed spans into complete, annotated
// operation traces.
//
// optracez is an in-process lifecycle engine: instead of shipping raw spans to
// a backend, each tracked operation is followed from its first signal until it
// settles, and a single immutable TraceRecording is emitted when it ends.
//
// Core Components:.
//   - Manager: owns the current trace, ingests spans and fans out lifecycle events.
//   - Tracer: bound to one TraceDefinition, starts and steers its trace instances.
//   - Trace: one operation instance driven by a closed state machine.
//   - Matcher: span predicates used to configure requirements and query recordings.
//   - TraceRecording: the immutable report produced when a trace ends.
//
// Basic Usage:.
//
//	loop := optracez.NewLoop(clockz.RealClock)
//	defer loop.Close()
//
//	manager := optracez.NewManager(
//		optracez.WithScheduler(loop),
//		optracez.WithReportFn(func(rec *optracez.TraceRecording) { ... }),
//	)
//	tracer := manager.CreateTracer(&optracez.TraceDefinition{
//		Name:          "ticket.open",
//		Variants:      map[string]optracez.Variant{"cold": {Timeout: 10 * time.Second}},
//		RequiredSpans: []*optracez.Matcher{optracez.WithName("ticket-loaded")},
//	})
//
//	loop.Do(func() {
//		tracer.Start(optracez.StartInput{Variant: "cold"})
//		manager.CreateAndProcessSpan(optracez.SpanInput{Name: "ticket-loaded"})
//	})
//
// Threading Model:.
//
// The engine is single threaded. Every call into a Manager, Tracer or Trace
// must happen on the scheduler's thread: use Loop.Do from other goroutines, or
// drive a ManualLoop from the test goroutine. Deadlines fire as tasks on the
// same loop, so no locks are needed anywhere in the core.
package optracez

import "time"

// SpanType classifies a span.
type SpanType string

// Span types understood by the engine.
const (
	SpanTypeMark                 SpanType = "mark"
	SpanTypeMeasure              SpanType = "measure"
	SpanTypeResource             SpanType = "resource"
	SpanTypeLongTask             SpanType = "long-task"
	SpanTypeError                SpanType = "error"
	SpanTypeOperation            SpanType = "operation"
	SpanTypeComponentRender      SpanType = "component-render"
	SpanTypeComponentRenderStart SpanType = "component-render-start"
	SpanTypeComponentUnmount     SpanType = "component-unmount"
)

// SpanStatus is either ok or error.
type SpanStatus string

// Span statuses.
const (
	StatusOK    SpanStatus = "ok"
	StatusError SpanStatus = "error"
)

// RecordingStatus is the final status of a trace.
type RecordingStatus string

// Recording statuses.
const (
	RecordingOK          RecordingStatus = "ok"
	RecordingError       RecordingStatus = "error"
	RecordingInterrupted RecordingStatus = "interrupted"
)

// RenderedOutput describes what a component render committed.
type RenderedOutput string

// Rendered outputs.
const (
	RenderedNull    RenderedOutput = "null"
	RenderedLoading RenderedOutput = "loading"
	RenderedContent RenderedOutput = "content"
	RenderedError   RenderedOutput = "error"
)

// TraceState is a state of the trace lifecycle.
type TraceState string

// Trace states. Complete and Interrupted are terminal.
const (
	StateDraft                 TraceState = "draft"
	StateActive                TraceState = "active"
	StateDebouncing            TraceState = "debouncing"
	StateWaitingForInteractive TraceState = "waiting-for-interactive"
	StateComplete              TraceState = "complete"
	StateInterrupted           TraceState = "interrupted"
)

// IsTerminal reports whether no further transition can leave the state.
func (s TraceState) IsTerminal() bool {
	return s == StateComplete || s == StateInterrupted
}

// InterruptReason is the closed set of reasons a trace can be interrupted.
type InterruptReason string

// Interruption reasons.
const (
	ReasonTimeout                        InterruptReason = "timeout"
	ReasonDraftCancelled                 InterruptReason = "draft-cancelled"
	ReasonInvalidStateTransition         InterruptReason = "invalid-state-transition"
	ReasonParentInterrupted              InterruptReason = "parent-interrupted"
	ReasonChildInterrupted               InterruptReason = "child-interrupted"
	ReasonChildTimeout                   InterruptReason = "child-timeout"
	ReasonAborted                        InterruptReason = "aborted"
	ReasonIdleComponentNoLongerIdle      InterruptReason = "idle-component-no-longer-idle"
	ReasonMatchedOnInterrupt             InterruptReason = "matched-on-interrupt"
	ReasonMatchedOnRequiredSpanWithError InterruptReason = "matched-on-required-span-with-error"
	ReasonAnotherTraceStarted            InterruptReason = "another-trace-started"
	ReasonDefinitionChanged              InterruptReason = "definition-changed"
)

// IsInvalid reports whether a trace interrupted for this reason is discarded
// without a recording.
func (r InterruptReason) IsInvalid() bool {
	switch r {
	case ReasonTimeout, ReasonDraftCancelled, ReasonInvalidStateTransition,
		ReasonParentInterrupted, ReasonChildInterrupted, ReasonChildTimeout:
		return true
	default:
		return false
	}
}

// IsReported reports whether a trace interrupted for this reason produces a
// recording.
func (r InterruptReason) IsReported() bool {
	return !r.IsInvalid() && r != ReasonDefinitionChanged
}

// Timestamp pairs a wall clock time with a monotonic offset from the
// scheduler origin. All engine arithmetic uses Now.
type Timestamp struct {
	Epoch time.Time     `json:"epoch"`
	Now   time.Duration `json:"now"`
}

// Add returns the timestamp shifted by d.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return Timestamp{Epoch: t.Epoch.Add(d), Now: t.Now + d}
}

// Attributes is a free-form attribute bag.
type Attributes = map[string]any

// RelatedTo identifies the subject of a span or trace, e.g. {"ticketId": "12"}.
type RelatedTo = map[string]any

type sentinel struct{ name string }

func (s *sentinel) String() string { return s.name }

var (
	// InheritAttribute as a heritable attribute value means "take the value of
	// the nearest ancestor span".
	InheritAttribute any = &sentinel{name: "inherit"}

	// RemoveAttribute passed to UpdateSpan marks an attribute as removed. The
	// key stays in the map holding this marker.
	RemoveAttribute any = &sentinel{name: "remove"}
)

// Default tunables.
const (
	DefaultDebounceWindow                              = 500 * time.Millisecond
	DefaultInteractiveTimeout                          = 5 * time.Second
	DefaultQuietWindow                                 = 2 * time.Second
	DefaultAcceptSpansStartedBeforeTraceStartThreshold = 100 * time.Millisecond

	// deadlineBuffer is added to every programmed timer so a deadline never
	// fires before the clock has actually passed it.
	deadlineBuffer = time.Millisecond
)
