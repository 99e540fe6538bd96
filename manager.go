package optracez

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Manager owns the current trace and the span ingestion path. All methods
// except the handler registration ones must run on the scheduler thread.
//
//nolint:govet // Field order groups configuration and runtime state
type Manager struct {
	sched     Scheduler
	ownedLoop *Loop
	clock     clockz.Clock
	logger    *zap.Logger

	generateID IDGenerator
	ids        *idSource

	schemas         map[string]RelationSchema
	onError         func(err error, t *Trace)
	onWarning       func(err error, t *Trace)
	dedupeFactory   func() DeduplicationStrategy
	tickTracking    bool
	acceptThreshold time.Duration
	heritable       []string
	arenaCapacity   int

	handlerIDs atomic.Uint64
	events     *eventBus
	reporter   *reporter

	ticks   *TickResolver
	arena   *spanArena
	retired map[string]struct{}
	current *Trace
}

// NewManager creates a manager. Without WithScheduler it runs on its own Loop,
// closed by Close.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		clock:           clockz.RealClock,
		logger:          zap.NewNop(),
		schemas:         make(map[string]RelationSchema),
		tickTracking:    true,
		acceptThreshold: DefaultAcceptSpansStartedBeforeTraceStartThreshold,
		retired:         make(map[string]struct{}),
	}
	m.events = newEventBus(&m.handlerIDs)
	m.reporter = newReporter(&m.handlerIDs)
	for _, opt := range opts {
		opt(m)
	}

	if m.sched == nil {
		m.ownedLoop = NewLoop(m.clock)
		m.sched = m.ownedLoop
	}
	if m.generateID == nil {
		m.ids = newIDSource(m.clock)
		m.generateID = m.ids.generate
	}
	m.ticks = NewTickResolver(m.sched, func() string { return m.generateID(IDKindTick) })
	m.arena = newSpanArena(m.arenaCapacity, func(err error) { m.reportError(err, m.current) })
	return m
}

// Scheduler returns the scheduler the manager runs on.
func (m *Manager) Scheduler() Scheduler {
	return m.sched
}

// AcceptSpansStartedBeforeTraceStartThreshold returns the declared threshold.
func (m *Manager) AcceptSpansStartedBeforeTraceStartThreshold() time.Duration {
	return m.acceptThreshold
}

// Logger returns the manager's logger.
func (m *Manager) Logger() *zap.Logger {
	return m.logger
}

// When subscribes handler to events of kind and returns its id.
func (m *Manager) When(kind EventKind, handler EventHandler) uint64 {
	return m.events.register(kind, handler)
}

// OnRecording registers a synchronous recording handler.
func (m *Manager) OnRecording(handler RecordingHandler) uint64 {
	return m.reporter.register(handler, false)
}

// OnRecordingAsync registers a recording handler run off the scheduler thread.
func (m *Manager) OnRecordingAsync(handler RecordingHandler) uint64 {
	return m.reporter.register(handler, true)
}

// RemoveHandler removes an event or recording handler by id.
func (m *Manager) RemoveHandler(id uint64) {
	if !m.events.remove(id) {
		m.reporter.remove(id)
	}
}

// SetPanicHook sets a function called when an event or recording handler
// panics. Must be called before handlers run.
func (m *Manager) SetPanicHook(hook func(handlerID uint64, r interface{})) {
	m.events.panicHook = hook
	m.reporter.panicHook = hook
}

// EnableWorkerPool bounds async recording handlers to workers goroutines.
func (m *Manager) EnableWorkerPool(workers, queueSize int) error {
	return m.reporter.enableWorkerPool(workers, queueSize)
}

// DroppedRecordings returns how many async deliveries a full worker queue
// rejected.
func (m *Manager) DroppedRecordings() uint64 {
	return m.reporter.dropped.Load()
}

// CurrentTrace returns the root trace occupying the current slot, if any.
func (m *Manager) CurrentTrace() *Trace {
	return m.current
}

// Close stops async delivery, id pools and the owned loop.
func (m *Manager) Close() {
	m.reporter.close()
	if m.ids != nil {
		m.ids.close()
	}
	if m.ownedLoop != nil {
		m.ownedLoop.Close()
	}
}

// SpanHandle is returned for every ingested span.
type SpanHandle struct {
	Span *Span
	// Annotations holds the span's annotation per trace name. Spans
	// ingested while no trace was recording have none.
	Annotations map[string]*SpanAnnotation

	manager *Manager
}

// ResolveParent returns the parent span. With recursive set, ancestors are
// resolved too and inherited attributes are filled in.
func (h *SpanHandle) ResolveParent(recursive bool) *Span {
	m := h.manager
	trace, self := m.traceOf(h.Span)
	var heritable []string
	if trace != nil {
		heritable = trace.heritable()
	} else {
		heritable = m.heritable
	}
	var ctx TraceContext
	if trace != nil {
		ctx = trace
	}
	return m.arena.resolveParent(h.Span, self, ctx, recursive, heritable)
}

// UpdateSpan changes the mutable fields of the span. Recordings already
// produced are not affected.
func (h *SpanHandle) UpdateSpan(u SpanUpdate) {
	u.apply(h.Span)
}

// traceOf finds the live trace that recorded span.
func (m *Manager) traceOf(span *Span) (*Trace, *SpanAndAnnotation) {
	var found *Trace
	var item *SpanAndAnnotation
	var walk func(t *Trace)
	walk = func(t *Trace) {
		if found != nil {
			return
		}
		if it, ok := t.Item(span.ID); ok {
			found, item = t, it
			return
		}
		for _, c := range t.children {
			walk(c)
		}
	}
	if m.current != nil {
		walk(m.current)
	}
	return found, item
}

// ProcessSpan ingests a span built by the caller. A span without id gets one
// and a warning.
func (m *Manager) ProcessSpan(span *Span) *SpanHandle {
	if span.ID == "" {
		span.ID = m.generateID(IDKindSpan)
		m.reportWarning(fmt.Errorf("%w: %s", ErrMissingSpanID, span.Name), m.current)
	}
	return m.ingest(span)
}

// CreateAndProcessSpan builds a span from in and ingests it.
func (m *Manager) CreateAndProcessSpan(in SpanInput) *SpanHandle {
	span := in.build(m.sched.Now())
	if span.ID == "" {
		span.ID = m.generateID(IDKindSpan)
	}
	return m.ingest(span)
}

// StartSpan ingests the start half of a manually paired span.
func (m *Manager) StartSpan(in SpanInput) *SpanHandle {
	in.Duration = 0
	span := in.build(m.sched.Now())
	span.IsStartHalf = true
	if span.ID == "" {
		span.ID = m.generateID(IDKindSpan)
	}
	return m.ingest(span)
}

// EndSpan ingests the end half of start. The end span gets its own id, runs
// from the start time until now and merges the attributes and relations of
// in; a non-empty Status or Error in in overrides the start's.
func (m *Manager) EndSpan(start *Span, in SpanInput) *SpanHandle {
	end := start.clone()
	end.ID = m.generateID(IDKindSpan)
	end.StartSpanID = start.ID
	end.IsStartHalf = false
	end.TickID = ""
	end.Duration = m.sched.Now().Now - start.StartTime.Now
	if end.Duration < 0 {
		end.Duration = 0
	}
	if end.Attributes == nil && len(in.Attributes) > 0 {
		end.Attributes = make(Attributes, len(in.Attributes))
	}
	for k, v := range in.Attributes {
		end.Attributes[k] = v
	}
	if end.RelatedTo == nil && len(in.RelatedTo) > 0 {
		end.RelatedTo = make(RelatedTo, len(in.RelatedTo))
	}
	for k, v := range in.RelatedTo {
		end.RelatedTo[k] = v
	}
	if in.Error != nil {
		end.Error = in.Error
		end.Status = StatusError
	}
	if in.Status != "" {
		end.Status = in.Status
	}
	if in.RenderedOutput != "" {
		end.RenderedOutput = in.RenderedOutput
	}
	return m.ingest(end)
}

// ProcessErrorSpan ingests an error span for err. The span name defaults to
// the error message.
func (m *Manager) ProcessErrorSpan(err error, in SpanInput) *SpanHandle {
	in.Type = SpanTypeError
	in.Status = StatusError
	in.Error = err
	if in.Name == "" && err != nil {
		in.Name = err.Error()
	}
	return m.CreateAndProcessSpan(in)
}

func (m *Manager) ingest(span *Span) *SpanHandle {
	var tick *Tick
	if m.tickTracking {
		tick = m.ticks.Add(span)
	}
	m.arena.put(span, tick)

	handle := &SpanHandle{Span: span, manager: m}
	if m.current == nil {
		return handle
	}
	annotations := make(map[string]*SpanAnnotation)
	m.current.deliver(span, annotations)
	if len(annotations) > 0 {
		handle.Annotations = annotations
	}
	return handle
}

func (m *Manager) emit(ev Event) {
	m.events.emit(ev)
}

func (m *Manager) transitioned(t *Trace, tr *Transition) {
	m.logger.Debug("trace transition",
		zap.String("trace", t.Name()),
		zap.String("trace_id", t.ID()),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.String("reason", string(tr.InterruptionReason)),
	)
	m.emit(Event{Kind: EventStateTransition, Trace: t, Transition: tr})
}

// traceEnded reports the trace, releases its caches and applies the
// parent/child interruption rules.
func (m *Manager) traceEnded(t *Trace, tr *Transition) {
	if tr.To == StateComplete || tr.InterruptionReason.IsReported() {
		rec := t.buildRecording(tr)
		t.recording = rec
		m.logger.Info("trace recorded",
			zap.String("trace", rec.Name),
			zap.String("trace_id", rec.ID),
			zap.String("status", string(rec.Status)),
			zap.String("reason", string(rec.InterruptionReason)),
			zap.Int("entries", len(rec.Entries)),
		)
		m.reporter.report(rec)
	} else {
		m.logger.Debug("trace discarded",
			zap.String("trace", t.Name()),
			zap.String("trace_id", t.ID()),
			zap.String("reason", string(tr.InterruptionReason)),
		)
	}
	t.release()

	if tr.To == StateInterrupted && tr.InterruptionReason != ReasonDefinitionChanged {
		for _, child := range t.Children() {
			child.interrupt(ReasonParentInterrupted)
		}
	}
	if p := t.parent; p != nil {
		p.removeChild(t)
		if tr.To == StateInterrupted {
			switch tr.InterruptionReason {
			case ReasonDefinitionChanged, ReasonParentInterrupted:
			case ReasonTimeout:
				p.interrupt(ReasonChildTimeout)
			default:
				p.interrupt(ReasonChildInterrupted)
			}
		}
	}
	m.settle()
}

// settle frees the current slot once its whole tree has ended.
func (m *Manager) settle() {
	if m.current != nil && !m.current.live() {
		m.current = nil
	}
	if m.current == nil && len(m.retired) > 0 {
		m.arena.forget(m.retired)
		m.retired = make(map[string]struct{})
	}
}

// validateRelatedTo checks related against the schema named by def.
func (m *Manager) validateRelatedTo(def *TraceDefinition, related RelatedTo) error {
	if def.RelationSchemaName == "" {
		return nil
	}
	schema, ok := m.schemas[def.RelationSchemaName]
	if !ok {
		return fmt.Errorf("%s: %w %q", def.Name, ErrUnknownRelationSchema, def.RelationSchemaName)
	}
	if err := schema.Validate(related); err != nil {
		return fmt.Errorf("%s: %w", def.Name, err)
	}
	return nil
}

func (m *Manager) reportError(err error, t *Trace) {
	m.logger.Error("optracez error", zap.Error(err), traceField(t))
	if m.onError != nil {
		m.safeReport(m.onError, err, t)
	}
}

func (m *Manager) reportWarning(err error, t *Trace) {
	m.logger.Warn("optracez warning", zap.Error(err), traceField(t))
	if m.onWarning != nil {
		m.safeReport(m.onWarning, err, t)
	}
}

func (m *Manager) safeReport(fn func(error, *Trace), err error, t *Trace) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("error handler panicked", zap.Any("panic", r))
		}
	}()
	fn(err, t)
}

func traceField(t *Trace) zap.Field {
	if t == nil {
		return zap.Skip()
	}
	return zap.String("trace", t.Name())
}
