// Package metrics exports trace lifecycle counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zoobzio/optracez"
)

// Metrics holds the collectors fed by a Manager.
type Metrics struct {
	TracesStarted    *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	SpansRecorded    *prometheus.CounterVec
	Recordings       *prometheus.CounterVec
	TraceDuration    *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		TracesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traces_started_total",
			Help:      "Traces started, by definition.",
		}, []string{"trace"}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Trace state transitions.",
		}, []string{"trace", "from", "to"}),
		SpansRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spans_recorded_total",
			Help:      "Spans added to trace recordings.",
		}, []string{"trace"}),
		Recordings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Reported trace recordings, by status and interruption reason.",
		}, []string{"trace", "status", "reason"}),
		TraceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trace_duration_seconds",
			Help:      "Duration of completed traces.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"trace"}),
	}

	for _, c := range []prometheus.Collector{
		m.TracesStarted, m.StateTransitions, m.SpansRecorded, m.Recordings, m.TraceDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Attach subscribes to mgr. The returned function detaches again.
func (m *Metrics) Attach(mgr *optracez.Manager) (detach func()) {
	ids := []uint64{
		mgr.When(optracez.EventTraceStart, func(ev optracez.Event) {
			m.TracesStarted.WithLabelValues(ev.Trace.Name()).Inc()
		}),
		mgr.When(optracez.EventStateTransition, func(ev optracez.Event) {
			m.StateTransitions.WithLabelValues(ev.Trace.Name(), string(ev.Transition.From), string(ev.Transition.To)).Inc()
		}),
		mgr.When(optracez.EventAddSpanToRecording, func(ev optracez.Event) {
			m.SpansRecorded.WithLabelValues(ev.Trace.Name()).Inc()
		}),
		mgr.OnRecording(m.Observe),
	}
	return func() {
		for _, id := range ids {
			mgr.RemoveHandler(id)
		}
	}
}

// Observe counts a recording and, for completed traces, its duration.
func (m *Metrics) Observe(rec *optracez.TraceRecording) {
	m.Recordings.WithLabelValues(rec.Name, string(rec.Status), string(rec.InterruptionReason)).Inc()
	if rec.Duration != nil {
		m.TraceDuration.WithLabelValues(rec.Name).Observe(rec.Duration.Seconds())
	}
}

// WrapReport returns a recording handler that observes rec before calling fn.
func (m *Metrics) WrapReport(fn optracez.RecordingHandler) optracez.RecordingHandler {
	return func(rec *optracez.TraceRecording) {
		m.Observe(rec)
		if fn != nil {
			fn(rec)
		}
	}
}
