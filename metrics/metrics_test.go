package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoobzio/optracez"
)

func ticketTracer(mgr *optracez.Manager) *optracez.Tracer {
	return mgr.CreateTracer(&optracez.TraceDefinition{
		Name:          "ticket.open",
		Variants:      map[string]optracez.Variant{"cold": {Timeout: time.Second}},
		RequiredSpans: []*optracez.Matcher{optracez.WithName("ticket-loaded")},
	})
}

func TestAttachCountsLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg, "optracez")
	require.NoError(t, err)

	loop := optracez.NewManualLoop()
	mgr := optracez.NewManager(optracez.WithScheduler(loop))
	defer mgr.Close()
	detach := m.Attach(mgr)

	tracer := ticketTracer(mgr)
	tracer.Start(optracez.StartInput{Variant: "cold"})
	loop.Advance(250 * time.Millisecond)
	mgr.CreateAndProcessSpan(optracez.SpanInput{Name: "header-rendered"})
	mgr.CreateAndProcessSpan(optracez.SpanInput{Name: "ticket-loaded"})

	tracer.Start(optracez.StartInput{Variant: "cold"})
	loop.Advance(2 * time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TracesStarted.WithLabelValues("ticket.open")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SpansRecorded.WithLabelValues("ticket.open")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StateTransitions.WithLabelValues("ticket.open", "draft", "active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StateTransitions.WithLabelValues("ticket.open", "waiting-for-interactive", "complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StateTransitions.WithLabelValues("ticket.open", "active", "interrupted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Recordings.WithLabelValues("ticket.open", "ok", "")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Recordings), "timed out traces are not reported")
	assert.Equal(t, 1, testutil.CollectAndCount(m.TraceDuration))

	detach()
	tracer.Start(optracez.StartInput{Variant: "cold"})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TracesStarted.WithLabelValues("ticket.open")))
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg, "optracez")
	require.NoError(t, err)
	_, err = New(reg, "optracez")
	assert.Error(t, err)
}

func TestWrapReport(t *testing.T) {
	m, err := New(prometheus.NewRegistry(), "test")
	require.NoError(t, err)

	var got *optracez.TraceRecording
	handler := m.WrapReport(func(rec *optracez.TraceRecording) { got = rec })
	d := 1500 * time.Millisecond
	rec := &optracez.TraceRecording{
		Name:               "ticket.open",
		Status:             optracez.RecordingInterrupted,
		InterruptionReason: optracez.ReasonAborted,
		Duration:           &d,
	}
	handler(rec)

	assert.Same(t, rec, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Recordings.WithLabelValues("ticket.open", "interrupted", "aborted")))

	m.WrapReport(nil)(rec)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Recordings.WithLabelValues("ticket.open", "interrupted", "aborted")))
}
