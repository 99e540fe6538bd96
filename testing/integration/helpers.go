package integration

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/optracez"
	"github.com/zoobzio/optracez/config"
)

// Session drives a manager built from a YAML definition file on a manual
// loop and collects what it reports.
//
//nolint:govet // Field alignment optimized for test helper readability
type Session struct {
	t         *testing.T
	Loop      *optracez.ManualLoop
	Manager   *optracez.Manager
	Collector *optracez.Collector
	Tracers   map[string]*optracez.Tracer
	mu        sync.Mutex
	errs      []error
	exported  []*optracez.TraceRecording
}

// NewSession loads definitions from doc and wires a synchronous collector as
// the report function.
func NewSession(t *testing.T, doc string, opts ...optracez.Option) *Session {
	t.Helper()
	cfg, err := config.Read(strings.NewReader(doc), "yaml")
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	base, err := cfg.Options()
	if err != nil {
		t.Fatalf("config options: %v", err)
	}
	defs, err := cfg.Definitions()
	if err != nil {
		t.Fatalf("config definitions: %v", err)
	}

	s := &Session{
		t:         t,
		Loop:      optracez.NewManualLoop(),
		Collector: optracez.NewCollector(t.Name(), 64),
		Tracers:   make(map[string]*optracez.Tracer, len(defs)),
	}
	s.Collector.SetSyncMode(true)
	base = append(base,
		optracez.WithScheduler(s.Loop),
		optracez.WithReportFn(s.Collector.Collect),
		optracez.WithErrorHandler(func(err error, _ *optracez.Trace) {
			s.mu.Lock()
			s.errs = append(s.errs, err)
			s.mu.Unlock()
		}),
	)
	s.Manager = optracez.NewManager(append(base, opts...)...)
	for _, def := range defs {
		s.Tracers[def.Name] = s.Manager.CreateTracer(def)
	}
	t.Cleanup(func() {
		s.Manager.Close()
		s.Collector.Close()
	})
	return s
}

// Tracer returns the tracer for a configured trace name.
func (s *Session) Tracer(name string) *optracez.Tracer {
	s.t.Helper()
	tr, ok := s.Tracers[name]
	if !ok {
		s.t.Fatalf("no trace named %q", name)
	}
	return tr
}

// At moves the clock to n milliseconds after the loop origin.
func (s *Session) At(n int) {
	s.Loop.AdvanceTo(time.Duration(n) * time.Millisecond)
}

// Span ingests a span that ends now and lasted d.
func (s *Session) Span(in optracez.SpanInput, d time.Duration) *optracez.SpanHandle {
	start := s.Loop.Now().Add(-d)
	in.StartTime = &start
	in.Duration = d
	return s.Manager.CreateAndProcessSpan(in)
}

// Recordings returns every recording collected so far.
func (s *Session) Recordings() []*optracez.TraceRecording {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exported = append(s.exported, s.Collector.Export()...)
	all := make([]*optracez.TraceRecording, len(s.exported))
	copy(all, s.exported)
	return all
}

// Named returns the collected recordings of one trace name.
func (s *Session) Named(name string) []*optracez.TraceRecording {
	var out []*optracez.TraceRecording
	for _, rec := range s.Recordings() {
		if rec.Name == name {
			out = append(out, rec)
		}
	}
	return out
}

// Errors returns the errors the manager reported.
func (s *Session) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// WaitForRecordings polls c until it holds expected recordings or timeout
// passes, for collectors fed from other goroutines.
func WaitForRecordings(c *optracez.Collector, expected int, timeout time.Duration) []*optracez.TraceRecording {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	var got []*optracez.TraceRecording
	for time.Now().Before(deadline) {
		got = append(got, c.Export()...)
		if len(got) >= expected {
			return got
		}
		<-ticker.C
	}
	return got
}

// EntryNames lists the span names of a recording in order.
func EntryNames(rec *optracez.TraceRecording) []string {
	names := make([]string, 0, len(rec.Entries))
	for _, item := range rec.Entries {
		names = append(names, item.Span.Name)
	}
	return names
}
