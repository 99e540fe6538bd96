package benchmarks

import (
	"fmt"
	"testing"
	"time"

	"github.com/zoobzio/optracez"
)

func benchDefinition() *optracez.TraceDefinition {
	return &optracez.TraceDefinition{
		Name:     "bench.open",
		Variants: map[string]optracez.Variant{"cold": {Timeout: time.Hour}},
		RequiredSpans: []*optracez.Matcher{
			optracez.WithName("bench-loaded"),
			optracez.WithAllConditions(optracez.WithType(optracez.SpanTypeComponentRender), optracez.WithName("Bench")),
		},
		InterruptOnSpans: []*optracez.Matcher{optracez.WithName("logout")},
		ComputedValueDefinitions: []optracez.ComputedValueDefinition{{
			Name:    "fetches",
			Matches: []*optracez.Matcher{optracez.WithType(optracez.SpanTypeResource)},
			Compute: func(b [][]*optracez.SpanAndAnnotation) (any, bool) { return len(b[0]), true },
		}},
	}
}

func newBenchManager(b *testing.B, opts ...optracez.Option) (*optracez.ManualLoop, *optracez.Manager) {
	b.Helper()
	loop := optracez.NewManualLoop()
	mgr := optracez.NewManager(append([]optracez.Option{optracez.WithScheduler(loop)}, opts...)...)
	b.Cleanup(mgr.Close)
	return loop, mgr
}

// BenchmarkIngestWithoutTrace measures span ingestion when no trace is
// running: id assignment, tick tracking and the arena.
func BenchmarkIngestWithoutTrace(b *testing.B) {
	loop, mgr := newBenchManager(b)
	in := optracez.SpanInput{Name: "idle", Type: optracez.SpanTypeResource}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mgr.CreateAndProcessSpan(in)
		if i%64 == 0 {
			loop.Flush()
		}
	}
}

// BenchmarkIngestIntoActiveTrace measures ingestion while a trace evaluates
// every span against its matchers.
func BenchmarkIngestIntoActiveTrace(b *testing.B) {
	loop, mgr := newBenchManager(b)
	tracer := mgr.CreateTracer(benchDefinition())
	tracer.Start(optracez.StartInput{Variant: "cold"})
	in := optracez.SpanInput{Name: "/api/item", Type: optracez.SpanTypeResource}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mgr.CreateAndProcessSpan(in)
		if i%64 == 0 {
			loop.Flush()
		}
	}
}

// BenchmarkTraceLifecycle runs a whole trace per iteration and reports the
// recording rate.
func BenchmarkTraceLifecycle(b *testing.B) {
	for _, spans := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("spans=%d", spans), func(b *testing.B) {
			loop, mgr := newBenchManager(b)
			var recorded int
			mgr.OnRecording(func(*optracez.TraceRecording) { recorded++ })
			tracer := mgr.CreateTracer(benchDefinition())

			b.ReportAllocs()
			b.ResetTimer()
			start := time.Now()
			for i := 0; i < b.N; i++ {
				tracer.Start(optracez.StartInput{Variant: "cold"})
				for j := 0; j < spans; j++ {
					mgr.CreateAndProcessSpan(optracez.SpanInput{Name: "/api/item", Type: optracez.SpanTypeResource})
				}
				loop.Advance(time.Millisecond)
				mgr.CreateAndProcessSpan(optracez.SpanInput{Name: "Bench", Type: optracez.SpanTypeComponentRender, RenderedOutput: optracez.RenderedContent})
				mgr.CreateAndProcessSpan(optracez.SpanInput{Name: "bench-loaded"})
			}
			elapsed := time.Since(start)
			b.ReportMetric(float64(recorded)/elapsed.Seconds(), "recordings/sec")
		})
	}
}

// BenchmarkDeduplicatedIngest measures the cost of the entry deduplication
// strategy on repeated resource spans.
func BenchmarkDeduplicatedIngest(b *testing.B) {
	loop, mgr := newBenchManager(b, optracez.WithDeduplicationStrategy(optracez.NewEntryDeduplicationStrategy(0, false)))
	tracer := mgr.CreateTracer(benchDefinition())
	tracer.Start(optracez.StartInput{Variant: "cold"})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mgr.CreateAndProcessSpan(optracez.SpanInput{Name: fmt.Sprintf("/api/item/%d", i%32), Type: optracez.SpanTypeResource})
		if i%64 == 0 {
			loop.Flush()
		}
	}
}

// BenchmarkMatcher measures matcher evaluation alone.
func BenchmarkMatcher(b *testing.B) {
	m := optracez.WithAllConditions(
		optracez.WithType(optracez.SpanTypeResource),
		optracez.WithOneOfConditions(optracez.WithName("/api/ticket"), optracez.WithName("/api/comments")),
		optracez.WithAttributes(optracez.Attributes{"method": "GET"}),
	)
	item := &optracez.SpanAndAnnotation{
		Span: &optracez.Span{
			Name:       "/api/comments",
			Type:       optracez.SpanTypeResource,
			Attributes: optracez.Attributes{"method": "GET", "status": 200},
		},
		Annotation: &optracez.SpanAnnotation{},
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !m.Matches(item, nil) {
			b.Fatal("matcher rejected the span")
		}
	}
}
