package optracez

import (
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Option configures a Manager.
type Option func(*Manager)

// WithScheduler runs the manager on sched. Without it the manager starts and
// owns a Loop on its clock.
func WithScheduler(sched Scheduler) Option {
	return func(m *Manager) { m.sched = sched }
}

// WithClock sets the clock of the owned Loop and of id fallbacks.
// Enables clock injection for deterministic testing.
func WithClock(clock clockz.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithReportFn registers a synchronous recording handler.
func WithReportFn(fn RecordingHandler) Option {
	return func(m *Manager) { m.reporter.register(fn, false) }
}

// WithErrorHandler receives configuration and usage errors.
func WithErrorHandler(fn func(err error, t *Trace)) Option {
	return func(m *Manager) { m.onError = fn }
}

// WithWarningHandler receives recoverable misuse, such as spans without ids.
func WithWarningHandler(fn func(err error, t *Trace)) Option {
	return func(m *Manager) { m.onWarning = fn }
}

// WithIDGenerator replaces the default id generator.
func WithIDGenerator(gen IDGenerator) Option {
	return func(m *Manager) { m.generateID = gen }
}

// WithDeduplicationStrategy installs a per-trace deduplication strategy.
func WithDeduplicationStrategy(factory func() DeduplicationStrategy) Option {
	return func(m *Manager) { m.dedupeFactory = factory }
}

// WithTickTracking toggles grouping spans into ticks. Enabled by default;
// tick-scoped parent matchers need it.
func WithTickTracking(enabled bool) Option {
	return func(m *Manager) { m.tickTracking = enabled }
}

// WithAcceptSpansStartedBeforeTraceStartThreshold declares how far before a
// trace started a span may start and still be accepted. The manager only
// stores it; span sources read it back to filter what they feed in.
func WithAcceptSpansStartedBeforeTraceStartThreshold(d time.Duration) Option {
	return func(m *Manager) { m.acceptThreshold = d }
}

// WithHeritableSpanAttributes adds attribute keys inherited by every trace.
func WithHeritableSpanAttributes(keys ...string) Option {
	return func(m *Manager) { m.heritable = append(m.heritable, keys...) }
}

// WithRelationSchemas registers the schemas definitions refer to by name.
func WithRelationSchemas(schemas map[string]RelationSchema) Option {
	return func(m *Manager) {
		for name, s := range schemas {
			m.schemas[name] = s
		}
	}
}

// WithArenaCapacity bounds the spans kept for parent resolution.
func WithArenaCapacity(n int) Option {
	return func(m *Manager) { m.arenaCapacity = n }
}
