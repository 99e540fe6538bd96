package optracez

import (
	"crypto/rand"
	"encoding/hex"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
)

// IDKind selects what an id is generated for.
type IDKind string

// Id kinds.
const (
	IDKindSpan  IDKind = "span"
	IDKindTrace IDKind = "trace"
	IDKindTick  IDKind = "tick"
)

// IDGenerator returns a fresh id of the given kind.
type IDGenerator func(kind IDKind) string

// IDPool manages a pool of pre-generated IDs to amortize generation cost.
// Safe for concurrent use.
type IDPool struct {
	factory func() string
	ids     chan string
	stopCh  chan struct{}
	mu      sync.Mutex
	closed  bool
}

// NewIDPool creates a new ID pool with the specified capacity.
func NewIDPool(capacity int, factory func() string) *IDPool {
	pool := &IDPool{
		ids:     make(chan string, capacity),
		factory: factory,
		stopCh:  make(chan struct{}),
	}
	go pool.refill()
	return pool
}

// Get retrieves an ID from the pool or generates one if pool is empty.
func (p *IDPool) Get() string {
	select {
	case id := <-p.ids:
		return id
	default:
		// Pool empty, generate directly.
		return p.factory()
	}
}

func (p *IDPool) refill() {
	for {
		select {
		case <-p.stopCh:
			return
		case p.ids <- p.factory():
		}
	}
}

// Close stops the background refill. Get keeps working afterwards.
func (p *IDPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		close(p.stopCh)
		p.closed = true
	}
}

// idSource is the default IDGenerator: random hex span ids, uuid trace ids
// and sequential tick ids. Pools are created lazily.
//
//nolint:govet // Field order optimized for functionality over memory
type idSource struct {
	spans  *IDPool
	traces *IDPool
	clock  clockz.Clock
	once   sync.Once
	ticks  atomic.Uint64
}

func newIDSource(clock clockz.Clock) *idSource {
	return &idSource{clock: clock}
}

func (s *idSource) ensure() {
	s.once.Do(func() {
		size := runtime.NumCPU() * 100

		s.spans = NewIDPool(size, func() string {
			bytes := make([]byte, 8)
			if _, err := rand.Read(bytes); err != nil {
				// Fallback to a time-based id if crypto/rand fails.
				return hex.EncodeToString([]byte(s.clock.Now().Format("15:04:05.000000")))
			}
			return hex.EncodeToString(bytes)
		})

		s.traces = NewIDPool(size, func() string {
			id, err := uuid.NewRandom()
			if err != nil {
				return hex.EncodeToString([]byte(s.clock.Now().Format(time.RFC3339Nano)))
			}
			return id.String()
		})
	})
}

func (s *idSource) generate(kind IDKind) string {
	if kind == IDKindTick {
		return "tick-" + strconv.FormatUint(s.ticks.Add(1), 10)
	}
	s.ensure()
	if kind == IDKindTrace {
		return s.traces.Get()
	}
	return s.spans.Get()
}

func (s *idSource) close() {
	if s.spans != nil {
		s.spans.Close()
	}
	if s.traces != nil {
		s.traces.Close()
	}
}
