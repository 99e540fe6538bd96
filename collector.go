package optracez

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector buffers trace recordings for batch export. Register Collect as a
// recording handler.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	recordings   []*TraceRecording
	recCh        chan *TraceRecording
	stopCh       chan struct{}
	done         chan struct{}
	droppedCount atomic.Int64
	name         string
	mu           sync.Mutex
	closed       atomic.Bool
	syncMode     bool // Bypass channel for synchronous collection.
}

// NewCollector creates a collector with the specified name and buffer size.
func NewCollector(name string, bufferSize int) *Collector {
	c := &Collector{
		name:       name,
		recordings: make([]*TraceRecording, 0, 8),
		recCh:      make(chan *TraceRecording, bufferSize),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.start()
	return c
}

// Name returns the collector name.
func (c *Collector) Name() string {
	return c.name
}

func (c *Collector) start() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			// Drain remaining recordings before shutdown.
			for {
				select {
				case rec := <-c.recCh:
					c.buffer(rec)
				default:
					return
				}
			}
		case rec := <-c.recCh:
			c.buffer(rec)
		}
	}
}

// Close stops the collector after draining queued recordings.
func (c *Collector) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.stopCh)
	select {
	case <-c.done:
	case <-time.After(100 * time.Millisecond):
	}
}

// Collect queues a recording. When the queue is full the recording is
// dropped and counted. In sync mode it is buffered directly.
func (c *Collector) Collect(rec *TraceRecording) {
	if rec == nil || c.closed.Load() {
		c.droppedCount.Add(1)
		return
	}

	if c.syncMode {
		c.buffer(rec)
		return
	}

	select {
	case c.recCh <- rec:
	default:
		c.droppedCount.Add(1)
	}
}

func (c *Collector) buffer(rec *TraceRecording) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordings = append(c.recordings, rec)
}

// Export returns the buffered recordings and clears the buffer.
func (c *Collector) Export() []*TraceRecording {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.recordings) == 0 {
		return nil
	}
	result := make([]*TraceRecording, len(c.recordings))
	copy(result, c.recordings)

	// Shrink only when very oversized to avoid allocation churn.
	if cap(c.recordings) > 256 && len(c.recordings) < cap(c.recordings)/8 {
		c.recordings = make([]*TraceRecording, 0, cap(c.recordings)/4)
	} else {
		clear(c.recordings)
		c.recordings = c.recordings[:0]
	}
	return result
}

// Count returns the number of buffered recordings.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recordings)
}

// DroppedCount returns the number of recordings dropped due to backpressure.
func (c *Collector) DroppedCount() int64 {
	return c.droppedCount.Load()
}

// SetSyncMode enables synchronous collection for testing.
func (c *Collector) SetSyncMode(sync bool) {
	c.syncMode = sync
}

// Reset clears buffered recordings and the drop counter.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recordings = c.recordings[:0]
	c.droppedCount.Store(0)
}
