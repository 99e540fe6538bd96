package optracez

import (
	"errors"
	"sync"
	"sync/atomic"
)

// RecordingHandler receives every recording the manager reports.
// Recordings are immutable, so async handlers may keep them.
type RecordingHandler func(rec *TraceRecording)

type recordingEntry struct {
	handler RecordingHandler
	id      uint64
	async   bool
}

// reporter fans recordings out to handlers, optionally through a bounded
// worker pool for async ones.
//
//nolint:govet // Field order optimized for functionality over memory
type reporter struct {
	handlers  []recordingEntry
	panicHook func(handlerID uint64, r interface{})
	workers   *workerPool
	lock      sync.RWMutex
	nextID    *atomic.Uint64
	dropped   atomic.Uint64
}

func newReporter(ids *atomic.Uint64) *reporter {
	return &reporter{nextID: ids}
}

func (r *reporter) register(handler RecordingHandler, async bool) uint64 {
	if handler == nil {
		return 0
	}
	id := r.nextID.Add(1)

	r.lock.Lock()
	defer r.lock.Unlock()
	r.handlers = append(r.handlers, recordingEntry{id: id, handler: handler, async: async})
	return id
}

func (r *reporter) remove(id uint64) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	for i, h := range r.handlers {
		if h.id == id {
			copy(r.handlers[i:], r.handlers[i+1:])
			r.handlers = r.handlers[:len(r.handlers)-1]
			return true
		}
	}
	return false
}

func (r *reporter) report(rec *TraceRecording) {
	r.lock.RLock()
	if len(r.handlers) == 0 {
		r.lock.RUnlock()
		return
	}
	handlers := make([]recordingEntry, len(r.handlers))
	copy(handlers, r.handlers)
	workers := r.workers
	r.lock.RUnlock()

	for _, h := range handlers {
		if !h.async {
			r.safeCall(h, rec)
			continue
		}
		entry := h
		if workers != nil {
			workers.submit(func() { r.safeCall(entry, rec) })
		} else {
			go r.safeCall(entry, rec)
		}
	}
}

func (r *reporter) safeCall(entry recordingEntry, rec *TraceRecording) {
	defer func() {
		if p := recover(); p != nil {
			if r.panicHook != nil {
				r.panicHook(entry.id, p)
			}
		}
	}()
	entry.handler(rec)
}

func (r *reporter) enableWorkerPool(workers, queueSize int) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.workers != nil {
		return errors.New("worker pool already enabled")
	}
	if workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if queueSize <= 0 {
		return errors.New("queueSize must be > 0")
	}

	r.workers = &workerPool{
		tasks:   make(chan func(), queueSize),
		stop:    make(chan struct{}),
		dropped: &r.dropped,
	}
	r.workers.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go r.workers.run()
	}
	return nil
}

func (r *reporter) close() {
	r.lock.Lock()
	r.handlers = nil
	workers := r.workers
	r.workers = nil
	r.lock.Unlock()

	if workers != nil {
		workers.shutdown()
	}
}

// workerPool runs async recording handlers on a fixed number of goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type workerPool struct {
	tasks   chan func()
	stop    chan struct{}
	dropped *atomic.Uint64
	wg      sync.WaitGroup
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-w.stop:
			// Drain what was accepted before shutdown.
			for {
				select {
				case task := <-w.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

func (w *workerPool) submit(task func()) {
	select {
	case w.tasks <- task:
	default:
		w.dropped.Add(1)
	}
}

func (w *workerPool) shutdown() {
	close(w.stop)
	w.wg.Wait()
}
