package optracez

import (
	"sync"
	"sync/atomic"
)

// EventKind names a lifecycle event published by the Manager.
type EventKind string

// Lifecycle events.
const (
	EventTraceStart         EventKind = "trace-start"
	EventStateTransition    EventKind = "state-transition"
	EventRequiredSpanSeen   EventKind = "required-span-seen"
	EventAddSpanToRecording EventKind = "add-span-to-recording"
	EventDefinitionModified EventKind = "definition-modified"
)

// Event is delivered to subscribers synchronously, on the scheduler thread,
// in the order things happened. Only the fields relevant to Kind are set.
type Event struct {
	Kind       EventKind
	Trace      *Trace
	Transition *Transition
	Item       *SpanAndAnnotation
	Matcher    *Matcher
	Patch      *DefinitionPatch
}

// EventHandler receives lifecycle events.
type EventHandler func(ev Event)

type eventEntry struct {
	handler EventHandler
	kind    EventKind
	id      uint64
}

// eventBus keeps subscribers in registration order. Subscribing is safe from
// any goroutine; emit runs on the scheduler thread.
//
//nolint:govet // Field order optimized for functionality over memory
type eventBus struct {
	handlers  []eventEntry
	panicHook func(handlerID uint64, r interface{})
	lock      sync.RWMutex
	nextID    *atomic.Uint64
}

func newEventBus(ids *atomic.Uint64) *eventBus {
	return &eventBus{nextID: ids}
}

func (b *eventBus) register(kind EventKind, handler EventHandler) uint64 {
	if handler == nil {
		return 0
	}
	id := b.nextID.Add(1)

	b.lock.Lock()
	defer b.lock.Unlock()
	b.handlers = append(b.handlers, eventEntry{id: id, kind: kind, handler: handler})
	return id
}

func (b *eventBus) remove(id uint64) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	for i, h := range b.handlers {
		if h.id == id {
			copy(b.handlers[i:], b.handlers[i+1:])
			b.handlers = b.handlers[:len(b.handlers)-1]
			return true
		}
	}
	return false
}

func (b *eventBus) emit(ev Event) {
	b.lock.RLock()
	if len(b.handlers) == 0 {
		b.lock.RUnlock()
		return
	}
	handlers := make([]eventEntry, 0, len(b.handlers))
	for _, h := range b.handlers {
		if h.kind == ev.Kind {
			handlers = append(handlers, h)
		}
	}
	b.lock.RUnlock()

	for _, h := range handlers {
		b.safeCall(h, ev)
	}
}

func (b *eventBus) safeCall(entry eventEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.panicHook != nil {
				b.panicHook(entry.id, r)
			}
		}
	}()
	entry.handler(ev)
}
