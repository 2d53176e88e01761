package connection

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

type handlerEntry struct {
	id uint64
	fn func(any)
}

// registry maps event names to handlers. Delivery iterates a snapshot, so
// handlers may register or remove handlers while an event is in flight.
type registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]handlerEntry

	emitted atomic.Int64
	panics  atomic.Int64
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{
		logger:   logger,
		handlers: make(map[string][]handlerEntry),
	}
}

func (r *registry) add(event string, fn func(any)) Listener {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.handlers[event] = append(r.handlers[event], handlerEntry{id: r.nextID, fn: fn})
	return Listener{event: event, id: r.nextID}
}

func (r *registry) remove(l Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.handlers[l.event]
	for i, e := range entries {
		if e.id != l.id {
			continue
		}
		next := make([]handlerEntry, 0, len(entries)-1)
		next = append(next, entries[:i]...)
		next = append(next, entries[i+1:]...)
		if len(next) == 0 {
			delete(r.handlers, l.event)
		} else {
			r.handlers[l.event] = next
		}
		return true
	}
	return false
}

// clear removes the handlers for the named events, or every handler when
// no names are given.
func (r *registry) clear(events ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(events) == 0 {
		r.handlers = make(map[string][]handlerEntry)
		return
	}
	for _, e := range events {
		delete(r.handlers, e)
	}
}

func (r *registry) count(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

func (r *registry) total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, entries := range r.handlers {
		n += len(entries)
	}
	return n
}

func (r *registry) emit(event string, payload any) {
	r.mu.RLock()
	entries := r.handlers[event]
	r.mu.RUnlock()

	r.emitted.Add(1)
	for _, e := range entries {
		r.deliver(event, e, payload)
	}
}

func (r *registry) deliver(event string, e handlerEntry, payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.panics.Add(1)
			r.logger.Error("event handler panicked",
				"event", event,
				"listener", e.id,
				"panic", rec,
			)
		}
	}()
	e.fn(payload)
}
