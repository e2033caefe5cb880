package session

import "sync"

// Emitter is a small per-kind handler registry for Conn implementations.
//
// Handlers run synchronously on the emitting goroutine, outside the lock.
type Emitter struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventKind]map[uint64]func(Event)
}

// On registers fn and returns an idempotent unsubscribe handle.
func (e *Emitter) On(kind EventKind, fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}

	e.mu.Lock()
	if e.handlers == nil {
		e.handlers = make(map[EventKind]map[uint64]func(Event))
	}
	if e.handlers[kind] == nil {
		e.handlers[kind] = make(map[uint64]func(Event))
	}
	id := e.nextID
	e.nextID++
	e.handlers[kind][id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.handlers[kind], id)
			e.mu.Unlock()
		})
	}
}

// Emit delivers ev to every handler registered for ev.Kind.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	fns := make([]func(Event), 0, len(e.handlers[ev.Kind]))
	for _, fn := range e.handlers[ev.Kind] {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Count returns the number of handlers registered for kind.
func (e *Emitter) Count(kind EventKind) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[kind])
}
