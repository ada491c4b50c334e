package connection

import (
	"reflect"
	"sync"
)

// registry maps each EventKind to an ordered, duplicate-free handler list.
type registry struct {
	mu       sync.RWMutex
	handlers [numEventKinds][]Handler
}

func newRegistry() *registry {
	return &registry{}
}

// add registers h for kind. Adding a handler already present is a no-op.
func (r *registry) add(kind EventKind, h Handler) error {
	if !kind.valid() {
		return ErrUnknownEvent
	}
	if h == nil {
		return ErrNilHandler
	}
	// Interface equality panics on non-comparable dynamic types.
	if !reflect.TypeOf(h).Comparable() {
		return ErrHandlerNotComparable
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.handlers[kind] {
		if existing == h {
			return nil
		}
	}
	r.handlers[kind] = append(r.handlers[kind], h)
	return nil
}

// remove unregisters h for kind. Unknown handlers are ignored.
func (r *registry) remove(kind EventKind, h Handler) {
	if !kind.valid() || h == nil || !reflect.TypeOf(h).Comparable() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.handlers[kind]
	for i, existing := range list {
		if existing == h {
			// Copy so snapshots taken by in-flight emits stay intact.
			next := make([]Handler, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			r.handlers[kind] = next
			return
		}
	}
}

// snapshot returns the handlers registered for kind at this moment.
func (r *registry) snapshot(kind EventKind) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[kind]
}

// count returns the number of handlers registered for kind.
func (r *registry) count(kind EventKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[kind])
}
