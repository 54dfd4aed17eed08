package transport

import (
	"slices"
	"sync"
)

// listeners is a set of callbacks for one stream. Values emitted while the
// set is not ready, or has no callbacks, are buffered and flushed in
// arrival order once both hold.
//
// Callbacks run one value at a time and must not emit into, or add to,
// the same set.
type listeners[T any] struct {
	deliver sync.Mutex // held while callbacks run; taken before mu

	mu    sync.Mutex
	ready bool
	buf   []T
	fns   map[uint64]func(T)
	next  uint64
}

func newListeners[T any]() *listeners[T] {
	return &listeners[T]{fns: make(map[uint64]func(T))}
}

// add registers fn and flushes anything buffered. The returned function
// unregisters it.
func (l *listeners[T]) add(fn func(T)) (remove func()) {
	l.mu.Lock()
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()

	l.flush()

	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *listeners[T]) emit(v T) {
	l.deliver.Lock()
	defer l.deliver.Unlock()

	l.mu.Lock()
	l.buf = append(l.buf, v)
	l.mu.Unlock()
	l.drainLocked()
}

func (l *listeners[T]) setReady(ready bool) {
	l.mu.Lock()
	l.ready = ready
	l.mu.Unlock()
	if ready {
		l.flush()
	}
}

func (l *listeners[T]) flush() {
	l.deliver.Lock()
	defer l.deliver.Unlock()
	l.drainLocked()
}

// drainLocked delivers everything buffered if the set is ready and has
// callbacks. l.deliver must be held.
func (l *listeners[T]) drainLocked() {
	l.mu.Lock()
	if !l.ready || len(l.fns) == 0 || len(l.buf) == 0 {
		l.mu.Unlock()
		return
	}
	buf := l.buf
	l.buf = nil
	fns := l.snapshotLocked()
	l.mu.Unlock()

	for _, v := range buf {
		for _, fn := range fns {
			fn(v)
		}
	}
}

// reset drops every callback and buffered value.
func (l *listeners[T]) reset() {
	l.mu.Lock()
	l.ready = false
	l.buf = nil
	clear(l.fns)
	l.mu.Unlock()
}

func (l *listeners[T]) buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// snapshotLocked returns the callbacks in registration order.
func (l *listeners[T]) snapshotLocked() []func(T) {
	ids := make([]uint64, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	return fns
}
