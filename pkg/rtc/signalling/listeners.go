package signalling

import (
	"sync"
)

// listeners is a set of callbacks that can be removed individually.
type listeners[T any] struct {
	lock   sync.RWMutex
	nextID int
	fns    map[int]func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn

	return func() {
		l.lock.Lock()
		delete(l.fns, id)
		l.lock.Unlock()
	}
}

func (l *listeners[T]) emit(v T) {
	l.lock.RLock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.lock.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (l *listeners[T]) clear() {
	l.lock.Lock()
	l.fns = nil
	l.lock.Unlock()
}
