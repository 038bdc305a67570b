// Package syncutil provides locking primitives that respect context cancellation.
package syncutil

import (
	"context"
	"sync"
)

// ContextMutex is a mutex implemented with a one-slot channel so a waiter can
// give up when its context is cancelled. The zero value is ready to use.
type ContextMutex struct {
	once sync.Once
	ch   chan struct{}
}

func (m *ContextMutex) init() {
	m.once.Do(func() {
		m.ch = make(chan struct{}, 1)
		m.ch <- struct{}{}
	})
}

// Lock acquires the mutex or returns the context error. On success the caller
// must call the returned unlock function exactly once.
func (m *ContextMutex) Lock(ctx context.Context) (func(), error) {
	m.init()
	select {
	case <-m.ch:
		return m.releaser(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex only if it is free.
func (m *ContextMutex) TryLock() (func(), bool) {
	m.init()
	select {
	case <-m.ch:
		return m.releaser(), true
	default:
		return nil, false
	}
}

func (m *ContextMutex) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() { m.ch <- struct{}{} })
	}
}
