// Package gate serializes project generation and builds across workspaces.
package gate

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Gate is an exclusive, cancellable lock. A waiter whose context ends gives up
// its place without affecting other waiters.
type Gate struct {
	sem *semaphore.Weighted
}

// New creates an open gate
func New() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

var process = New()

// Process returns the gate shared by every workspace in this process
func Process() *Gate {
	return process
}

// Acquire takes the gate, blocking until it is free or ctx ends. onWait is
// called once, before blocking, when another holder has the gate; it may be
// nil. The returned release func is safe to call more than once.
func (g *Gate) Acquire(ctx context.Context, onWait func()) (func(), error) {
	if !g.sem.TryAcquire(1) {
		if onWait != nil {
			onWait()
		}
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { g.sem.Release(1) })
	}, nil
}

// Busy reports whether the gate is currently held
func (g *Gate) Busy() bool {
	if g.sem.TryAcquire(1) {
		g.sem.Release(1)
		return false
	}
	return true
}
