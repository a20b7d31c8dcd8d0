// Package concurrency provides the in-process and cross-process serialization
// primitives that keep turns and heartbeat ticks from running concurrently
// against the same session or workspace.
package concurrency

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// TurnGate serializes turns within one process: a weighted semaphore with a
// single permit. Interactive turns block on Acquire; the heartbeat uses
// TryAcquire and yields instead of waiting.
type TurnGate struct {
	sem *semaphore.Weighted
}

// NewTurnGate returns a TurnGate with a single permit.
func NewTurnGate() *TurnGate {
	return &TurnGate{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the gate is free or ctx is done.
func (g *TurnGate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// TryAcquire acquires the gate without blocking, reporting false if another
// turn or heartbeat tick currently holds it.
func (g *TurnGate) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

// Release frees the gate. Callers must release on every exit path, including
// cancellation, to avoid deadlocking subsequent turns.
func (g *TurnGate) Release() {
	g.sem.Release(1)
}
