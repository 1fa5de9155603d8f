// Package lease hands out WireGuard peer slots and SOCKS5 credentials.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultGateWait bounds how long a caller queues for a gate.
const DefaultGateWait = 10 * time.Second

// Gate serializes one allocator. Each allocator owns its own Gate.
type Gate struct {
	sem  *semaphore.Weighted
	wait time.Duration
}

// NewGate returns a gate whose Acquire gives up after wait. A non-positive
// wait only honours the caller's context.
func NewGate(wait time.Duration) *Gate {
	return &Gate{sem: semaphore.NewWeighted(1), wait: wait}
}

// Acquire blocks until the gate is free. The returned func releases it and
// may be called more than once.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	if g.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.wait)
		defer cancel()
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBusy, err)
	}

	var once sync.Once
	return func() { once.Do(func() { g.sem.Release(1) }) }, nil
}
