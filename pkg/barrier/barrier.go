// Package barrier provides a one-shot rendezvous point: any number of
// goroutines join, and the next Arrive releases every one of them.
package barrier

import (
	"context"
	"sync"
)

type Barrier struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

func New() *Barrier {
	return &Barrier{}
}

// Join registers a waiter. The returned channel is closed by the next call to
// Arrive; waiters that join after an Arrive wait for the one after it.
func (b *Barrier) Join() <-chan struct{} {
	ch := make(chan struct{})

	b.mu.Lock()
	b.waiters = append(b.waiters, ch)
	b.mu.Unlock()

	return ch
}

// Wait joins and blocks until released or ctx is done.
func (b *Barrier) Wait(ctx context.Context) error {
	return Await(ctx, b.Join())
}

// Await blocks on a channel obtained from Join.
func Await(ctx context.Context, released <-chan struct{}) error {
	select {
	case <-released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Arrive releases every current waiter. The release runs on its own goroutine
// so Arrive is safe to call from code that a waiter is blocked on.
func (b *Barrier) Arrive() {
	b.mu.Lock()
	waiters := b.waiters
	b.waiters = nil
	b.mu.Unlock()

	if len(waiters) == 0 {
		return
	}

	go func() {
		for _, ch := range waiters {
			close(ch)
		}
	}()
}

// Pending reports how many waiters are queued for the next Arrive.
func (b *Barrier) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}
