// Package correlate matches asynchronous results to the callers awaiting
// them by request id.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/steveyegge/forge/internal/types"
)

// ErrClosed is returned to waiters when the broker shuts down.
var ErrClosed = errors.New("correlation broker closed")

type result[T any] struct {
	value T
	err   error
}

// Broker correlates results of type T with waiters by id. Every listener is
// removed when its wait returns, whether it got a result, timed out or was
// cancelled.
type Broker[T any] struct {
	mu      sync.Mutex
	pending map[string]chan result[T]
	closed  bool
}

// NewBroker creates an empty broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{pending: make(map[string]chan result[T])}
}

// Call registers a listener for id, runs send, then waits up to timeout for
// the correlated result. Registering before send means a result delivered
// while send is still running is not lost.
func (b *Broker[T]) Call(ctx context.Context, id string, timeout time.Duration, send func() error) (T, error) {
	var zero T
	ch, err := b.register(id)
	if err != nil {
		return zero, err
	}
	defer b.remove(id, ch)

	if send != nil {
		if err := send(); err != nil {
			return zero, err
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res, ok := <-ch:
		if !ok {
			return zero, ErrClosed
		}
		return res.value, res.err
	case <-timer.C:
		return zero, types.Errorf(types.KindTimeout, "correlate.wait", "no result for %s after %v", id, timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Deliver hands a result to the listener waiting on id. It reports whether
// a listener was present; a result with no listener is dropped.
func (b *Broker[T]) Deliver(id string, value T, err error) bool {
	// Send under the lock so Close cannot close ch concurrently
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.pending[id]
	if !ok {
		return false
	}
	select {
	case ch <- result[T]{value: value, err: err}:
		return true
	default:
		// Already delivered
		return false
	}
}

// Pending returns the number of registered listeners.
func (b *Broker[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close wakes every waiter with ErrClosed and rejects new calls.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
}

func (b *Broker[T]) register(id string) (chan result[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, exists := b.pending[id]; exists {
		return nil, types.Errorf(types.KindStateConflict, "correlate.register", "already waiting on %s", id)
	}
	if id == "" {
		return nil, fmt.Errorf("correlation id is required")
	}
	ch := make(chan result[T], 1)
	b.pending[id] = ch
	return ch, nil
}

// remove deletes the listener only if it is still ours; Close may have
// already dropped it.
func (b *Broker[T]) remove(id string, ch chan result[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.pending[id]; ok && cur == ch {
		delete(b.pending, id)
	}
}
