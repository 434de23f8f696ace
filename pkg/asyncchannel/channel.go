// Package asyncchannel implements a single-producer/single-consumer
// queue that presents itself as a cancellable pull sequence: enqueue on
// the producer side, Next on the consumer side, with latched error and
// closed states and an optional one-shot filter (spec §4.B).
package asyncchannel

import (
	"context"
	"io"
	"sync"
)

// Filter decides whether v should be delivered to the consumer. It may
// return a replacement filter to install for subsequent values — this
// is how a one-shot "skip until X, then pass everything" filter is
// expressed: return (false, sameFilter) until X is seen, then
// (true, nil) to drop the filter from then on.
type Filter[T any] func(v T) (keep bool, next Filter[T])

// Channel is a bounded-only-by-memory FIFO of T with latched throw/close
// states. The zero value is not usable; construct with New.
type Channel[T any] struct {
	mu      sync.Mutex
	queue   []T
	err     error
	closed  bool
	filter  Filter[T]
	breaked func()
	broke   bool

	wake chan struct{}
}

// New returns an empty, open Channel.
func New[T any]() *Channel[T] {
	return &Channel[T]{wake: make(chan struct{})}
}

// Enqueue appends v to the FIFO. It is a no-op once the channel has been
// closed or thrown into.
func (c *Channel[T]) Enqueue(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.err != nil {
		return
	}
	c.queue = append(c.queue, v)
	c.notifyLocked()
}

// Throw latches err: values already queued are still delivered, and
// once they are drained the next (or current, if blocked) consumer read
// fails with err. Once latched it cannot be overwritten or cleared.
func (c *Channel[T]) Throw(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.err != nil {
		return
	}
	c.err = err
	c.notifyLocked()
}

// Close latches the closed state. Pending queued values are still
// delivered; once drained, Next returns io.EOF.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.err != nil {
		return
	}
	c.closed = true
	c.notifyLocked()
}

// SetFilter installs f as the current filter. Pass nil to clear it.
func (c *Channel[T]) SetFilter(f Filter[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter = f
}

// OnBreak registers a callback fired at most once, the first time a
// consumer abandons the sequence (via context cancellation in Next) and
// the channel is not already closed or errored.
func (c *Channel[T]) OnBreak(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breaked = cb
}

func (c *Channel[T]) notifyLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// Next blocks until a value is available, the channel is closed (returns
// io.EOF), the channel has been thrown into (returns that error), or ctx
// is done (returns ctx.Err() and fires the break callback, unless the
// channel already finished).
func (c *Channel[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			v := c.queue[0]
			c.queue = c.queue[1:]
			keep := true
			if c.filter != nil {
				var next Filter[T]
				keep, next = c.filter(v)
				c.filter = next
			}
			c.mu.Unlock()
			if keep {
				return v, nil
			}
			continue
		}
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return zero, err
		}
		if c.closed {
			c.mu.Unlock()
			return zero, io.EOF
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			c.fireBreak()
			return zero, ctx.Err()
		case <-wake:
		}
	}
}

func (c *Channel[T]) fireBreak() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broke || c.closed || c.err != nil {
		return
	}
	c.broke = true
	cb := c.breaked
	if cb != nil {
		// Invoke outside the lock would require releasing it first; the
		// callback is expected to be cheap (e.g. cancel an
		// http.Request), so it's fine to call while holding mu here —
		// callers must not call back into this Channel from cb.
		cb()
	}
}
