// Package coalescer collapses bursts of updates so that only the latest value
// is sent once the previous send completes.
package coalescer

import "sync"

type Coalescer[T any] struct {
	mx      sync.Mutex
	pending *slot[T]
	running bool
}

type slot[T any] struct {
	value T
	send  func(T)
}

func New[T any]() *Coalescer[T] {
	return &Coalescer[T]{}
}

// Submit records v as the pending value, replacing any value not sent yet.
// If no send loop is running, one is started with v as its first value;
// otherwise the running loop picks up v once its current send returns.
func (c *Coalescer[T]) Submit(v T, send func(T)) {
	c.mx.Lock()
	if c.running {
		c.pending = &slot[T]{value: v, send: send}
		c.mx.Unlock()
		return
	}
	c.running = true
	c.mx.Unlock()

	go c.drain(slot[T]{value: v, send: send})
}

func (c *Coalescer[T]) drain(next slot[T]) {
	for {
		next.send(next.value)

		c.mx.Lock()
		if c.pending == nil {
			c.running = false
			c.mx.Unlock()
			return
		}
		next = *c.pending
		c.pending = nil
		c.mx.Unlock()
	}
}

// Idle reports whether no send loop is running.
func (c *Coalescer[T]) Idle() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return !c.running
}
