// Package serializer orders writes on a single transport.
//
// Every submitted operation waits for the previously submitted one to finish
// before it runs, so operations never overlap and execute in submission order.
// Nothing is ever dropped: an operation that has been submitted always runs.
package serializer

import "sync"

type Serializer struct {
	mx   sync.Mutex
	tail chan struct{} // closed when the last submitted op is done
}

func New() *Serializer {
	return &Serializer{}
}

// Submit appends op to the chain and returns immediately.
// The returned channel receives op's result once op has run.
func (s *Serializer) Submit(op func() error) <-chan error {
	var (
		res  = make(chan error, 1)
		done = make(chan struct{})
	)

	s.mx.Lock()
	prev := s.tail
	s.tail = done
	s.mx.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		res <- op()
	}()
	return res
}

// Enqueue submits op and blocks until it has fully executed.
func (s *Serializer) Enqueue(op func() error) error {
	return <-s.Submit(op)
}
