// Package semaphore provides a trivial bounded-concurrency gate. No other
// package in this module imports it; storage, the verifier and the
// allocator do not bound their disk I/O with it.
package semaphore

// Semaphore is a counting semaphore backed by a buffered channel.
type Semaphore struct {
	c chan struct{}
}

// New returns a Semaphore allowing up to n concurrent holders.
func New(n int) *Semaphore {
	return &Semaphore{c: make(chan struct{}, n)}
}

// Acquire blocks until a slot is available.
func (s *Semaphore) Acquire() { s.c <- struct{}{} }

// TryAcquire acquires a slot without blocking, reporting success.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.c <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot.
func (s *Semaphore) Release() { <-s.c }
