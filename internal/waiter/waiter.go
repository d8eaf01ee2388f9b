// Package waiter implements the condition-variable-like parking primitive
// that CacheLoader workers use while they wait for another worker to
// publish a program they are missing.
package waiter

import "sync"

// Cookie is a wrapping monotonic counter. Two cookies are "the same wake
// generation" iff they compare equal; wraparound at MaxUint64 is handled
// by comparing for equality rather than ordering.
type Cookie uint64

// Waiter parks goroutines until another goroutine calls Notify. It plays
// the same role as a condition variable guarding a generation counter,
// but is expressed with a mutex + broadcast channel so that Wait can be
// cancelled-free and allocation-light on the common path.
type Waiter struct {
	mu     sync.Mutex
	cookie Cookie
	gen    chan struct{} // closed and replaced on every Notify
}

// New returns a ready-to-use Waiter at cookie 0.
func New() *Waiter {
	return &Waiter{gen: make(chan struct{})}
}

// Cookie returns the current generation. Callers snapshot this before
// deciding to park, then pass it to Wait.
func (w *Waiter) Cookie() Cookie {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cookie
}

// Wait blocks until the cookie differs from prev, then returns the new
// cookie. If the cookie has already moved on by the time Wait is called,
// it returns immediately.
func (w *Waiter) Wait(prev Cookie) Cookie {
	w.mu.Lock()
	if w.cookie != prev {
		cur := w.cookie
		w.mu.Unlock()
		return cur
	}
	gen := w.gen
	w.mu.Unlock()

	<-gen

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cookie
}

// Notify wraps-increments the cookie and wakes every parked waiter. Safe
// to call from any goroutine that just published a cooperative load.
func (w *Waiter) Notify() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cookie++
	close(w.gen)
	w.gen = make(chan struct{})
}
