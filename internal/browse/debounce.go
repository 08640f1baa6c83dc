// Package browse holds the state machines behind catalog screens:
// debounced search input, infinite-scroll pagination and category pages.
// They are safe for concurrent use and never hold a lock across a fetch.
package browse

import (
	"sync"
	"time"
)

const DefaultDebounce = 500 * time.Millisecond

// Debouncer delivers the last value pushed once pushes pause for the
// wait window. Every push restarts the window.
type Debouncer[T any] struct {
	wait time.Duration
	fire func(T)

	mu      sync.Mutex
	timer   *time.Timer
	pending T
	has     bool
	gen     uint64
	stopped bool
}

func NewDebouncer[T any](wait time.Duration, fire func(T)) *Debouncer[T] {
	if wait <= 0 {
		wait = DefaultDebounce
	}
	return &Debouncer[T]{wait: wait, fire: fire}
}

func (d *Debouncer[T]) Push(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending, d.has = v, true
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
	}
	gen := d.gen
	d.timer = time.AfterFunc(d.wait, func() { d.fireIf(gen) })
}

// fireIf runs the callback unless a later push or a flush superseded gen.
// A timer that already fired cannot be stopped, hence the check.
func (d *Debouncer[T]) fireIf(gen uint64) {
	d.mu.Lock()
	if d.stopped || !d.has || gen != d.gen {
		d.mu.Unlock()
		return
	}
	v := d.take()
	d.mu.Unlock()
	d.fire(v)
}

func (d *Debouncer[T]) take() T {
	v := d.pending
	var zero T
	d.pending, d.has = zero, false
	return v
}

// Flush fires the pending value now. It reports whether anything was
// pending.
func (d *Debouncer[T]) Flush() bool {
	d.mu.Lock()
	if d.stopped || !d.has {
		d.mu.Unlock()
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	v := d.take()
	d.mu.Unlock()
	d.fire(v)
	return true
}

// Pending reports whether a value waits for the window to close.
func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.has
}

// Stop drops any pending value. Later pushes are ignored.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.has = false
	if d.timer != nil {
		d.timer.Stop()
	}
}
