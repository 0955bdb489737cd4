package sfu

import (
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

// Debouncer runs at most one pending task per key after a fixed delay.
// Schedules arriving while a task is pending are folded into it.
type Debouncer[K comparable] struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[K]*time.Timer
	stopped bool
	// running tracks fired tasks; it only grows under mu while not stopped.
	running conc.WaitGroup
}

func NewDebouncer[K comparable](delay time.Duration) *Debouncer[K] {
	return &Debouncer[K]{delay: delay, pending: make(map[K]*time.Timer)}
}

// Schedule arranges for fn to run after the delay unless a task for key is already pending.
// It reports whether a new task was scheduled.
func (d *Debouncer[K]) Schedule(key K, fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	if _, ok := d.pending[key]; ok {
		return false
	}
	d.pending[key] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.pending, key)
		if d.stopped {
			return
		}
		d.running.Go(fn)
	})
	return true
}

func (d *Debouncer[K]) Pending(key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Stop cancels every pending task, rejects later schedules and waits for tasks that
// already fired. It must not be called from a task.
func (d *Debouncer[K]) Stop() {
	d.mu.Lock()
	d.stopped = true
	for k, t := range d.pending {
		t.Stop()
		delete(d.pending, k)
	}
	d.mu.Unlock()
	d.running.Wait()
}
