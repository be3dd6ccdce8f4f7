// Package flush coalesces bursts of publish requests into bounded-rate
// invocations of the most recently submitted callback.
package flush

import (
	"sync"
	"time"
)

// DefaultInterval is the wake-up period of the background worker.
const DefaultInterval = time.Second

// Flusher owns a single pending-callback slot and one background worker.
// Submit replaces the slot (last-write-wins); the worker drains it once per
// interval. Callbacks never run concurrently with each other.
type Flusher struct {
	interval time.Duration

	mu      sync.Mutex
	pending func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	started bool
}

// Option configures a Flusher.
type Option func(*Flusher)

// WithInterval overrides the flush interval (tests use short values).
func WithInterval(d time.Duration) Option {
	return func(f *Flusher) {
		if d > 0 {
			f.interval = d
		}
	}
}

// New constructs a Flusher. The worker goroutine starts lazily on the first
// Submit so idle instances hold no resources.
func New(opts ...Option) *Flusher {
	f := &Flusher{
		interval: DefaultInterval,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Submit stores fn as the pending callback, replacing any callback already
// waiting. It never blocks. Submitting after Finish is a no-op.
func (f *Flusher) Submit(fn func()) {
	if fn == nil {
		return
	}
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.pending = fn
	if !f.started {
		f.started = true
		go f.loop()
	}
	f.mu.Unlock()
}

// Finish stops the worker and joins it. When skipPending is false the last
// submitted callback runs exactly once more before Finish returns. After
// Finish no further invocation is possible.
func (f *Flusher) Finish(skipPending bool) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	last := f.pending
	f.pending = nil
	started := f.started
	f.mu.Unlock()

	if started {
		select {
		case f.wake <- struct{}{}:
		default:
		}
		<-f.done
	}
	if !skipPending && last != nil {
		last()
	}
}

func (f *Flusher) loop() {
	defer close(f.done)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !f.flushPending() {
				return
			}
		case <-f.wake:
			return
		}
	}
}

// flushPending atomically takes and clears the slot, then invokes the
// callback outside the lock. Returns false once Finish has been observed.
func (f *Flusher) flushPending() bool {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return false
	}
	fn := f.pending
	f.pending = nil
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
	return true
}
