// Package cancel provides cooperative cancellation for streaming sessions:
// a canceller the session registers callbacks on, and a monitor that fires
// it when a liveness signal expires. The monitor never reaches into session
// internals; it only invokes the callbacks it was given.
package cancel

import (
	"sync"
	"time"
)

// Canceller is the one-directional dependency a session holds. Cancel fires
// every registered callback exactly once; it cannot interrupt work already
// in flight, only prevent further output.
type Canceller interface {
	Cancel()
	Cancelled() bool
	AddCallback(fn func())
	StartMonitor(interval time.Duration, isAlive func() bool)
	StopMonitor()
}

// Monitor implements Canceller with a polling goroutine.
type Monitor struct {
	mu        sync.Mutex
	callbacks []func()
	cancelled bool
	stop      chan struct{}
	done      chan struct{}
}

// NewMonitor constructs an idle Monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// AddCallback registers fn to run on cancellation. Registering after Cancel
// runs fn immediately, so late registrants cannot miss the signal.
func (m *Monitor) AddCallback(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		fn()
		return
	}
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// Cancel fires the callbacks synchronously, once. Callbacks persist whatever
// partial reply exists and suppress further wire writes.
func (m *Monitor) Cancel() {
	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		return
	}
	m.cancelled = true
	callbacks := m.callbacks
	m.callbacks = nil
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// Cancelled reports whether Cancel has fired.
func (m *Monitor) Cancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// StartMonitor polls isAlive every interval and cancels when it reports
// false. Starting twice replaces the previous poller.
func (m *Monitor) StartMonitor(interval time.Duration, isAlive func() bool) {
	if interval <= 0 || isAlive == nil {
		return
	}
	m.StopMonitor()
	m.mu.Lock()
	stop := make(chan struct{})
	done := make(chan struct{})
	m.stop = stop
	m.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !isAlive() {
					m.Cancel()
					return
				}
			}
		}
	}()
}

// StopMonitor halts the poller and joins it. Cancellation state is kept.
func (m *Monitor) StopMonitor() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	select {
	case <-stop:
	default:
		close(stop)
	}
	<-done
}

// Heartbeat is the short-TTL liveness signal a streaming request refreshes
// on every wire write. Alive is the isAlive check handed to StartMonitor;
// a session that stops writing for longer than the TTL reads as abandoned.
type Heartbeat struct {
	mu   sync.Mutex
	last time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewHeartbeat creates a beating heartbeat with the given TTL.
func NewHeartbeat(ttl time.Duration) *Heartbeat {
	h := &Heartbeat{ttl: ttl, now: time.Now}
	h.last = h.now()
	return h
}

// Beat refreshes the signal.
func (h *Heartbeat) Beat() {
	h.mu.Lock()
	h.last = h.now()
	h.mu.Unlock()
}

// Alive reports whether the signal is within its TTL.
func (h *Heartbeat) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now().Sub(h.last) <= h.ttl
}

// SetClock swaps the time source (tests).
func (h *Heartbeat) SetClock(now func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if now != nil {
		h.now = now
	}
}
