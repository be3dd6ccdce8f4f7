package cancel

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestCancelFiresCallbacksOnce(t *testing.T) {
	m := NewMonitor()
	var fired atomic.Int32
	m.AddCallback(func() { fired.Add(1) })
	m.AddCallback(func() { fired.Add(1) })
	m.Cancel()
	m.Cancel()
	if got := fired.Load(); got != 2 {
		t.Fatalf("expected each callback once, got %d total firings", got)
	}
	if !m.Cancelled() {
		t.Fatal("expected cancelled state")
	}
}

func TestLateCallbackRunsImmediately(t *testing.T) {
	m := NewMonitor()
	m.Cancel()
	var fired bool
	m.AddCallback(func() { fired = true })
	if !fired {
		t.Fatal("callback registered after cancel must run immediately")
	}
}

func TestMonitorCancelsOnDeadHeartbeat(t *testing.T) {
	h := NewHeartbeat(50 * time.Millisecond)
	m := NewMonitor()
	cancelled := make(chan struct{})
	m.AddCallback(func() { close(cancelled) })
	m.StartMonitor(10*time.Millisecond, h.Alive)
	defer m.StopMonitor()

	select {
	case <-cancelled:
		t.Fatal("cancelled while heartbeat alive")
	case <-time.After(30 * time.Millisecond):
	}
	// Stop beating; the monitor should notice within a few polls.
	select {
	case <-cancelled:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("monitor never cancelled after heartbeat expiry")
	}
}

func TestHeartbeatBeatKeepsAlive(t *testing.T) {
	now := time.Now()
	h := NewHeartbeat(time.Minute)
	h.SetClock(func() time.Time { return now })
	h.Beat()
	now = now.Add(59 * time.Second)
	if !h.Alive() {
		t.Fatal("expected alive within TTL")
	}
	now = now.Add(2 * time.Second)
	if h.Alive() {
		t.Fatal("expected expired past TTL")
	}
	h.Beat()
	if !h.Alive() {
		t.Fatal("expected alive after refresh")
	}
}

func TestStopMonitorJoins(t *testing.T) {
	m := NewMonitor()
	m.StartMonitor(5*time.Millisecond, func() bool { return true })
	m.StopMonitor()
	m.StopMonitor()
	if m.Cancelled() {
		t.Fatal("stop must not cancel")
	}
}
