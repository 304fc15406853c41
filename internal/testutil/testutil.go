// Package testutil provides shared test helpers for the test manager.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// WaitFor polls cond until it returns true, failing the test after 2 seconds.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// FakeTimer is one timer armed through FakeTimers.AfterFunc.
type FakeTimer struct {
	Delay time.Duration

	mu      sync.Mutex
	f       func()
	fired   bool
	stopped bool
}

// Fire runs the timer function unless the timer was stopped or already fired.
func (t *FakeTimer) Fire() bool {
	t.mu.Lock()
	if t.fired || t.stopped {
		t.mu.Unlock()
		return false
	}
	t.fired = true
	f := t.f
	t.mu.Unlock()

	f()
	return true
}

// Stopped reports whether the timer was cancelled.
func (t *FakeTimer) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// FakeTimers records timers instead of scheduling them. Tests fire them
// explicitly.
type FakeTimers struct {
	mu     sync.Mutex
	timers []*FakeTimer
}

// AfterFunc has the shape of time.AfterFunc(d, f).Stop.
func (ft *FakeTimers) AfterFunc(d time.Duration, f func()) func() bool {
	timer := &FakeTimer{Delay: d, f: f}

	ft.mu.Lock()
	ft.timers = append(ft.timers, timer)
	ft.mu.Unlock()

	return func() bool {
		timer.mu.Lock()
		defer timer.mu.Unlock()
		if timer.fired || timer.stopped {
			return false
		}
		timer.stopped = true
		return true
	}
}

// WithDelay returns the armed timers with delay d, in arming order.
func (ft *FakeTimers) WithDelay(d time.Duration) []*FakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	var out []*FakeTimer
	for _, timer := range ft.timers {
		if timer.Delay == d {
			out = append(out, timer)
		}
	}
	return out
}
