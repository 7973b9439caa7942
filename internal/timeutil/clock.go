// Package timeutil provides a testable abstraction over time operations.
// The location controller bounds one-shot fetches with it, the render
// pipeline drives its pulse animation from it and the gps receiver checks
// for stale fixes on it.
package timeutil

import (
	"sync"
	"time"
)

// Clock provides an abstraction over time operations for testability.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer is the subset of *time.Timer the packages use.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Ticker is the subset of *time.Ticker the packages use.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) NewTimer(d time.Duration) Timer         { return realTimer{time.NewTimer(d)} }
func (RealClock) NewTicker(d time.Duration) Ticker       { return realTicker{time.NewTicker(d)} }

type realTimer struct{ *time.Timer }

func (t realTimer) C() <-chan time.Time { return t.Timer.C }

type realTicker struct{ *time.Ticker }

func (t realTicker) C() <-chan time.Time { return t.Ticker.C }

// MockClock is a manually controlled clock for tests. Time only moves on
// Advance, which fires every timer and ticker that has come due.
type MockClock struct {
	mu       sync.Mutex
	cond     *sync.Cond
	now      time.Time
	waiters  []*mockWaiter
	nTimers  int
	nTickers int
}

// NewMockClock creates a MockClock set to t.
func NewMockClock(t time.Time) *MockClock {
	c := &MockClock{now: t}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance moves the clock forward by d. Stopped and fired timers are
// forgotten.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	live := waiters[:0]
	for _, w := range waiters {
		if w.fire(now) {
			live = append(live, w)
		}
	}

	c.mu.Lock()
	c.waiters = append(live, c.waiters...)
	c.mu.Unlock()
}

func (c *MockClock) After(d time.Duration) <-chan time.Time {
	return c.NewTimer(d).C()
}

func (c *MockClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &mockWaiter{ch: make(chan time.Time, 1), next: c.now.Add(d)}
	c.waiters = append(c.waiters, w)
	c.nTimers++
	c.cond.Broadcast()
	return w
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &mockWaiter{ch: make(chan time.Time, 1), next: c.now.Add(d), period: d}
	c.waiters = append(c.waiters, w)
	c.nTickers++
	c.cond.Broadcast()
	return tickerOf{w}
}

// Timers returns the number of timers created so far.
func (c *MockClock) Timers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nTimers
}

// WaitForTimers blocks until at least n timers have been created. Tests use
// it to advance the clock only after the code under test is waiting on it.
func (c *MockClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.nTimers < n {
		c.cond.Wait()
	}
}

// WaitForTickers blocks until at least n tickers have been created.
func (c *MockClock) WaitForTickers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.nTickers < n {
		c.cond.Wait()
	}
}

// mockWaiter is a timer, or a ticker when period is non-zero. Like the
// real ones, a tick that finds the channel full is dropped.
type mockWaiter struct {
	mu      sync.Mutex
	ch      chan time.Time
	next    time.Time
	period  time.Duration
	stopped bool
}

func (w *mockWaiter) C() <-chan time.Time { return w.ch }

func (w *mockWaiter) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	active := !w.stopped
	w.stopped = true
	return active
}

// fire delivers a tick if w is due and reports whether w is still live.
func (w *mockWaiter) fire(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	if now.Before(w.next) {
		return true
	}
	select {
	case w.ch <- now:
	default:
	}
	if w.period == 0 {
		w.stopped = true
		return false
	}
	w.next = now.Add(w.period)
	return true
}

// tickerOf hides the timer's bool-returning Stop.
type tickerOf struct{ w *mockWaiter }

func (t tickerOf) C() <-chan time.Time { return t.w.ch }
func (t tickerOf) Stop()               { t.w.Stop() }
