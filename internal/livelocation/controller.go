// Package livelocation is the stateful façade presentation code uses for
// live location: permission, one-shot fetches, tracking and the resulting
// reactive state.
package livelocation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/livemap/internal/location"
	"github.com/banshee-data/livemap/internal/monitoring"
	"github.com/banshee-data/livemap/internal/timeutil"
)

// DefaultTimeout bounds one-shot fetches.
const DefaultTimeout = 10 * time.Second

// Options configure a Controller.
type Options struct {
	// AutoStart begins tracking once permission is granted.
	AutoStart bool
	// OnLocationUpdate is called for every new location.
	OnLocationUpdate func(location.Position)
	// OnError is called for every failure.
	OnError func(*location.Error)
	// Timeout bounds GetCurrentLocation and RequestPermission.
	Timeout time.Duration
	Clock   timeutil.Clock
}

// State is a snapshot of the controller. Seq increases with every change
// so listeners can discard snapshots that arrive out of order.
type State struct {
	Location   *location.Position       `json:"location"`
	IsTracking bool                     `json:"is_tracking"`
	Error      *location.Error          `json:"error"`
	Permission location.PermissionState `json:"permission"`
	IsLoading  bool                     `json:"is_loading"`
	Seq        uint64                   `json:"seq"`

	HasLocation         bool                  `json:"has_location"`
	IsPermissionGranted bool                  `json:"is_permission_granted"`
	IsPermissionDenied  bool                  `json:"is_permission_denied"`
	Coordinates         *location.Coordinates `json:"coordinates"`
}

// Controller aggregates a PermissionMachine and a WatchManager over one
// PositionSource.
type Controller struct {
	source  location.PositionSource
	opts    Options
	clock   timeutil.Clock
	timeout time.Duration

	perm  *location.PermissionMachine
	watch *location.WatchManager

	mu        sync.Mutex
	loc       *location.Position
	err       *location.Error
	loading   int
	seq       uint64
	closed    bool
	nextID    int
	listeners map[int]func(State)
}

// New creates a controller. source may be nil, in which case every
// operation fails with location.ErrNotSupported.
func New(source location.PositionSource, opts Options) *Controller {
	c := &Controller{
		source:    source,
		opts:      opts,
		clock:     opts.Clock,
		timeout:   opts.Timeout,
		listeners: make(map[int]func(State)),
	}
	if c.clock == nil {
		c.clock = timeutil.RealClock{}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	c.perm = location.NewPermissionMachine(source)
	c.perm.OnChange(func(location.PermissionState) { c.publish() })
	c.watch = location.NewWatchManager(source, c)
	return c
}

// Init checks the current permission and, with AutoStart, starts tracking
// when it is already granted. A source without a permission registry is
// asked with a fetch bounded by Options.Timeout.
func (c *Controller) Init(ctx context.Context) State {
	st := c.perm.Check(ctx, c.fetch)
	c.publish()
	if c.opts.AutoStart && st == location.PermissionGranted {
		if err := c.StartTracking(ctx); err != nil {
			monitoring.Logf("livelocation: autostart failed: %v", err)
		}
	}
	return c.State()
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() State {
	perm := c.perm.State()
	s := State{
		IsTracking:          c.watch.IsTracking(),
		Error:               c.err,
		Permission:          perm,
		IsLoading:           c.loading > 0,
		Seq:                 c.seq,
		IsPermissionGranted: perm == location.PermissionGranted,
		IsPermissionDenied:  perm == location.PermissionDenied,
	}
	if c.loc != nil {
		p := *c.loc
		coords := p.Coordinates()
		s.Location = &p
		s.HasLocation = true
		s.Coordinates = &coords
	}
	return s
}

// Subscribe registers fn for every state change and returns a function
// that removes it. fn is called outside the controller lock.
func (c *Controller) Subscribe(fn func(State)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

func (c *Controller) publish() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.seq++
	s := c.snapshotLocked()
	fns := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		safeCall("state listener", func() { fn(s) })
	}
}

// safeCall keeps a panicking consumer callback inside the controller.
func safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Logf("livelocation: %s panicked: %v", what, r)
		}
	}()
	fn()
}

func (c *Controller) setLocation(p location.Position) {
	c.mu.Lock()
	c.loc = &p
	c.err = nil
	c.mu.Unlock()
	c.publish()
	if c.opts.OnLocationUpdate != nil {
		safeCall("OnLocationUpdate", func() { c.opts.OnLocationUpdate(p) })
	}
}

func (c *Controller) setError(le *location.Error) {
	c.mu.Lock()
	c.err = le
	c.mu.Unlock()
	c.publish()
	if c.opts.OnError != nil {
		safeCall("OnError", func() { c.opts.OnError(le) })
	}
}

func (c *Controller) setLoading(delta int) {
	c.mu.Lock()
	c.loading += delta
	c.mu.Unlock()
	c.publish()
}

// fetch performs a bounded one-shot query without touching state.
func (c *Controller) fetch(ctx context.Context) (location.Position, error) {
	if c.source == nil {
		return location.Position{}, location.ErrNotSupported
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		p   location.Position
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := c.source.GetOnce(ctx)
		done <- result{p, err}
	}()

	timer := c.clock.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return location.Position{}, location.AsError(r.err)
		}
		if err := r.p.Validate(); err != nil {
			return location.Position{}, location.NewError(location.CodePositionUnavailable, "invalid position: %v", err)
		}
		return r.p, nil
	case <-timer.C():
		return location.Position{}, location.NewError(location.CodeTimeout, "location request timed out after %s", c.timeout)
	case <-ctx.Done():
		return location.Position{}, location.AsError(ctx.Err())
	}
}

// GetCurrentLocation performs a one-shot fetch bounded by Options.Timeout.
// Failures update state and are returned as well, except ctx being
// cancelled, which returns ctx.Err() and leaves state alone.
func (c *Controller) GetCurrentLocation(ctx context.Context) (location.Position, error) {
	c.setLoading(1)
	defer c.setLoading(-1)

	p, err := c.fetch(ctx)
	if err != nil {
		if location.CallerCanceled(ctx, err) {
			return location.Position{}, ctx.Err()
		}
		le := location.AsError(err)
		c.perm.ObserveFailure(le)
		c.setError(le)
		return location.Position{}, le
	}
	c.perm.ObserveSuccess()
	c.setLocation(p)
	return p, nil
}

// RequestPermission actively prompts for permission through a one-shot
// fetch. The fetched position, if any, becomes the current location.
func (c *Controller) RequestPermission(ctx context.Context) (location.PermissionState, error) {
	c.setLoading(1)
	st, pos, err := c.perm.Request(ctx, c.fetch)
	if err != nil && location.CallerCanceled(ctx, err) {
		c.setLoading(-1)
		return st, err
	}
	if pos != nil {
		c.setLocation(*pos)
	}
	if err != nil {
		c.setError(location.AsError(err))
	}
	c.setLoading(-1)

	if c.opts.AutoStart && st == location.PermissionGranted && !c.watch.IsTracking() {
		if serr := c.StartTracking(ctx); serr != nil {
			monitoring.Logf("livelocation: autostart failed: %v", serr)
		}
	}
	if err != nil {
		return st, location.AsError(err)
	}
	return st, nil
}

// StartTracking opens the continuous subscription. It is refused while
// permission is denied; RequestPermission is the only way back.
func (c *Controller) StartTracking(ctx context.Context) error {
	if c.perm.State() == location.PermissionDenied {
		le := location.NewError(location.CodePermissionDenied, "location permission denied: request permission to start tracking")
		c.setError(le)
		return le
	}
	_, err := c.watch.Start(ctx)
	c.publish()
	if err != nil {
		var le *location.Error
		if !errors.As(err, &le) {
			// Not reported through the observer.
			return fmt.Errorf("start tracking: %w", err)
		}
		return le
	}
	return nil
}

// StopTracking cancels the subscription. Safe to call repeatedly.
func (c *Controller) StopTracking() {
	c.watch.Stop()
	c.publish()
}

// ToggleTracking stops when tracking and starts otherwise.
func (c *Controller) ToggleTracking(ctx context.Context) error {
	if c.watch.IsTracking() {
		c.StopTracking()
		return nil
	}
	return c.StartTracking(ctx)
}

// ClearError resets the error without touching tracking.
func (c *Controller) ClearError() {
	c.mu.Lock()
	changed := c.err != nil
	c.err = nil
	c.mu.Unlock()
	if changed {
		c.publish()
	}
}

// WatchStats exposes the watch manager counters.
func (c *Controller) WatchStats() location.WatchStats {
	return c.watch.Stats()
}

// Close releases the subscription and detaches all listeners.
func (c *Controller) Close() {
	c.watch.Close()
	c.mu.Lock()
	c.closed = true
	c.listeners = make(map[int]func(State))
	c.mu.Unlock()
}

// OnPosition implements location.WatchObserver.
// Samples for a handle that is no longer current are dropped, which covers
// a sample accepted just before StopTracking.
func (c *Controller) OnPosition(h location.WatchHandle, p location.Position) {
	if h != c.watch.Handle() {
		return
	}
	c.perm.ObserveSuccess()
	c.setLocation(p)
}

// OnWatchError implements location.WatchObserver. Only a permission
// failure affects the permission state.
func (c *Controller) OnWatchError(_ location.WatchHandle, le *location.Error, _ bool) {
	if le.PermissionFailure() {
		c.perm.ObserveFailure(le)
	}
	c.setError(le)
}
