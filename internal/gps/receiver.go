package gps

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/livemap/internal/httputil"
	"github.com/banshee-data/livemap/internal/location"
	"github.com/banshee-data/livemap/internal/monitoring"
	"github.com/banshee-data/livemap/internal/timeutil"
)

// DefaultStaleAfter is how long the receiver may go without a fix before
// subscribers are told the fix timed out.
const DefaultStaleAfter = 5 * time.Second

// ReceiverStats are lifetime counters for one receiver.
type ReceiverStats struct {
	Lines          int        `json:"lines"`
	Sentences      int        `json:"sentences"`
	Fixes          int        `json:"fixes"`
	ChecksumErrors int        `json:"checksum_errors"`
	ParseErrors    int        `json:"parse_errors"`
	Ignored        int        `json:"ignored"`
	FixLost        int        `json:"fix_lost"`
	Stale          int        `json:"stale"`
	Subscribers    int        `json:"subscribers"`
	Dropped        int        `json:"dropped_lines"`
	LastFix        *time.Time `json:"last_fix,omitempty"`
}

// Receiver is a location.PositionSource fed by an NMEA receiver.
type Receiver struct {
	mux        *LineMux
	clock      timeutil.Clock
	staleAfter time.Duration
	fixes      *fixAssembler

	stopped  chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	sinks   map[location.SourceHandle]location.Sink
	waiters map[chan location.Position]struct{}
	last    *location.Position
	lastAt  time.Time
	stale   bool
	running bool
	fatal   *location.Error
	stats   ReceiverStats
}

// NewReceiver creates a receiver reading from port. Run must be called to
// start reading.
func NewReceiver(port Port, clock timeutil.Clock) *Receiver {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Receiver{
		mux:        NewLineMux(port),
		clock:      clock,
		staleAfter: DefaultStaleAfter,
		fixes:      newFixAssembler(),
		stopped:    make(chan struct{}),
		sinks:      make(map[location.SourceHandle]location.Sink),
		waiters:    make(map[chan location.Position]struct{}),
	}
}

// Open opens the serial receiver at path.
func Open(path string, opts PortOptions, clock timeutil.Clock) (*Receiver, error) {
	port, err := OpenSerialPort(path, opts)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("gps: opened %s", path)
	return NewReceiver(port, clock), nil
}

// SetStaleAfter overrides DefaultStaleAfter. Call before Run.
func (r *Receiver) SetStaleAfter(d time.Duration) {
	if d > 0 {
		r.staleAfter = d
	}
}

// Run reads the port until ctx ends or the port fails. Subscribers receive
// a terminal error when it returns.
func (r *Receiver) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	_, lines := r.mux.Subscribe()
	monErr := make(chan error, 1)
	go func() { monErr <- r.mux.Monitor(ctx) }()

	r.mu.Lock()
	r.running = true
	r.lastAt = r.clock.Now()
	r.mu.Unlock()

	ticker := r.clock.NewTicker(r.staleAfter)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				err := <-monErr
				r.shutdown(err)
				return err
			}
			r.handleLine(line)
		case <-ticker.C():
			r.checkStale()
		}
	}
}

// Close stops the receiver and closes the port.
func (r *Receiver) Close() error {
	return r.mux.Close()
}

func (r *Receiver) shutdown(err error) {
	msg := "gps receiver stopped"
	if err != nil && !errors.Is(err, context.Canceled) {
		msg = "gps receiver disconnected: " + err.Error()
	}
	le := &location.Error{Code: location.CodePositionUnavailable, Message: msg, Err: err}

	r.mu.Lock()
	r.running = false
	r.fatal = le
	sinks := r.sinksLocked()
	r.mu.Unlock()
	r.stopOnce.Do(func() { close(r.stopped) })

	monitoring.Logf("gps: %s", msg)
	for _, s := range sinks {
		if s.OnError != nil {
			s.OnError(le)
		}
	}
}

func (r *Receiver) handleLine(line string) {
	s, err := ParseSentence(line)

	r.mu.Lock()
	r.stats.Lines++
	switch {
	case err == nil:
		r.stats.Sentences++
	case errors.Is(err, ErrChecksum):
		r.stats.ChecksumErrors++
	case errors.Is(err, ErrMalformedNMEA):
		r.stats.ParseErrors++
	default:
		r.stats.Ignored++
	}
	r.mu.Unlock()

	if err != nil {
		if !errors.Is(err, ErrNotNMEA) && !errors.Is(err, ErrUnsupported) {
			monitoring.Debugf("gps: dropping %q: %v", line, err)
		}
		return
	}

	pos, lost := r.fixes.add(s)
	switch {
	case pos != nil:
		r.publish(*pos)
	case lost:
		r.mu.Lock()
		r.stats.FixLost++
		r.mu.Unlock()
		r.broadcastError(location.NewError(location.CodeTimeout, "gps receiver lost its fix"))
	}
}

func (r *Receiver) publish(p location.Position) {
	if err := p.Validate(); err != nil {
		r.broadcastError(location.NewError(location.CodePositionUnavailable, "gps receiver sent an invalid fix: %v", err))
		return
	}

	r.mu.Lock()
	r.last = &p
	r.lastAt = r.clock.Now()
	r.stale = false
	r.stats.Fixes++
	ts := p.Timestamp
	r.stats.LastFix = &ts
	sinks := r.sinksLocked()
	waiters := r.waiters
	r.waiters = make(map[chan location.Position]struct{})
	r.mu.Unlock()

	for ch := range waiters {
		ch <- p
	}
	for _, s := range sinks {
		if s.OnSample != nil {
			s.OnSample(p)
		}
	}
}

func (r *Receiver) broadcastError(le *location.Error) {
	r.mu.Lock()
	sinks := r.sinksLocked()
	r.mu.Unlock()
	for _, s := range sinks {
		if s.OnError != nil {
			s.OnError(le)
		}
	}
}

func (r *Receiver) checkStale() {
	r.mu.Lock()
	fire := r.running && !r.stale && r.clock.Since(r.lastAt) >= r.staleAfter
	if fire {
		r.stale = true
		r.stats.Stale++
	}
	r.mu.Unlock()

	if fire {
		r.broadcastError(location.NewError(location.CodeTimeout, "no gps fix for %s", r.staleAfter))
	}
}

func (r *Receiver) sinksLocked() []location.Sink {
	out := make([]location.Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		out = append(out, s)
	}
	return out
}

// GetOnce implements location.PositionSource. A fix younger than the stale
// interval is returned immediately; otherwise it waits for the next one.
func (r *Receiver) GetOnce(ctx context.Context) (location.Position, error) {
	r.mu.Lock()
	if r.fatal != nil {
		err := r.fatal
		r.mu.Unlock()
		return location.Position{}, err
	}
	if r.last != nil && !r.stale && r.clock.Since(r.lastAt) < r.staleAfter {
		p := *r.last
		r.mu.Unlock()
		return p, nil
	}
	ch := make(chan location.Position, 1)
	r.waiters[ch] = struct{}{}
	r.mu.Unlock()

	select {
	case p := <-ch:
		return p, nil
	case <-r.stopped:
		r.mu.Lock()
		delete(r.waiters, ch)
		err := r.fatal
		r.mu.Unlock()
		return location.Position{}, err
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.waiters, ch)
		r.mu.Unlock()
		return location.Position{}, location.AsError(ctx.Err())
	}
}

// Subscribe implements location.PositionSource.
func (r *Receiver) Subscribe(sink location.Sink) (location.SourceHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal != nil {
		return "", r.fatal
	}
	h := location.SourceHandle(uuid.NewString())
	r.sinks[h] = sink
	return h, nil
}

// Cancel implements location.PositionSource.
func (r *Receiver) Cancel(h location.SourceHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, h)
}

// QueryPermission implements location.PositionSource. An opened receiver
// needs no further permission; before the first fix the caller fetches once.
func (r *Receiver) QueryPermission(context.Context) (location.PermissionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.fatal != nil:
		return location.PermissionDenied, nil
	case r.running:
		return location.PermissionGranted, nil
	}
	return "", location.ErrPermissionQueryUnsupported
}

// Stats returns a copy of the counters.
func (r *Receiver) Stats() ReceiverStats {
	r.mu.Lock()
	st := r.stats
	st.Subscribers = len(r.sinks)
	r.mu.Unlock()
	st.Dropped = r.mux.Dropped()
	return st
}

// AttachAdminRoutes serves receiver counters at /debug/gps and the raw
// NMEA tail at /debug/nmea-tail.
func (r *Receiver) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("gps", "GPS receiver counters", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSONOK(w, r.Stats())
	}))
	r.mux.AttachAdminRoutes(mux)
}
