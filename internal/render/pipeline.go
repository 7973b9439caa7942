package render

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/livemap/internal/location"
	"github.com/banshee-data/livemap/internal/monitoring"
	"github.com/banshee-data/livemap/internal/projection"
	"github.com/banshee-data/livemap/internal/timeutil"
)

// Status describes what the last redraw produced.
type Status string

const (
	StatusLoading     Status = "loading"     // placeholder frame, no position yet
	StatusReady       Status = "ready"       // full frame with a position
	StatusUnavailable Status = "unavailable" // no surface to draw on
)

const (
	// PulsePeriod is one cycle of the live-tracking pulse ring.
	PulsePeriod = 1500 * time.Millisecond
	// PulseInterval is the animation redraw cadence while tracking.
	PulseInterval = 100 * time.Millisecond
)

// ErrNoSurface is returned by a redraw without a usable drawing surface.
var ErrNoSurface = errors.New("render: no drawing surface")

// Resizer is implemented by surfaces whose backing store can be resized.
type Resizer interface {
	Resize(width, height int) error
}

// PipelineStats are lifetime counters.
type PipelineStats struct {
	Frames      int    `json:"frames"`
	Requested   int    `json:"requested"`
	Coalesced   int    `json:"coalesced"`
	Failed      int    `json:"failed"`
	Status      Status `json:"status"`
	LastCommand int    `json:"last_command_count"`
}

// Pipeline owns the scene and redraws it onto a Surface. Triggers only mark
// the scene dirty; redraws are coalesced so at most one is in flight and
// several triggers in between fold into a single frame.
type Pipeline struct {
	clock timeutil.Clock
	dirty chan struct{}

	// drawMu serialises redraws on the surface.
	drawMu sync.Mutex

	mu         sync.Mutex
	cfg        Config
	frame      Frame
	seq        uint64
	surface    Surface
	pulseStart time.Time
	lastErr    error
	last       []Command
	stats      PipelineStats
}

// NewPipeline creates a pipeline. surface may be nil and attached later.
func NewPipeline(cfg Config, surface Surface, clock timeutil.Clock) *Pipeline {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	p := &Pipeline{
		clock:      clock,
		dirty:      make(chan struct{}, 1),
		cfg:        cfg.normalized(),
		surface:    surface,
		pulseStart: clock.Now(),
	}
	p.stats.Status = StatusLoading
	return p
}

// Invalidate schedules a redraw.
func (p *Pipeline) Invalidate() {
	p.mu.Lock()
	p.stats.Requested++
	p.mu.Unlock()

	select {
	case p.dirty <- struct{}{}:
	default:
		p.mu.Lock()
		p.stats.Coalesced++
		p.mu.Unlock()
	}
}

// SetLocation replaces the location part of the scene. seq orders updates
// from the controller; an update older than the current one is ignored.
// A zero seq is always accepted.
func (p *Pipeline) SetLocation(pos *location.Position, tracking bool, seq uint64) {
	p.setScene(pos, tracking, nil, seq)
}

// SetScene is SetLocation plus the placeholder label, applied together so
// an out-of-order snapshot cannot leave a stale label behind.
func (p *Pipeline) SetScene(pos *location.Position, tracking bool, status string, seq uint64) {
	p.setScene(pos, tracking, &status, seq)
}

func (p *Pipeline) setScene(pos *location.Position, tracking bool, status *string, seq uint64) {
	p.mu.Lock()
	if seq != 0 && seq < p.seq {
		p.mu.Unlock()
		return
	}
	if seq != 0 {
		p.seq = seq
	}
	if tracking && !p.frame.Tracking {
		p.pulseStart = p.clock.Now()
	}
	if pos != nil {
		cp := *pos
		pos = &cp
	}
	p.frame.Position = pos
	p.frame.Tracking = tracking
	if status != nil {
		p.frame.Status = *status
	}
	p.mu.Unlock()
	p.Invalidate()
}

// SetStatusText sets the placeholder label shown without a position.
func (p *Pipeline) SetStatusText(s string) {
	p.mu.Lock()
	changed := p.frame.Status != s
	p.frame.Status = s
	p.mu.Unlock()
	if changed {
		p.Invalidate()
	}
}

// SetZoom sets the zoom, clamped to the supported range.
func (p *Pipeline) SetZoom(z int) int {
	p.mu.Lock()
	z = projection.ClampZoom(z)
	changed := p.cfg.Zoom != z
	p.cfg.Zoom = z
	p.mu.Unlock()
	if changed {
		p.Invalidate()
	}
	return z
}

// ZoomIn increments the zoom by one level.
func (p *Pipeline) ZoomIn() int { return p.SetZoom(p.Config().Zoom + 1) }

// ZoomOut decrements the zoom by one level.
func (p *Pipeline) ZoomOut() int { return p.SetZoom(p.Config().Zoom - 1) }

// SetStyle switches the palette.
func (p *Pipeline) SetStyle(s Style) {
	p.mu.Lock()
	p.cfg.Style = s
	p.cfg = p.cfg.normalized()
	p.mu.Unlock()
	p.Invalidate()
}

// SetShowAccuracyCircle toggles the accuracy layer.
func (p *Pipeline) SetShowAccuracyCircle(show bool) {
	p.mu.Lock()
	p.cfg.ShowAccuracyCircle = show
	p.mu.Unlock()
	p.Invalidate()
}

// SetSurface attaches or replaces the drawing surface.
func (p *Pipeline) SetSurface(s Surface) {
	p.mu.Lock()
	p.surface = s
	p.mu.Unlock()
	p.Invalidate()
}

// Resize resizes the surface when it supports it and schedules a redraw.
// The redraw re-reads the surface size either way.
func (p *Pipeline) Resize(width, height int) error {
	p.mu.Lock()
	s := p.surface
	p.mu.Unlock()

	if r, ok := s.(Resizer); ok {
		p.drawMu.Lock()
		err := r.Resize(width, height)
		p.drawMu.Unlock()
		if err != nil {
			return fmt.Errorf("resize surface: %w", err)
		}
	}
	p.Invalidate()
	return nil
}

// Config returns the current scene configuration.
func (p *Pipeline) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Stats returns a copy of the counters.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// LastError returns the failure of the most recent redraw, if any.
func (p *Pipeline) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// LastCommands returns the display list of the last completed frame.
func (p *Pipeline) LastCommands() []Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Command(nil), p.last...)
}

func (p *Pipeline) animating() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame.Tracking && p.frame.Position != nil
}

// Run services redraw requests until ctx is done, plus pulse animation
// frames while tracking.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(PulseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.dirty:
		case <-ticker.C():
			if !p.animating() {
				continue
			}
		}
		if err := p.RedrawNow(); err != nil && !errors.Is(err, ErrNoSurface) {
			monitoring.Logf("render: redraw failed: %v", err)
		}
	}
}

// RedrawNow renders and applies one complete frame synchronously. The
// display list is built before touching the surface so a frame is never
// partially drawn.
func (p *Pipeline) RedrawNow() error {
	p.drawMu.Lock()
	defer p.drawMu.Unlock()

	p.mu.Lock()
	surface := p.surface
	cfg := p.cfg
	frame := p.frame
	pulseStart := p.pulseStart
	p.mu.Unlock()

	if surface == nil {
		return p.fail(ErrNoSurface)
	}
	w, h := surface.Size()
	cfg.Viewport = projection.Size{Width: w, Height: h}
	if cfg.Viewport.Empty() {
		return p.fail(fmt.Errorf("%w: empty viewport %dx%d", ErrNoSurface, w, h))
	}
	if frame.Tracking {
		frame.Pulse = PulsePhase(p.clock.Since(pulseStart))
	}

	cmds := Render(cfg, frame)
	Execute(cmds, surface)

	p.mu.Lock()
	p.cfg.Viewport = cfg.Viewport
	p.last = cmds
	p.lastErr = nil
	p.stats.Frames++
	p.stats.LastCommand = len(cmds)
	if frame.Position != nil {
		p.stats.Status = StatusReady
	} else {
		p.stats.Status = StatusLoading
	}
	p.mu.Unlock()
	return nil
}

// Capture calls fn with the surface while no redraw is running, so fn
// always sees a complete frame.
func (p *Pipeline) Capture(fn func(Surface) error) error {
	p.drawMu.Lock()
	defer p.drawMu.Unlock()

	p.mu.Lock()
	surface := p.surface
	p.mu.Unlock()
	if surface == nil {
		return ErrNoSurface
	}
	return fn(surface)
}

func (p *Pipeline) fail(err error) error {
	p.mu.Lock()
	first := p.stats.Status != StatusUnavailable
	p.lastErr = err
	p.stats.Failed++
	p.stats.Status = StatusUnavailable
	p.mu.Unlock()
	if first {
		monitoring.Logf("render: %v", err)
	}
	return err
}

// PulsePhase maps elapsed time onto the pulse cycle, in [0, 1).
func PulsePhase(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	phase := float64(elapsed%PulsePeriod) / float64(PulsePeriod)
	return math.Max(0, math.Min(phase, math.Nextafter(1, 0)))
}
