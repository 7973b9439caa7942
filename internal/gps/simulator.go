package gps

import (
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/livemap/internal/projection"
	"github.com/banshee-data/livemap/internal/timeutil"
	"github.com/banshee-data/livemap/internal/units"
)

// SimulatorConfig describes a simulated receiver driving a closed route.
type SimulatorConfig struct {
	Route    []projection.LatLon
	SpeedMPS float64
	HDOP     float64
	Interval time.Duration
}

// DefaultRoute is a short loop around Trafalgar Square.
var DefaultRoute = []projection.LatLon{
	{Lat: 51.50806, Lon: -0.12806},
	{Lat: 51.50870, Lon: -0.12690},
	{Lat: 51.50790, Lon: -0.12590},
	{Lat: 51.50720, Lon: -0.12750},
}

// Simulator is a Port producing GGA and RMC sentences for a position moving
// along a looped route. It stands in for hardware in development and tests.
type Simulator struct {
	cfg    SimulatorConfig
	clock  timeutil.Clock
	start  time.Time
	legs   []float64 // cumulative distance at the end of each leg
	total  float64
	r      *io.PipeReader
	w      *io.PipeWriter
	done   chan struct{}
	closer sync.Once

	mu    sync.Mutex
	noFix bool
}

// NewSimulator starts a simulator on clock. Close stops it.
func NewSimulator(cfg SimulatorConfig, clock timeutil.Clock) (*Simulator, error) {
	if len(cfg.Route) < 2 {
		return nil, fmt.Errorf("simulated route needs at least 2 points, got %d", len(cfg.Route))
	}
	if cfg.SpeedMPS < 0 || math.IsNaN(cfg.SpeedMPS) {
		return nil, fmt.Errorf("invalid simulated speed %v", cfg.SpeedMPS)
	}
	if cfg.HDOP <= 0 {
		cfg.HDOP = defaultHDOP
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	s := &Simulator{
		cfg:   cfg,
		clock: clock,
		start: clock.Now(),
		done:  make(chan struct{}),
	}
	n := len(cfg.Route)
	for i := 0; i < n; i++ {
		s.total += projection.FlatDistance(cfg.Route[i], cfg.Route[(i+1)%n])
		s.legs = append(s.legs, s.total)
	}
	s.r, s.w = io.Pipe()
	ticker := clock.NewTicker(cfg.Interval)
	go s.run(ticker)
	return s, nil
}

func (s *Simulator) run(ticker timeutil.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C():
			for _, line := range s.Sentences(s.clock.Now()) {
				if _, err := io.WriteString(s.w, line+"\r\n"); err != nil {
					return
				}
			}
		}
	}
}

// SetFix toggles whether the simulated receiver has a fix.
func (s *Simulator) SetFix(ok bool) {
	s.mu.Lock()
	s.noFix = !ok
	s.mu.Unlock()
}

// At returns the simulated position and course at t.
func (s *Simulator) At(t time.Time) (projection.LatLon, float64) {
	route := s.cfg.Route
	if s.total == 0 {
		return route[0], 0
	}
	d := math.Mod(t.Sub(s.start).Seconds()*s.cfg.SpeedMPS, s.total)
	if d < 0 {
		d += s.total
	}
	from := 0
	for from < len(s.legs)-1 && d >= s.legs[from] {
		from++
	}
	a, b := route[from], route[(from+1)%len(route)]
	legStart := 0.0
	if from > 0 {
		legStart = s.legs[from-1]
	}
	frac := 0.0
	if l := s.legs[from] - legStart; l > 0 {
		frac = (d - legStart) / l
	}
	p := projection.LatLon{
		Lat: a.Lat + (b.Lat-a.Lat)*frac,
		Lon: a.Lon + (b.Lon-a.Lon)*frac,
	}
	return p, course(a, b)
}

// course is the initial bearing from a to b in degrees clockwise from north.
func course(a, b projection.LatLon) float64 {
	dy := b.Lat - a.Lat
	dx := (b.Lon - a.Lon) * math.Cos(a.Lat*math.Pi/180)
	deg := math.Atan2(dx, dy) * 180 / math.Pi
	if deg < 0 {
		deg += 360
	}
	return deg
}

// Sentences renders the GGA and RMC pair a receiver would emit at t.
func (s *Simulator) Sentences(t time.Time) []string {
	s.mu.Lock()
	noFix := s.noFix
	s.mu.Unlock()

	if noFix {
		tod := t.UTC().Format("150405.00")
		return []string{
			Frame("GPGGA," + tod + ",,,,,0,00,,,M,,M,,"),
			Frame("GPRMC," + tod + ",V,,,,,,," + t.UTC().Format("020106") + ",,"),
		}
	}
	p, crs := s.At(t)
	knots := s.cfg.SpeedMPS / units.KnotsToMPS(1)
	return []string{
		FormatGGA(t, p.Lat, p.Lon, s.cfg.HDOP, 8),
		FormatRMC(t, p.Lat, p.Lon, knots, crs),
	}
}

func (s *Simulator) Read(p []byte) (int, error) { return s.r.Read(p) }

// Write accepts and discards receiver configuration commands.
func (s *Simulator) Write(p []byte) (int, error) {
	select {
	case <-s.done:
		return 0, io.ErrClosedPipe
	default:
		return len(p), nil
	}
}

func (s *Simulator) Close() error {
	s.closer.Do(func() {
		close(s.done)
		s.w.Close()
	})
	return nil
}
