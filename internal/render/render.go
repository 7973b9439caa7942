// Package render draws the live-location map. Render is a pure function from
// a scene to a display list; Pipeline owns the redraw loop and the surface.
package render

import (
	"image/color"
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/livemap/internal/location"
	"github.com/banshee-data/livemap/internal/projection"
	"github.com/banshee-data/livemap/internal/units"
)

// Frame is the location-driven part of a scene.
type Frame struct {
	Position *location.Position
	Tracking bool
	// Pulse is the live-pulse animation phase in [0, 1).
	Pulse float64
	// Status replaces the placeholder label while there is no position.
	Status string
}

const (
	gridSpacing     = 40.0
	markerRadius    = 10.0
	markerDotRadius = 7.0
	pulseSpread     = 14.0
	compassRadius   = 20.0
	compassMargin   = 14.0
	scaleBarLength  = 100.0
	scaleBarMargin  = 16.0
	labelSize       = 11.0
	statusText      = "Locating…"
)

// Render produces the display list for one frame. Layers are emitted in
// strict order; no command depends on pixels drawn by another.
func Render(cfg Config, f Frame) []Command {
	cfg = cfg.normalized()
	pal := palettes[cfg.Style]
	vp := cfg.Viewport

	cmds := make([]Command, 0, 64)
	cmds = append(cmds,
		Command{Layer: LayerBackground, Op: OpClear, Color: pal.background},
		Command{Layer: LayerBackground, Op: OpFillRect, Points: []r2.Vec{{}, {X: float64(vp.Width), Y: float64(vp.Height)}}, Color: pal.background},
	)
	cmds = append(cmds, features(vp, pal)...)

	if f.Position == nil {
		msg := f.Status
		if msg == "" {
			msg = statusText
		}
		return append(cmds, status(vp, pal, msg)...)
	}

	pos := *f.Position
	center := vp.Center()

	if cfg.ShowAccuracyCircle && pos.Accuracy > 0 {
		cmds = append(cmds, accuracy(cfg, pal, pos, center)...)
	}
	cmds = append(cmds, marker(pal, pos, center, f)...)
	cmds = append(cmds, compass(vp, pal)...)
	cmds = append(cmds, scaleBar(cfg, pal)...)
	return cmds
}

// features draws the static grid and placeholder map features. They are
// laid out from viewport fractions so a resize keeps the composition.
func features(vp projection.Size, pal palette) []Command {
	w, h := float64(vp.Width), float64(vp.Height)
	var cmds []Command

	for x := gridSpacing; x < w; x += gridSpacing {
		cmds = append(cmds, Command{Layer: LayerFeatures, Op: OpStrokePolyline, Points: []r2.Vec{{X: x}, {X: x, Y: h}}, Width: 1, Color: pal.grid})
	}
	for y := gridSpacing; y < h; y += gridSpacing {
		cmds = append(cmds, Command{Layer: LayerFeatures, Op: OpStrokePolyline, Points: []r2.Vec{{Y: y}, {X: w, Y: y}}, Width: 1, Color: pal.grid})
	}

	cmds = append(cmds,
		Command{Layer: LayerFeatures, Op: OpFillRect, Points: []r2.Vec{{X: w * 0.08, Y: h * 0.1}, {X: w * 0.32, Y: h * 0.38}}, Color: pal.park},
		Command{Layer: LayerFeatures, Op: OpFillRect, Points: []r2.Vec{{X: w * 0.62, Y: h * 0.62}, {X: w * 0.9, Y: h * 0.88}}, Color: pal.block},
		Command{Layer: LayerFeatures, Op: OpStrokePolyline, Points: []r2.Vec{{Y: h * 0.45}, {X: w, Y: h * 0.55}}, Width: 8, Color: pal.road},
		Command{Layer: LayerFeatures, Op: OpStrokePolyline, Points: []r2.Vec{{X: w * 0.55}, {X: w * 0.45, Y: h}}, Width: 6, Color: pal.road},
	)
	return cmds
}

func accuracy(cfg Config, pal palette, pos location.Position, center r2.Vec) []Command {
	r := projection.AccuracyPixelRadius(pos.Accuracy, cfg.Zoom, cfg.MaxAccuracyRadius)
	cmds := []Command{
		{Layer: LayerAccuracy, Op: OpFillCircle, Points: []r2.Vec{center}, Radius: r, Color: pal.accuracyFill},
		{Layer: LayerAccuracy, Op: OpStrokeCircle, Points: []r2.Vec{center}, Radius: r, Width: 1.5, Color: pal.accuracyLine},
	}
	if !cfg.ShowGeodesicOutline {
		return cmds
	}

	c := projection.LatLon{Lat: pos.Latitude, Lon: pos.Longitude}
	ring := projection.GeodesicCircle(c, pos.Accuracy, projection.DefaultSegments)
	pts := make([]r2.Vec, len(ring))
	for i, v := range ring {
		pts[i] = projection.Project(v, c, cfg.Zoom, cfg.Viewport)
	}
	return append(cmds, Command{Layer: LayerAccuracy, Op: OpStrokePolyline, Points: pts, Closed: true, Width: 1, Color: pal.accuracyLine})
}

func marker(pal palette, pos location.Position, center r2.Vec, f Frame) []Command {
	var cmds []Command
	if f.Tracking {
		phase := f.Pulse - math.Floor(f.Pulse)
		pulse := withAlpha(pal.pulse, 1-phase)
		cmds = append(cmds, Command{Layer: LayerMarker, Op: OpFillCircle, Points: []r2.Vec{center}, Radius: markerRadius + pulseSpread*phase, Color: pulse})
	}
	if pos.HasHeading() {
		cmds = append(cmds, Command{Layer: LayerMarker, Op: OpFillPolygon, Points: headingWedge(center, *pos.Heading), Color: pal.markerDot})
	}
	cmds = append(cmds,
		Command{Layer: LayerMarker, Op: OpFillCircle, Points: []r2.Vec{center}, Radius: markerRadius, Color: pal.markerRing},
		Command{Layer: LayerMarker, Op: OpFillCircle, Points: []r2.Vec{center}, Radius: markerDotRadius, Color: pal.markerDot},
	)
	return cmds
}

// headingWedge is a small triangle outside the marker pointing along
// heading (degrees clockwise from north).
func headingWedge(center r2.Vec, heading float64) []r2.Vec {
	rad := heading * math.Pi / 180
	dir := r2.Vec{X: math.Sin(rad), Y: -math.Cos(rad)}
	perp := r2.Vec{X: -dir.Y, Y: dir.X}
	tip := r2.Add(center, r2.Scale(markerRadius+8, dir))
	base := r2.Add(center, r2.Scale(markerRadius-1, dir))
	return []r2.Vec{
		tip,
		r2.Add(base, r2.Scale(5, perp)),
		r2.Sub(base, r2.Scale(5, perp)),
	}
}

func compass(vp projection.Size, pal palette) []Command {
	c := r2.Vec{X: float64(vp.Width) - compassMargin - compassRadius, Y: compassMargin + compassRadius}
	n := compassRadius - 6
	return []Command{
		{Layer: LayerCompass, Op: OpFillCircle, Points: []r2.Vec{c}, Radius: compassRadius, Color: pal.compassFace},
		{Layer: LayerCompass, Op: OpFillPolygon, Points: []r2.Vec{{X: c.X, Y: c.Y - n}, {X: c.X - 5, Y: c.Y}, {X: c.X + 5, Y: c.Y}}, Color: pal.compassNorth},
		{Layer: LayerCompass, Op: OpFillPolygon, Points: []r2.Vec{{X: c.X, Y: c.Y + n}, {X: c.X + 5, Y: c.Y}, {X: c.X - 5, Y: c.Y}}, Color: pal.compassSouth},
		{Layer: LayerCompass, Op: OpText, Points: []r2.Vec{{X: c.X, Y: c.Y + compassRadius + labelSize + 2}}, Size: labelSize, Align: AlignCenter, Text: "N", Color: pal.ink},
	}
}

func scaleBar(cfg Config, pal palette) []Command {
	y := float64(cfg.Viewport.Height) - scaleBarMargin
	x0 := scaleBarMargin
	x1 := x0 + scaleBarLength
	label := units.FormatDistance(scaleBarLength * projection.MetersPerPixel(cfg.Zoom))
	return []Command{
		{Layer: LayerScaleBar, Op: OpStrokePolyline, Points: []r2.Vec{{X: x0, Y: y - 5}, {X: x0, Y: y}, {X: x1, Y: y}, {X: x1, Y: y - 5}}, Width: 4, Color: pal.halo},
		{Layer: LayerScaleBar, Op: OpStrokePolyline, Points: []r2.Vec{{X: x0, Y: y - 5}, {X: x0, Y: y}, {X: x1, Y: y}, {X: x1, Y: y - 5}}, Width: 2, Color: pal.ink},
		{Layer: LayerScaleBar, Op: OpText, Points: []r2.Vec{{X: x0 + 2, Y: y - 8}}, Size: labelSize, Align: AlignLeft, Text: label, Color: pal.ink},
	}
}

func status(vp projection.Size, pal palette, msg string) []Command {
	c := vp.Center()
	return []Command{
		{Layer: LayerStatus, Op: OpFillRect, Points: []r2.Vec{{X: c.X - 70, Y: c.Y - 16}, {X: c.X + 70, Y: c.Y + 12}}, Color: pal.halo},
		{Layer: LayerStatus, Op: OpText, Points: []r2.Vec{{X: c.X, Y: c.Y + 4}}, Size: 13, Align: AlignCenter, Text: msg, Color: pal.ink},
	}
}

// withAlpha scales the alpha of c by a in [0, 1].
func withAlpha(c color.NRGBA, a float64) color.NRGBA {
	c.A = uint8(math.Max(0, math.Min(255, float64(c.A)*a)))
	return c
}
