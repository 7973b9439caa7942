// Package projection converts geodetic points into drawing-surface pixels
// using a local equirectangular (flat-earth) approximation. It is only valid
// at city scale and away from the poles.
package projection

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

const (
	// Kilometres per degree used by the flat-earth circle approximation.
	kmPerDegLat = 110.574
	kmPerDegLon = 111.320

	// TileSize is the pixel width of the world at zoom 0.
	TileSize = 256

	MinZoom = 1
	MaxZoom = 20

	// DefaultSegments is the vertex count of an accuracy polygon.
	DefaultSegments = 64

	// MaxLatitude bounds the pole guard: cos(lat) is clamped to its value
	// here, so results above it are out of contract.
	MaxLatitude = 89.9
)

var minCos = math.Cos(MaxLatitude * math.Pi / 180)

// LatLon is a geodetic point in degrees.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Size is a viewport in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Center returns the pixel centre of the viewport.
func (s Size) Center() r2.Vec {
	return r2.Vec{X: float64(s.Width) / 2, Y: float64(s.Height) / 2}
}

// Empty reports whether the viewport has no drawable area.
func (s Size) Empty() bool {
	return s.Width <= 0 || s.Height <= 0
}

// ClampZoom limits z to [MinZoom, MaxZoom].
func ClampZoom(z int) int {
	if z < MinZoom {
		return MinZoom
	}
	if z > MaxZoom {
		return MaxZoom
	}
	return z
}

func cosLat(lat float64) float64 {
	c := math.Cos(lat * math.Pi / 180)
	if c < minCos {
		return minCos
	}
	return c
}

// PixelsPerDegree returns the latitude scale at zoom.
func PixelsPerDegree(zoom int) float64 {
	return TileSize * math.Exp2(float64(ClampZoom(zoom))) / 360
}

// Project maps point to pixel coordinates for a viewport centred on center.
// Screen Y grows downward.
func Project(point, center LatLon, zoom int, viewport Size) r2.Vec {
	ppd := PixelsPerDegree(zoom)
	offset := r2.Vec{
		X: (point.Lon - center.Lon) * ppd * cosLat(center.Lat),
		Y: -(point.Lat - center.Lat) * ppd,
	}
	return r2.Add(viewport.Center(), offset)
}

// Unproject is the inverse of Project.
func Unproject(px r2.Vec, center LatLon, zoom int, viewport Size) LatLon {
	ppd := PixelsPerDegree(zoom)
	d := r2.Sub(px, viewport.Center())
	return LatLon{
		Lat: center.Lat - d.Y/ppd,
		Lon: center.Lon + d.X/(ppd*cosLat(center.Lat)),
	}
}

// MetersPerPixel is the ground distance covered by one pixel. Longitude is
// pre-scaled by cos(lat) in Project, so the scale is latitude independent.
func MetersPerPixel(zoom int) float64 {
	return kmPerDegLat * 1000 / PixelsPerDegree(zoom)
}

// GeodesicCircle approximates a circle of radiusMeters around center as a
// closed ring of segments+1 vertices. segments < 3 uses DefaultSegments.
// Results for |lat| above MaxLatitude are out of contract.
func GeodesicCircle(center LatLon, radiusMeters float64, segments int) []LatLon {
	if segments < 3 {
		segments = DefaultSegments
	}
	if radiusMeters < 0 || math.IsNaN(radiusMeters) {
		radiusMeters = 0
	}

	km := radiusMeters / 1000
	dLat := km / kmPerDegLat
	dLon := km / (kmPerDegLon * cosLat(center.Lat))

	ring := make([]LatLon, 0, segments+1)
	for i := 0; i < segments; i++ {
		theta := float64(i) / float64(segments) * 2 * math.Pi
		ring = append(ring, LatLon{
			Lat: center.Lat + dLat*math.Sin(theta),
			Lon: center.Lon + dLon*math.Cos(theta),
		})
	}
	return append(ring, ring[0])
}

// FlatDistance is the ground distance in metres between a and b under the
// same approximation GeodesicCircle uses.
func FlatDistance(a, b LatLon) float64 {
	dy := (b.Lat - a.Lat) * kmPerDegLat * 1000
	dx := (b.Lon - a.Lon) * kmPerDegLon * 1000 * cosLat(a.Lat)
	return math.Hypot(dx, dy)
}

// AccuracyPixelRadius converts an accuracy in metres to an on-screen radius
// with the renderer's accuracy*zoom/10 scale. This is not a projection; it
// keeps the circle legible across zoom levels. The result is clamped to max.
func AccuracyPixelRadius(accuracyMeters float64, zoom int, max float64) float64 {
	if accuracyMeters <= 0 || math.IsNaN(accuracyMeters) {
		return 0
	}
	r := accuracyMeters * float64(ClampZoom(zoom)) / 10
	if max > 0 && r > max {
		return max
	}
	return r
}
