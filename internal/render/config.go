package render

import (
	"fmt"
	"image/color"

	"github.com/banshee-data/livemap/internal/projection"
)

// Style selects the map palette.
type Style string

const (
	StyleLight Style = "light"
	StyleDark  Style = "dark"
)

// ParseStyle accepts "light" or "dark", case-sensitive like the HTML prop.
func ParseStyle(s string) (Style, error) {
	switch Style(s) {
	case StyleLight, StyleDark:
		return Style(s), nil
	case "":
		return StyleLight, nil
	}
	return "", fmt.Errorf("unsupported style %q: expected light or dark", s)
}

// DefaultMaxAccuracyRadius caps the accuracy circle so it never overdraws
// the viewport at high zoom.
const DefaultMaxAccuracyRadius = 100.0

// Config is the user-controlled part of a scene. It changes only through
// zoom actions, the style prop or viewport resize.
type Config struct {
	Zoom                int             `json:"zoom"`
	Style               Style           `json:"style"`
	ShowAccuracyCircle  bool            `json:"show_accuracy_circle"`
	ShowGeodesicOutline bool            `json:"show_geodesic_outline"`
	Viewport            projection.Size `json:"viewport"`
	MaxAccuracyRadius   float64         `json:"max_accuracy_radius"`
}

// DefaultConfig matches the dashboard widget defaults.
func DefaultConfig() Config {
	return Config{
		Zoom:               15,
		Style:              StyleLight,
		ShowAccuracyCircle: true,
		Viewport:           projection.Size{Width: 400, Height: 300},
		MaxAccuracyRadius:  DefaultMaxAccuracyRadius,
	}
}

func (c Config) normalized() Config {
	c.Zoom = projection.ClampZoom(c.Zoom)
	if c.Style != StyleDark {
		c.Style = StyleLight
	}
	if c.MaxAccuracyRadius <= 0 {
		c.MaxAccuracyRadius = DefaultMaxAccuracyRadius
	}
	return c
}

type palette struct {
	background   color.NRGBA
	grid         color.NRGBA
	road         color.NRGBA
	park         color.NRGBA
	block        color.NRGBA
	accuracyFill color.NRGBA
	accuracyLine color.NRGBA
	markerRing   color.NRGBA
	markerDot    color.NRGBA
	pulse        color.NRGBA
	compassFace  color.NRGBA
	compassNorth color.NRGBA
	compassSouth color.NRGBA
	ink          color.NRGBA
	halo         color.NRGBA
}

var palettes = map[Style]palette{
	StyleLight: {
		background:   color.NRGBA{R: 0xf2, G: 0xef, B: 0xe9, A: 0xff},
		grid:         color.NRGBA{R: 0xe0, G: 0xdd, B: 0xd5, A: 0xff},
		road:         color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff},
		park:         color.NRGBA{R: 0xd8, G: 0xe6, B: 0xcf, A: 0xff},
		block:        color.NRGBA{R: 0xe8, G: 0xe4, B: 0xdc, A: 0xff},
		accuracyFill: color.NRGBA{R: 0x42, G: 0x85, B: 0xf4, A: 0x26},
		accuracyLine: color.NRGBA{R: 0x42, G: 0x85, B: 0xf4, A: 0x80},
		markerRing:   color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff},
		markerDot:    color.NRGBA{R: 0x42, G: 0x85, B: 0xf4, A: 0xff},
		pulse:        color.NRGBA{R: 0x42, G: 0x85, B: 0xf4, A: 0x66},
		compassFace:  color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xe6},
		compassNorth: color.NRGBA{R: 0xea, G: 0x43, B: 0x35, A: 0xff},
		compassSouth: color.NRGBA{R: 0x9e, G: 0x9e, B: 0x9e, A: 0xff},
		ink:          color.NRGBA{R: 0x33, G: 0x33, B: 0x33, A: 0xff},
		halo:         color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xcc},
	},
	StyleDark: {
		background:   color.NRGBA{R: 0x24, G: 0x2f, B: 0x3e, A: 0xff},
		grid:         color.NRGBA{R: 0x2e, G: 0x3a, B: 0x4b, A: 0xff},
		road:         color.NRGBA{R: 0x38, G: 0x41, B: 0x4e, A: 0xff},
		park:         color.NRGBA{R: 0x26, G: 0x3c, B: 0x3f, A: 0xff},
		block:        color.NRGBA{R: 0x2b, G: 0x35, B: 0x44, A: 0xff},
		accuracyFill: color.NRGBA{R: 0x8a, G: 0xb4, B: 0xf8, A: 0x26},
		accuracyLine: color.NRGBA{R: 0x8a, G: 0xb4, B: 0xf8, A: 0x80},
		markerRing:   color.NRGBA{R: 0x1a, G: 0x1a, B: 0x1a, A: 0xff},
		markerDot:    color.NRGBA{R: 0x8a, G: 0xb4, B: 0xf8, A: 0xff},
		pulse:        color.NRGBA{R: 0x8a, G: 0xb4, B: 0xf8, A: 0x66},
		compassFace:  color.NRGBA{R: 0x1f, G: 0x1f, B: 0x1f, A: 0xe6},
		compassNorth: color.NRGBA{R: 0xf2, G: 0x8b, B: 0x82, A: 0xff},
		compassSouth: color.NRGBA{R: 0x75, G: 0x75, B: 0x75, A: 0xff},
		ink:          color.NRGBA{R: 0xe8, G: 0xea, B: 0xed, A: 0xff},
		halo:         color.NRGBA{R: 0x00, G: 0x00, B: 0x00, A: 0x99},
	},
}
