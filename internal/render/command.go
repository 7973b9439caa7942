package render

import (
	"fmt"
	"image/color"

	"gonum.org/v1/gonum/spatial/r2"
)

// Layer orders the scene. Later layers occlude earlier ones.
type Layer int

const (
	LayerBackground Layer = iota
	LayerFeatures
	LayerAccuracy
	LayerMarker
	LayerCompass
	LayerScaleBar
	LayerStatus
)

var layerNames = [...]string{"background", "features", "accuracy", "marker", "compass", "scale_bar", "status"}

func (l Layer) String() string {
	if l < 0 || int(l) >= len(layerNames) {
		return fmt.Sprintf("layer(%d)", int(l))
	}
	return layerNames[l]
}

// Op is a drawing primitive.
type Op int

const (
	OpClear Op = iota
	OpFillRect
	OpFillPolygon
	OpStrokePolyline
	OpFillCircle
	OpStrokeCircle
	OpText
)

// Align positions text horizontally relative to its anchor.
type Align int

const (
	AlignLeft Align = iota
	AlignCenter
	AlignRight
)

// Command is one entry of a display list. Which fields are meaningful
// depends on Op:
//
//	OpClear          Color
//	OpFillRect       Points[0]=min, Points[1]=max, Color
//	OpFillPolygon    Points, Color
//	OpStrokePolyline Points, Closed, Width, Color
//	OpFillCircle     Points[0]=centre, Radius, Color
//	OpStrokeCircle   Points[0]=centre, Radius, Width, Color
//	OpText           Points[0]=baseline anchor, Size, Align, Text, Color
type Command struct {
	Layer  Layer
	Op     Op
	Points []r2.Vec
	Radius float64
	Width  float64
	Closed bool
	Size   float64
	Align  Align
	Text   string
	Color  color.NRGBA
}

// Surface is a 2D raster context. Coordinates are pixels with the origin at
// the top-left and Y growing downward.
type Surface interface {
	// Size is queried at every redraw; callers must not cache it.
	Size() (width, height int)
	Clear(c color.Color)
	FillRect(min, max r2.Vec, c color.Color)
	FillPolygon(pts []r2.Vec, c color.Color)
	StrokePolyline(pts []r2.Vec, closed bool, width float64, c color.Color)
	FillCircle(center r2.Vec, radius float64, c color.Color)
	StrokeCircle(center r2.Vec, radius, width float64, c color.Color)
	Text(anchor r2.Vec, size float64, align Align, c color.Color, s string)
}

// Apply executes the command on s.
func (c Command) Apply(s Surface) {
	switch c.Op {
	case OpClear:
		s.Clear(c.Color)
	case OpFillRect:
		s.FillRect(c.Points[0], c.Points[1], c.Color)
	case OpFillPolygon:
		s.FillPolygon(c.Points, c.Color)
	case OpStrokePolyline:
		s.StrokePolyline(c.Points, c.Closed, c.Width, c.Color)
	case OpFillCircle:
		s.FillCircle(c.Points[0], c.Radius, c.Color)
	case OpStrokeCircle:
		s.StrokeCircle(c.Points[0], c.Radius, c.Width, c.Color)
	case OpText:
		s.Text(c.Points[0], c.Size, c.Align, c.Color, c.Text)
	}
}

// Execute applies a whole display list in order.
func Execute(cmds []Command, s Surface) {
	for _, c := range cmds {
		c.Apply(s)
	}
}
