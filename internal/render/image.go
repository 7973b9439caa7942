package render

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/plot/font"
	"gonum.org/v1/plot/font/liberation"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/vgimg"
)

// surfaceDPI makes one vg point equal one pixel.
const surfaceDPI = 72

var (
	fontCacheOnce sync.Once
	fontCache     *font.Cache
	labelFont     = font.Font{Typeface: "Liberation", Variant: "Sans"}
)

func fonts() *font.Cache {
	fontCacheOnce.Do(func() {
		fontCache = font.NewCache(liberation.Collection())
	})
	return fontCache
}

// ImageSurface is a raster Surface backed by a gonum/plot vgimg canvas.
// vg uses a bottom-left origin, so every Y is flipped on the way in.
type ImageSurface struct {
	mu     sync.Mutex
	canvas *vgimg.Canvas
	width  int
	height int
}

// NewImageSurface allocates a width×height surface.
func NewImageSurface(width, height int) (*ImageSurface, error) {
	s := &ImageSurface{}
	if err := s.Resize(width, height); err != nil {
		return nil, err
	}
	return s, nil
}

// Resize reallocates the backing canvas. Previous contents are discarded.
func (s *ImageSurface) Resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid surface size %dx%d", width, height)
	}
	c := vgimg.NewWith(
		vgimg.UseWH(vg.Length(width), vg.Length(height)),
		vgimg.UseDPI(surfaceDPI),
	)
	s.mu.Lock()
	s.canvas, s.width, s.height = c, width, height
	s.mu.Unlock()
	return nil
}

// Size implements Surface.
func (s *ImageSurface) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Image returns a copy of the current raster.
func (s *ImageSurface) Image() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.canvas.Image()
	b := src.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(x, y, src.At(x, y))
		}
	}
	return dst
}

// WritePNG encodes the current raster as PNG.
func (s *ImageSurface) WritePNG(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := (vgimg.PngCanvas{Canvas: s.canvas}).WriteTo(w); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

func (s *ImageSurface) pt(v r2.Vec) vg.Point {
	return vg.Point{X: vg.Length(v.X), Y: vg.Length(float64(s.height) - v.Y)}
}

func (s *ImageSurface) path(pts []r2.Vec, closed bool) vg.Path {
	var p vg.Path
	for i, v := range pts {
		if i == 0 {
			p.Move(s.pt(v))
			continue
		}
		p.Line(s.pt(v))
	}
	if closed {
		p.Close()
	}
	return p
}

func (s *ImageSurface) circle(center r2.Vec, radius float64) vg.Path {
	c := s.pt(center)
	r := vg.Length(radius)
	var p vg.Path
	p.Move(vg.Point{X: c.X + r, Y: c.Y})
	p.Arc(c, r, 0, 2*math.Pi)
	p.Close()
	return p
}

// Clear implements Surface.
func (s *ImageSurface) Clear(c color.Color) {
	w, h := s.Size()
	s.FillRect(r2.Vec{}, r2.Vec{X: float64(w), Y: float64(h)}, c)
}

// FillRect implements Surface.
func (s *ImageSurface) FillRect(min, max r2.Vec, c color.Color) {
	s.FillPolygon([]r2.Vec{min, {X: max.X, Y: min.Y}, max, {X: min.X, Y: max.Y}}, c)
}

// FillPolygon implements Surface.
func (s *ImageSurface) FillPolygon(pts []r2.Vec, c color.Color) {
	if len(pts) < 3 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canvas.SetColor(c)
	s.canvas.Fill(s.path(pts, true))
}

// StrokePolyline implements Surface.
func (s *ImageSurface) StrokePolyline(pts []r2.Vec, closed bool, width float64, c color.Color) {
	if len(pts) < 2 || width <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canvas.SetColor(c)
	s.canvas.SetLineWidth(vg.Length(width))
	s.canvas.Stroke(s.path(pts, closed))
}

// FillCircle implements Surface.
func (s *ImageSurface) FillCircle(center r2.Vec, radius float64, c color.Color) {
	if radius <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canvas.SetColor(c)
	s.canvas.Fill(s.circle(center, radius))
}

// StrokeCircle implements Surface.
func (s *ImageSurface) StrokeCircle(center r2.Vec, radius, width float64, c color.Color) {
	if radius <= 0 || width <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canvas.SetColor(c)
	s.canvas.SetLineWidth(vg.Length(width))
	s.canvas.Stroke(s.circle(center, radius))
}

// Text implements Surface. anchor is on the text baseline.
func (s *ImageSurface) Text(anchor r2.Vec, size float64, align Align, c color.Color, str string) {
	if str == "" || size <= 0 {
		return
	}
	face := fonts().Lookup(labelFont, vg.Points(size))
	w := face.Width(str)

	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.pt(anchor)
	switch align {
	case AlignCenter:
		at.X -= w / 2
	case AlignRight:
		at.X -= w
	}
	s.canvas.SetColor(c)
	s.canvas.FillString(face, at, str)
}
