// Package geom holds the pixel-space geometry shared by detection, verification and tracking.
package geom

import (
	"image"
	"math"
)

// Rectangle is an axis-aligned box in pixel coordinates: top-left corner plus size.
type Rectangle struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func NewRect(x, y, width, height float64) Rectangle {
	return Rectangle{
		X:      x,
		Y:      y,
		Width:  width,
		Height: height,
	}
}

// NewRectFromCorners builds rectangle from detector-style corners (x1, y1) and (x2, y2)
func NewRectFromCorners(x1, y1, x2, y2 float64) Rectangle {
	return Rectangle{
		X:      x1,
		Y:      y1,
		Width:  x2 - x1,
		Height: y2 - y1,
	}
}

func NewRectFrom(rect image.Rectangle) Rectangle {
	return Rectangle{
		X:      float64(rect.Min.X),
		Y:      float64(rect.Min.Y),
		Width:  float64(rect.Dx()),
		Height: float64(rect.Dy()),
	}
}

// Corners returns (x1, y1, x2, y2)
func (r Rectangle) Corners() (float64, float64, float64, float64) {
	return r.X, r.Y, r.X + r.Width, r.Y + r.Height
}

// Center returns rectangle's center
func (r Rectangle) Center() Point {
	return Point{
		X: r.X + r.Width/2.0,
		Y: r.Y + r.Height/2.0,
	}
}

// Area returns rectangle's area. Degenerate rectangles have zero area
func (r Rectangle) Area() float64 {
	if !r.Valid() {
		return 0
	}
	return r.Width * r.Height
}

// Diagonal returns length of rectangle's diagonal
func (r Rectangle) Diagonal() float64 {
	return math.Sqrt(math.Pow(r.Width, 2) + math.Pow(r.Height, 2))
}

// Valid reports whether x1 < x2 and y1 < y2
func (r Rectangle) Valid() bool {
	return r.Width > 0 && r.Height > 0 &&
		!math.IsNaN(r.X) && !math.IsNaN(r.Y) &&
		!math.IsInf(r.Width, 0) && !math.IsInf(r.Height, 0)
}

// ImageRect returns the smallest integer pixel rectangle covering r
func (r Rectangle) ImageRect() image.Rectangle {
	x1, y1, x2, y2 := r.Corners()
	return image.Rect(
		int(math.Floor(x1)),
		int(math.Floor(y1)),
		int(math.Ceil(x2)),
		int(math.Ceil(y2)),
	)
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func NewPoint(x, y float64) Point {
	return Point{
		X: x,
		Y: y,
	}
}

func NewPointFrom(point image.Point) Point {
	return Point{
		X: float64(point.X),
		Y: float64(point.Y),
	}
}

func (p Point) Add(other Point) Point {
	return Point{X: p.X + other.X, Y: p.Y + other.Y}
}

func (p Point) Sub(other Point) Point {
	return Point{X: p.X - other.X, Y: p.Y - other.Y}
}

func (p Point) Scale(k float64) Point {
	return Point{X: p.X * k, Y: p.Y * k}
}

// Norm returns length of the point treated as a vector
func (p Point) Norm() float64 {
	return math.Hypot(p.X, p.Y)
}

func EuclideanDistance(p1, p2 Point) float64 {
	return math.Sqrt(math.Pow(p1.X-p2.X, 2) + math.Pow(p1.Y-p2.Y, 2))
}
