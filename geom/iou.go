package geom

import "math"

// Intersect returns the overlap of two rectangles. Disjoint or degenerate rectangles give an empty
// rectangle at the origin, matching image.Rectangle.Intersect.
func (r Rectangle) Intersect(other Rectangle) Rectangle {
	if !r.Valid() || !other.Valid() {
		return Rectangle{}
	}
	x1 := math.Max(r.X, other.X)
	y1 := math.Max(r.Y, other.Y)
	x2 := math.Min(r.X+r.Width, other.X+other.Width)
	y2 := math.Min(r.Y+r.Height, other.Y+other.Height)
	if x2 <= x1 || y2 <= y1 {
		return Rectangle{}
	}
	return NewRectFromCorners(x1, y1, x2, y2)
}

// IoU is the overlap area divided by the union area, 0 for disjoint or degenerate rectangles
func IoU(r1, r2 Rectangle) float64 {
	overlap := r1.Intersect(r2).Area()
	if overlap == 0 {
		return 0
	}
	return overlap / (r1.Area() + r2.Area() - overlap)
}
