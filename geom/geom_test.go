package geom

import (
	"image"
	"math"
	"testing"
)

const (
	eps = 0.00001
)

func TestEuclideanDistance(t *testing.T) {
	p1 := Point{X: 341, Y: 264}
	p2 := Point{X: 421, Y: 427}
	correnctAnswer := 181.57367
	answer := EuclideanDistance(p1, p2)
	if math.Abs(answer-correnctAnswer) > eps {
		t.Errorf("Wrong answer: %v, correct answer: %v", answer, correnctAnswer)
	}
}

func TestRectFromCorners(t *testing.T) {
	rect := NewRectFromCorners(10, 20, 30, 60)
	if rect.Width != 20 || rect.Height != 40 {
		t.Errorf("Wrong size: %vx%v", rect.Width, rect.Height)
	}
	center := rect.Center()
	if center.X != 20 || center.Y != 40 {
		t.Errorf("Wrong center: %+v", center)
	}
	if rect.Area() != 800 {
		t.Errorf("Wrong area: %v", rect.Area())
	}
	x1, y1, x2, y2 := rect.Corners()
	if x1 != 10 || y1 != 20 || x2 != 30 || y2 != 60 {
		t.Errorf("Wrong corners: %v %v %v %v", x1, y1, x2, y2)
	}
}

func TestRectValid(t *testing.T) {
	if NewRectFromCorners(10, 10, 10, 20).Valid() {
		t.Error("Zero-width rectangle must be invalid")
	}
	if NewRectFromCorners(10, 30, 20, 20).Valid() {
		t.Error("Flipped rectangle must be invalid")
	}
	if NewRectFromCorners(10, 30, 20, 20).Area() != 0 {
		t.Error("Invalid rectangle must have zero area")
	}
}

func TestImageRect(t *testing.T) {
	rect := NewRectFromCorners(1.5, 2.2, 10.1, 12.0)
	got := rect.ImageRect()
	want := image.Rect(1, 2, 11, 12)
	if got != want {
		t.Errorf("Wrong pixel rectangle: %v, expected: %v", got, want)
	}
}

func TestIoU(t *testing.T) {
	r1 := NewRect(0, 0, 10, 10)
	r2 := NewRect(5, 5, 10, 10)
	answer := IoU(r1, r2)
	correctAnswer := 25.0 / 175.0
	if math.Abs(answer-correctAnswer) > eps {
		t.Errorf("Wrong answer: %v, correct answer: %v", answer, correctAnswer)
	}
	if IoU(r1, NewRect(20, 20, 5, 5)) != 0 {
		t.Error("Disjoint rectangles must have zero IoU")
	}
	if math.Abs(IoU(r1, r1)-1.0) > eps {
		t.Error("Rectangle must fully overlap itself")
	}
}

func TestRectangleIntersect(t *testing.T) {
	r1 := NewRect(0, 0, 10, 10)
	got := r1.Intersect(NewRect(5, 4, 10, 10))
	want := NewRect(5, 4, 5, 6)
	if got != want {
		t.Errorf("Wrong intersection: %v, expected: %v", got, want)
	}
	if r := r1.Intersect(NewRect(10, 0, 5, 5)); r != (Rectangle{}) {
		t.Errorf("Touching rectangles must not intersect, got %v", r)
	}
	if r := r1.Intersect(NewRect(2, 2, -3, 4)); r != (Rectangle{}) {
		t.Errorf("Degenerate rectangle must not intersect, got %v", r)
	}
	if IoU(NewRect(2, 2, 0, 0), NewRect(2, 2, 0, 0)) != 0 {
		t.Error("Degenerate rectangles must have zero IoU")
	}
}
