package verify

import (
	"image"
	"math"
	"sort"

	"github.com/LdDl/balltrack/geom"
	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
)

// NativeBackend is a pure Go backend: go-colorful for HSV, imaging for grayscale and blur,
// and a gradient Hough transform for circles.
type NativeBackend struct{}

// NewNativeBackend creates new instance of NativeBackend
func NewNativeBackend() *NativeBackend {
	return &NativeBackend{}
}

// HSV converts every opaque pixel of the crop
func (NativeBackend) HSV(crop image.Image) ([]HSV, error) {
	bounds := crop.Bounds()
	if bounds.Empty() {
		return nil, errors.Wrap(ErrInvalidCrop, "empty crop")
	}
	pixels := make([]HSV, 0, bounds.Dx()*bounds.Dy())
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			col, ok := colorful.MakeColor(crop.At(x, y))
			if !ok {
				// Fully transparent
				continue
			}
			h, s, v := col.Hsv()
			pixels = append(pixels, HSV{H: h, S: s, V: v})
		}
	}
	return pixels, nil
}

// edgePixel is a pixel with strong gradient; (ux, uy) is the unit gradient direction
type edgePixel struct {
	x, y      int
	ux, uy    float64
	magnitude float64
}

// edgeMap holds Sobel edges of a blurred grayscale crop
type edgeMap struct {
	width, height int
	edges         []edgePixel
	// Index into edges per pixel, -1 for non-edge pixels
	mask []int32
}

type circleCandidate struct {
	x, y, r int
	votes   int
	support float64
}

// Min |cos| between an edge's gradient and the ray through it, about 25 degrees
const radialAlignment = 0.9

func newEdgeMap(crop image.Image, params CircleParams) *edgeMap {
	gray := imaging.Grayscale(crop)
	if params.BlurSigma > 0 {
		gray = imaging.Blur(gray, params.BlurSigma)
	}
	width, height := gray.Bounds().Dx(), gray.Bounds().Dy()
	em := &edgeMap{
		width:  width,
		height: height,
		edges:  make([]edgePixel, 0),
		mask:   make([]int32, width*height),
	}
	for i := range em.mask {
		em.mask[i] = -1
	}
	lum := func(x, y int) float64 {
		return float64(gray.Pix[y*gray.Stride+x*4])
	}
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			gx := (lum(x+1, y-1) + 2*lum(x+1, y) + lum(x+1, y+1)) - (lum(x-1, y-1) + 2*lum(x-1, y) + lum(x-1, y+1))
			gy := (lum(x-1, y+1) + 2*lum(x, y+1) + lum(x+1, y+1)) - (lum(x-1, y-1) + 2*lum(x, y-1) + lum(x+1, y-1))
			magnitude := math.Hypot(gx, gy)
			if magnitude < params.EdgeThreshold {
				continue
			}
			em.mask[y*width+x] = int32(len(em.edges))
			em.edges = append(em.edges, edgePixel{x: x, y: y, ux: gx / magnitude, uy: gy / magnitude, magnitude: magnitude})
		}
	}
	return em
}

// circularity casts rays from (cx, cy) and takes on each ray the strongest edge whose gradient
// points along the ray, searching distances [r/2, 3r/2]. It returns the fraction of rays whose
// strongest edge lies within max(1.5, r/10) of r. Straight sides and corners fall outside that band.
func (em *edgeMap) circularity(cx, cy, r float64) float64 {
	if r <= 0 {
		return 0
	}
	rays := int(math.Ceil(2 * math.Pi * r))
	if rays < 16 {
		rays = 16
	}
	tolerance := math.Max(1.5, 0.1*r)
	hits := 0
	for i := 0; i < rays; i++ {
		angle := 2 * math.Pi * float64(i) / float64(rays)
		cos, sin := math.Cos(angle), math.Sin(angle)
		strongest, distance := 0.0, 0.0
		for d := 0.5 * r; d <= 1.5*r; d += 0.5 {
			px := int(math.Round(cx + d*cos))
			py := int(math.Round(cy + d*sin))
			if px < 0 || py < 0 || px >= em.width || py >= em.height {
				break
			}
			idx := em.mask[py*em.width+px]
			if idx < 0 {
				continue
			}
			e := em.edges[idx]
			if math.Abs(e.ux*cos+e.uy*sin) < radialAlignment {
				continue
			}
			if e.magnitude > strongest {
				strongest, distance = e.magnitude, d
			}
		}
		if strongest > 0 && math.Abs(distance-r) <= tolerance {
			hits++
		}
	}
	return float64(hits) / float64(rays)
}

// Circles runs the gradient Hough transform: every edge pixel votes along its gradient line
// for centers at each radius, then peaks are kept only when the edges around them are round.
func (NativeBackend) Circles(crop image.Image, params CircleParams) ([]Circle, error) {
	bounds := crop.Bounds()
	if bounds.Empty() {
		return nil, errors.Wrap(ErrInvalidCrop, "empty crop")
	}
	if bounds.Dx() < 3 || bounds.Dy() < 3 {
		return nil, nil
	}
	em := newEdgeMap(crop, params)
	if len(em.edges) == 0 {
		return nil, nil
	}
	width, height := em.width, em.height

	maxRadius := params.MaxRadius
	if limit := int(math.Ceil(math.Hypot(float64(width), float64(height)))); maxRadius > limit {
		maxRadius = limit
	}
	candidates := make([]circleCandidate, 0)
	accumulator := make([]int, width*height)
	for r := params.MinRadius; r <= maxRadius; r++ {
		for i := range accumulator {
			accumulator[i] = 0
		}
		for _, e := range em.edges {
			for _, sign := range [2]float64{1, -1} {
				cx := int(math.Round(float64(e.x) + sign*float64(r)*e.ux))
				cy := int(math.Round(float64(e.y) + sign*float64(r)*e.uy))
				if cx < 0 || cy < 0 || cx >= width || cy >= height {
					continue
				}
				accumulator[cy*width+cx]++
			}
		}
		minVotes := params.AccumulatorThreshold * 2 * math.Pi * float64(r)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				if accumulator[y*width+x] == 0 {
					continue
				}
				votes := neighborhoodSum(accumulator, width, height, x, y)
				if float64(votes) < minVotes {
					continue
				}
				support := em.circularity(float64(x), float64(y), float64(r))
				if support < params.MinCircularity {
					continue
				}
				candidates = append(candidates, circleCandidate{x: x, y: y, r: r, votes: votes, support: support})
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].support == candidates[j].support {
			return candidates[i].votes > candidates[j].votes
		}
		return candidates[i].support > candidates[j].support
	})
	circles := make([]Circle, 0)
	for _, c := range candidates {
		center := geom.NewPoint(float64(c.x), float64(c.y))
		duplicate := false
		for _, accepted := range circles {
			if geom.EuclideanDistance(center, accepted.Center) < params.MinCenterDistance {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		circles = append(circles, Circle{Center: center, Radius: float64(c.r), Support: c.support})
	}
	return circles, nil
}

func neighborhoodSum(accumulator []int, width, height, x, y int) int {
	sum := 0
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			nx, ny := x+dx, y+dy
			if nx < 0 || ny < 0 || nx >= width || ny >= height {
				continue
			}
			sum += accumulator[ny*width+nx]
		}
	}
	return sum
}
