//go:build gocv

package verify

import (
	"image"
	"math"
	"sort"

	"github.com/LdDl/balltrack/geom"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// OpenCVBackend performs color conversion and circle detection with OpenCV
type OpenCVBackend struct{}

// NewOpenCVBackend creates new instance of OpenCVBackend
func NewOpenCVBackend() *OpenCVBackend {
	return &OpenCVBackend{}
}

// HSV converts crop with cv::cvtColor. OpenCV stores 8-bit hue halved, so it is scaled back to degrees.
func (OpenCVBackend) HSV(crop image.Image) ([]HSV, error) {
	if crop.Bounds().Empty() {
		return nil, errors.Wrap(ErrInvalidCrop, "empty crop")
	}
	mat, err := gocv.ImageToMatRGB(crop)
	if err != nil {
		return nil, errors.Wrap(err, "Can't convert crop to Mat")
	}
	defer mat.Close()
	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(mat, &hsv, gocv.ColorBGRToHSV)

	pixels := make([]HSV, 0, hsv.Rows()*hsv.Cols())
	for row := 0; row < hsv.Rows(); row++ {
		for col := 0; col < hsv.Cols(); col++ {
			v := hsv.GetVecbAt(row, col)
			pixels = append(pixels, HSV{
				H: float64(v[0]) * 2,
				S: float64(v[1]) / 255.0,
				V: float64(v[2]) / 255.0,
			})
		}
	}
	return pixels, nil
}

// Circles runs cv::HoughCircles with the gradient method on the blurred grayscale crop
func (OpenCVBackend) Circles(crop image.Image, params CircleParams) ([]Circle, error) {
	if crop.Bounds().Empty() {
		return nil, errors.Wrap(ErrInvalidCrop, "empty crop")
	}
	mat, err := gocv.ImageToMatRGB(crop)
	if err != nil {
		return nil, errors.Wrap(err, "Can't convert crop to Mat")
	}
	defer mat.Close()
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)
	if params.BlurSigma > 0 {
		kernel := 2*int(math.Ceil(3*params.BlurSigma)) + 1
		gocv.GaussianBlur(gray, &gray, image.Pt(kernel, kernel), params.BlurSigma, params.BlurSigma, gocv.BorderDefault)
	}

	found := gocv.NewMat()
	defer found.Close()
	minVotes := math.Max(1, params.AccumulatorThreshold*2*math.Pi*float64(params.MinRadius))
	minDist := math.Max(1, params.MinCenterDistance)
	gocv.HoughCirclesWithParams(gray, &found, gocv.HoughGradient, 1, minDist, params.EdgeThreshold, minVotes, params.MinRadius, params.MaxRadius)

	// HoughCircles accepts squares too, so the same roundness check as the native backend applies
	em := newEdgeMap(crop, params)
	circles := make([]Circle, 0, found.Cols())
	for i := 0; i < found.Cols(); i++ {
		v := found.GetVecfAt(0, i)
		support := em.circularity(math.Round(float64(v[0])), math.Round(float64(v[1])), math.Round(float64(v[2])))
		if support < params.MinCircularity {
			continue
		}
		circles = append(circles, Circle{
			Center:  geom.NewPoint(float64(v[0]), float64(v[1])),
			Radius:  float64(v[2]),
			Support: support,
		})
	}
	sort.SliceStable(circles, func(i, j int) bool {
		return circles[i].Support > circles[j].Support
	})
	return circles, nil
}
