package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/LdDl/balltrack/geom"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// HTTPDetector sends every frame as JPEG to an inference server and reads back the boxes.
//
// Response body:
//
//	{"detections":[{"bbox":[x1,y1,x2,y2],"label":"sports ball","confidence":0.91}]}
type HTTPDetector struct {
	endpoint    string
	httpClient  *http.Client
	jpegQuality int
}

// HTTPOption configures HTTPDetector
type HTTPOption func(*HTTPDetector)

// WithHTTPClient replaces default HTTP client
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(d *HTTPDetector) {
		d.httpClient = client
	}
}

// WithJPEGQuality sets quality of encoded frames in [1, 100]. Default 90
func WithJPEGQuality(quality int) HTTPOption {
	return func(d *HTTPDetector) {
		d.jpegQuality = quality
	}
}

// NewHTTPDetector creates detector calling the given endpoint
func NewHTTPDetector(endpoint string, opts ...HTTPOption) *HTTPDetector {
	d := &HTTPDetector{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		jpegQuality: 90,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type httpDetection struct {
	BBox       [4]float64 `json:"bbox"`
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
}

type httpResponse struct {
	Detections []httpDetection `json:"detections"`
	Error      string          `json:"error,omitempty"`
}

// Predict implements Detector
func (d *HTTPDetector) Predict(ctx context.Context, frame Frame) ([]Detection, error) {
	if frame.Image == nil {
		return nil, errors.Errorf("frame %d has no image", frame.Index)
	}
	var body bytes.Buffer
	err := imaging.Encode(&body, frame.Image, imaging.JPEG, imaging.JPEGQuality(d.jpegQuality))
	if err != nil {
		return nil, errors.Wrapf(err, "Can't encode frame %d", frame.Index)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, &body)
	if err != nil {
		return nil, errors.Wrap(err, "Can't create request")
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("X-Frame-Index", strconv.Itoa(frame.Index))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "Can't make request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "Can't read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("inference server returned %d: %s", resp.StatusCode, truncate(string(raw), 256))
	}

	var parsed httpResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.Wrap(err, "Can't unmarshal response")
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("inference server error: %s", parsed.Error)
	}
	detections := make([]Detection, 0, len(parsed.Detections))
	for _, det := range parsed.Detections {
		detections = append(detections, Detection{
			BBox:       geom.NewRectFromCorners(det.BBox[0], det.BBox[1], det.BBox[2], det.BBox[3]),
			Label:      det.Label,
			Confidence: det.Confidence,
		})
	}
	return detections, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
