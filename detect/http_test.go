package detect

import (
	"context"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame(index int) Frame {
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: 20, G: 120, B: 30, A: 255})
		}
	}
	return Frame{Index: index, Image: img}
}

func TestHTTPDetectorPredict(t *testing.T) {
	var gotContentType, gotFrame string
	var gotBytes int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotFrame = r.Header.Get("X-Frame-Index")
		body, _ := io.ReadAll(r.Body)
		gotBytes = len(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"detections":[{"bbox":[10,12,20,22],"label":"sports ball","confidence":0.87}]}`))
	}))
	defer server.Close()

	detector := NewHTTPDetector(server.URL, WithHTTPClient(server.Client()))
	detections, err := detector.Predict(context.Background(), testFrame(4))
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, "sports ball", detections[0].Label)
	assert.InDelta(t, 0.87, detections[0].Confidence, 1e-9)
	assert.InDelta(t, 10.0, detections[0].BBox.Width, 1e-9)
	assert.InDelta(t, 15.0, detections[0].BBox.Center().X, 1e-9)
	assert.Equal(t, "image/jpeg", gotContentType)
	assert.Equal(t, "4", gotFrame)
	assert.Positive(t, gotBytes)
}

func TestHTTPDetectorErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		errPart string
	}{
		{"server failure", http.StatusInternalServerError, "model not loaded", "500"},
		{"malformed json", http.StatusOK, "{not json", "unmarshal"},
		{"reported error", http.StatusOK, `{"error":"weights missing"}`, "weights missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			detector := NewHTTPDetector(server.URL)
			_, err := detector.Predict(context.Background(), testFrame(0))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}

	_, err := NewHTTPDetector("http://127.0.0.1:0").Predict(context.Background(), Frame{Index: 1})
	assert.Error(t, err)
}

func TestHTTPDetectorThroughGenerator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	gen := newTestGenerator(t, NewHTTPDetector(server.URL), nil)
	result := gen.Generate(context.Background(), testFrame(9))
	assert.Equal(t, StatusUnavailable, result.Status)
	assert.ErrorIs(t, result.Err, ErrDetectorUnavailable)
}

func TestReplayDetector(t *testing.T) {
	data := `{"frames":[
		{"frame":0,"objects":[{"bbox":[1,2,11,12],"label":"sports ball","confidence":0.9}]},
		{"frame":2,"objects":[{"bbox":[5,5,9,9],"label":"sports ball","confidence":0.4},{"bbox":[0,0,50,80],"label":"person","confidence":0.8}]}
	]}`
	detector, err := NewReplayDetector(strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 2, detector.Frames())

	detections, err := detector.Predict(context.Background(), Frame{Index: 0})
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.InDelta(t, 6.0, detections[0].BBox.Center().X, 1e-9)

	detections, err = detector.Predict(context.Background(), Frame{Index: 1})
	require.NoError(t, err)
	assert.Empty(t, detections)

	detections, err = detector.Predict(context.Background(), Frame{Index: 2})
	require.NoError(t, err)
	assert.Len(t, detections, 2)
}

func TestLoadReplayDetector(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/replay.json", []byte(`{"frames":[]}`), 0o644))
	detector, err := LoadReplayDetector(fs, "/data/replay.json")
	require.NoError(t, err)
	assert.Equal(t, 0, detector.Frames())

	_, err = LoadReplayDetector(fs, "/data/missing.json")
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "/data/broken.json", []byte(`[`), 0o644))
	_, err = LoadReplayDetector(fs, "/data/broken.json")
	assert.Error(t, err)
}
