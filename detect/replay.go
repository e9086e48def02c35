package detect

import (
	"context"
	"encoding/json"
	"io"

	"github.com/LdDl/balltrack/geom"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// ReplayDetector serves pre-computed detections by frame index.
// Frames missing from the file have no detections.
//
// File format:
//
//	{"frames":[{"frame":0,"objects":[{"bbox":[x1,y1,x2,y2],"label":"sports ball","confidence":0.9}]}]}
type ReplayDetector struct {
	frames map[int][]Detection
}

type replayFrame struct {
	Frame   int             `json:"frame"`
	Objects []httpDetection `json:"objects"`
}

type replayFile struct {
	Frames []replayFrame `json:"frames"`
}

// NewReplayDetector parses replay data from reader
func NewReplayDetector(r io.Reader) (*ReplayDetector, error) {
	var file replayFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, errors.Wrap(err, "Can't decode replay data")
	}
	d := &ReplayDetector{
		frames: make(map[int][]Detection, len(file.Frames)),
	}
	for _, frame := range file.Frames {
		for _, obj := range frame.Objects {
			d.frames[frame.Frame] = append(d.frames[frame.Frame], Detection{
				BBox:       geom.NewRectFromCorners(obj.BBox[0], obj.BBox[1], obj.BBox[2], obj.BBox[3]),
				Label:      obj.Label,
				Confidence: obj.Confidence,
			})
		}
	}
	return d, nil
}

// LoadReplayDetector reads replay data from a file
func LoadReplayDetector(fs afero.Fs, path string) (*ReplayDetector, error) {
	file, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't open replay file '%s'", path)
	}
	defer file.Close()
	return NewReplayDetector(file)
}

// Predict implements Detector
func (d *ReplayDetector) Predict(ctx context.Context, frame Frame) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored := d.frames[frame.Index]
	detections := make([]Detection, len(stored))
	copy(detections, stored)
	return detections, nil
}

// Frames returns number of frames with at least one detection
func (d *ReplayDetector) Frames() int {
	return len(d.frames)
}
