package detect

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// LabelWriter stores candidates as YOLO label files, one line per object:
// `<class> <cx> <cy> <w> <h>` with coordinates normalized to the frame size.
type LabelWriter struct {
	fs      afero.Fs
	dir     string
	classes map[string]int
}

// NewLabelWriter creates writer storing files into dir. Class index is the label's position in classes.
func NewLabelWriter(fs afero.Fs, dir string, classes []string) (*LabelWriter, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "Can't create labels directory '%s'", dir)
	}
	w := &LabelWriter{
		fs:      fs,
		dir:     dir,
		classes: make(map[string]int, len(classes)),
	}
	for i, class := range classes {
		w.classes[normalizeLabel(class)] = i
	}
	return w, nil
}

// Path returns label file path for the frame index
func (w *LabelWriter) Path(frameIndex int) string {
	return filepath.Join(w.dir, fmt.Sprintf("frame_%06d.txt", frameIndex))
}

// Write stores label file for the frame. Candidates with unknown labels are skipped.
func (w *LabelWriter) Write(frame Frame, candidates []Candidate) error {
	if frame.Image == nil {
		return errors.Errorf("frame %d has no image", frame.Index)
	}
	bounds := frame.Image.Bounds()
	width := float64(bounds.Dx())
	height := float64(bounds.Dy())
	if width <= 0 || height <= 0 {
		return errors.Errorf("frame %d has empty image", frame.Index)
	}

	var buf bytes.Buffer
	for _, candidate := range candidates {
		class, ok := w.classes[normalizeLabel(candidate.Label)]
		if !ok {
			continue
		}
		center := candidate.BBox.Center()
		fmt.Fprintf(&buf, "%d %.6f %.6f %.6f %.6f\n",
			class,
			(center.X-float64(bounds.Min.X))/width,
			(center.Y-float64(bounds.Min.Y))/height,
			candidate.BBox.Width/width,
			candidate.BBox.Height/height,
		)
	}
	path := w.Path(frame.Index)
	if err := afero.WriteFile(w.fs, path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "Can't write labels '%s'", path)
	}
	return nil
}
