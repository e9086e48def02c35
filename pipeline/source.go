package pipeline

import (
	"context"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/LdDl/balltrack/detect"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// ErrBadFrame means a frame could not be read. The frame is skipped and the stream goes on.
var ErrBadFrame = errors.New("bad frame")

// FrameSource yields frames in increasing index order and io.EOF at the end
type FrameSource interface {
	Next(ctx context.Context) (detect.Frame, error)
}

// SliceSource serves frames from memory
type SliceSource struct {
	frames []detect.Frame
	pos    int
}

// NewSliceSource creates new instance of SliceSource
func NewSliceSource(frames ...detect.Frame) *SliceSource {
	return &SliceSource{frames: frames}
}

// Next implements FrameSource
func (src *SliceSource) Next(ctx context.Context) (detect.Frame, error) {
	if err := ctx.Err(); err != nil {
		return detect.Frame{}, err
	}
	if src.pos >= len(src.frames) {
		return detect.Frame{}, io.EOF
	}
	frame := src.frames[src.pos]
	src.pos++
	return frame, nil
}

var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".bmp":  {},
	".gif":  {},
	".tif":  {},
	".tiff": {},
}

// DirSource reads image files of a directory sorted by name. Frame index is the file's position.
type DirSource struct {
	fs    afero.Fs
	paths []string
	fps   float64
	pos   int
}

// NewDirSource lists images in dir. Non-positive fps leaves timestamps at zero.
func NewDirSource(fs afero.Fs, dir string, fps float64) (*DirSource, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't list frames directory '%s'", dir)
	}
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))]; !ok {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return &DirSource{fs: fs, paths: paths, fps: fps}, nil
}

// Len returns number of frames
func (src *DirSource) Len() int {
	return len(src.paths)
}

// Next implements FrameSource. Undecodable files yield a frame without image and ErrBadFrame.
func (src *DirSource) Next(ctx context.Context) (detect.Frame, error) {
	if err := ctx.Err(); err != nil {
		return detect.Frame{}, err
	}
	if src.pos >= len(src.paths) {
		return detect.Frame{}, io.EOF
	}
	index := src.pos
	path := src.paths[index]
	src.pos++

	frame := detect.Frame{Index: index}
	if src.fps > 0 {
		frame.Timestamp = time.Duration(float64(index) / src.fps * float64(time.Second))
	}
	file, err := src.fs.Open(path)
	if err != nil {
		return frame, errors.Wrapf(ErrBadFrame, "can't open '%s': %v", path, err)
	}
	defer file.Close()
	img, err := imaging.Decode(file, imaging.AutoOrientation(true))
	if err != nil {
		return frame, errors.Wrapf(ErrBadFrame, "can't decode '%s': %v", path, err)
	}
	frame.Image = img
	return frame, nil
}
