package main

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/LdDl/balltrack/pipeline"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDiskFull = errors.New("no space left on device")

// flushFailFs creates files whose Close fails, as when buffered data can't be flushed
type flushFailFs struct {
	afero.Fs
}

type flushFailFile struct {
	afero.File
}

func (fs flushFailFs) Create(name string) (afero.File, error) {
	file, err := fs.Fs.Create(name)
	if err != nil {
		return nil, err
	}
	return flushFailFile{File: file}, nil
}

func (file flushFailFile) Close() error {
	_ = file.File.Close()
	return errDiskFull
}

func TestWriteFileReportsCloseError(t *testing.T) {
	fs := flushFailFs{Fs: afero.NewMemMapFs()}
	err := writeFile(fs, "/out/tracks.csv", func(w io.Writer) error {
		_, err := io.WriteString(w, "id;state;track\n")
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Contains(t, err.Error(), "/out/tracks.csv")
}

func TestWriteFileKeepsWriteError(t *testing.T) {
	fs := flushFailFs{Fs: afero.NewMemMapFs()}
	errEncode := errors.New("encode failed")
	err := writeFile(fs, "/report.json", func(w io.Writer) error {
		return errEncode
	})
	assert.ErrorIs(t, err, errEncode)
	assert.NotErrorIs(t, err, errDiskFull)
}

func TestWriteReport(t *testing.T) {
	fs := afero.NewMemMapFs()
	report := pipeline.Report{SessionID: "session", Frames: 3, SkippedFrames: 1}
	require.NoError(t, writeReport(fs, "/report.json", report))

	data, err := afero.ReadFile(fs, "/report.json")
	require.NoError(t, err)
	var decoded pipeline.Report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, report.SessionID, decoded.SessionID)
	assert.Equal(t, 3, decoded.Frames)
	assert.Equal(t, 1, decoded.SkippedFrames)

	err = writeReport(flushFailFs{Fs: afero.NewMemMapFs()}, "/report.json", report)
	assert.ErrorIs(t, err, errDiskFull)
}
