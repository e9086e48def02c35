// Command balltrack tracks the ball across a directory of frames and classifies the shot
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LdDl/balltrack/config"
	"github.com/LdDl/balltrack/detect"
	"github.com/LdDl/balltrack/events"
	"github.com/LdDl/balltrack/pipeline"
	"github.com/LdDl/balltrack/track"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

var (
	configPath    = flag.String("config", "", "Path to configuration file (yaml, json or toml)")
	framesDir     = flag.String("frames", "", "Directory with frame images sorted by name")
	detectionsArg = flag.String("detections", "", "Recorded detections to replay instead of calling the inference server")
	detectorURL   = flag.String("detector-url", "", "Inference server endpoint")
	auxPath       = flag.String("aux", "", "JSON file with per-frame player metrics")
	fps           = flag.Float64("fps", 0, "Frames per second, overrides configuration when positive")
	outPath       = flag.String("out", "", "Write JSON report to this file instead of stdout")
	csvPath       = flag.String("csv", "", "Write trajectories as CSV to this file")
	labelsDir     = flag.String("labels", "", "Directory for YOLO label files of accepted candidates")
)

func main() {
	flag.Parse()
	// Missing .env is fine
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Can't load configuration: %v\n", err)
		os.Exit(2)
	}
	log, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Can't create logger: %v\n", err)
		os.Exit(2)
	}
	applyFlags(&cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("balltrack failed")
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config) {
	if *detectionsArg != "" {
		cfg.Detector.Replay = *detectionsArg
	}
	if *detectorURL != "" {
		cfg.Detector.URL = *detectorURL
	}
	if *labelsDir != "" {
		cfg.Detector.LabelsDir = *labelsDir
	}
	if *fps > 0 {
		cfg.Pipeline.FPS = *fps
	}
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	if *framesDir == "" {
		return errors.New("-frames is required")
	}
	fs := afero.NewOsFs()

	sessionCfg, err := cfg.PipelineConfig()
	if err != nil {
		return err
	}
	detector, err := newDetector(fs, cfg, log)
	if err != nil {
		return err
	}
	backend, err := newBackend(cfg.Verifier.Backend)
	if err != nil {
		return err
	}
	opts := []pipeline.Option{pipeline.WithLogger(log), pipeline.WithVerifierBackend(backend)}
	if cfg.Detector.LabelsDir != "" {
		writer, err := detect.NewLabelWriter(fs, cfg.Detector.LabelsDir, cfg.Detector.TargetLabels)
		if err != nil {
			return err
		}
		opts = append(opts, pipeline.WithLabelArtifacts(writer))
	}

	session, err := pipeline.NewSession(sessionCfg, detector, opts...)
	if err != nil {
		return err
	}
	defer session.Close()

	source, err := pipeline.NewDirSource(fs, *framesDir, sessionCfg.FPS)
	if err != nil {
		return err
	}
	log.Info().Str("session_id", session.ID()).Int("frames", source.Len()).Str("dir", *framesDir).Msg("session started")

	if _, err := session.Run(ctx, source); err != nil {
		return errors.Wrap(err, "Can't process frames")
	}

	if *auxPath != "" {
		aux, err := loadAux(fs, *auxPath)
		if err != nil {
			return err
		}
		event, err := session.AnalyzeShot(aux, time.Now().UTC())
		switch {
		case err == nil:
			log.Info().Str("shot", event.ShotType).Str("quality", string(event.Quality)).Msg("shot classified")
		case errors.Is(err, events.ErrNoContact), errors.Is(err, events.ErrEmptyTrajectory):
			log.Warn().Err(err).Msg("shot not classified")
		default:
			return errors.Wrap(err, "Can't analyze shot")
		}
	}

	report := session.Finish()
	if err := writeReport(fs, *outPath, report); err != nil {
		return err
	}
	if *csvPath != "" {
		err := writeFile(fs, *csvPath, func(w io.Writer) error {
			return track.WriteCSV(w, report.Trajectories)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func newDetector(fs afero.Fs, cfg config.Config, log zerolog.Logger) (detect.Detector, error) {
	switch {
	case cfg.Detector.Replay != "":
		replay, err := detect.LoadReplayDetector(fs, cfg.Detector.Replay)
		if err != nil {
			return nil, err
		}
		log.Info().Str("file", cfg.Detector.Replay).Int("frames", replay.Frames()).Msg("replaying detections")
		return replay, nil
	case cfg.Detector.URL != "":
		return detect.NewHTTPDetector(cfg.Detector.URL), nil
	default:
		log.Warn().Msg("no detector configured, every frame will be skipped")
		return nil, nil
	}
}

func loadAux(fs afero.Fs, path string) ([]events.FrameMetrics, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't read '%s'", path)
	}
	var aux []events.FrameMetrics
	if err := json.Unmarshal(data, &aux); err != nil {
		return nil, errors.Wrapf(err, "Can't parse '%s'", path)
	}
	return aux, nil
}

// writeFile creates path and fills it with write. A failed close is reported as well.
func writeFile(fs afero.Fs, path string, write func(w io.Writer) error) (err error) {
	file, err := fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "Can't create '%s'", path)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "Can't close '%s'", path)
		}
	}()
	if err := write(file); err != nil {
		return errors.Wrapf(err, "Can't write '%s'", path)
	}
	return nil
}

func encodeReport(w io.Writer, report pipeline.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// writeReport writes JSON report to path, or to stdout when path is empty
func writeReport(fs afero.Fs, path string, report pipeline.Report) error {
	if path == "" {
		return errors.Wrap(encodeReport(os.Stdout, report), "Can't write report")
	}
	return writeFile(fs, path, func(w io.Writer) error {
		return encodeReport(w, report)
	})
}
