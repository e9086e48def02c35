package config

import (
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

func parseLevel(level string) (zerolog.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zerolog.InfoLevel, nil
	}
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.NoLevel, errors.Wrapf(err, "unknown level %q", level)
	}
	return parsed, nil
}

// NewLogger builds logger writing to w with the configured level and format
func (section LogSection) NewLogger(w io.Writer) (zerolog.Logger, error) {
	level, err := parseLevel(section.Level)
	if err != nil {
		return zerolog.Nop(), errors.Wrapf(ErrConfigurationInvalid, "log: %v", err)
	}
	out := w
	if strings.ToLower(section.Format) != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}
