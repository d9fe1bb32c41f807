package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const logFilePermission = 0664

// configureLogging sets the global logger. format is "console" or "json"; a non-empty
// file appends JSON lines there instead of writing to stderr.
func configureLogging(level, format, file string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)

	var w io.Writer = os.Stderr
	switch {
	case file != "":
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, logFilePermission)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		w = zerolog.SyncWriter(f)
	case format == "console":
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	case format != "json":
		return fmt.Errorf("log.format must be console or json, got %q", format)
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}
